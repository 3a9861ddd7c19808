package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The binary format wraps the checkpoint's JSON document in a protobuf
// Struct and writes the protobuf wire encoding. This keeps one source
// of truth for the schema (the JSON tags on the checkpoint types) while
// producing a compact, length-delimited binary file.

// saveBinary saves checkpoint in protobuf binary format
func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	document, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}

	payload := &structpb.Struct{}
	if err := protojson.Unmarshal(document, payload); err != nil {
		return fmt.Errorf("failed to build checkpoint payload: %v", err)
	}

	encoded, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint payload: %v", err)
	}

	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

// loadBinary loads checkpoint from protobuf binary format
func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}

	payload := &structpb.Struct{}
	if err := proto.Unmarshal(encoded, payload); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint payload: %v", err)
	}

	document, err := protojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild checkpoint document: %v", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(document, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
