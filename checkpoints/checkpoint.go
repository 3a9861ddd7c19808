// Package checkpoints persists training state so an interrupted run can
// resume where it left off. A checkpoint carries the model variables,
// the optimizer slots and iteration count, and the loop's progress.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete training snapshot including model
// weights, optimizer state, and loop progress
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the loop's progress at save time
type TrainingState struct {
	GlobalStep   int64   `json:"global_step"`
	Epoch        float64 `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete training checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-trainer"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a training checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// ExtractWeights snapshots model variables into checkpoint weight
// tensors. Data is copied so later training steps do not mutate the
// checkpoint.
func ExtractWeights(vars []*tensor.Variable) []WeightTensor {
	weights := make([]WeightTensor, 0, len(vars))
	for _, v := range vars {
		if v == nil {
			continue
		}
		shape := make([]int, len(v.Value.Shape))
		copy(shape, v.Value.Shape)
		data := make([]float32, len(v.Value.Data))
		copy(data, v.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  v.Name,
			Shape: shape,
			Data:  data,
		})
	}
	return weights
}

// LoadWeights copies checkpoint weights into matching variables.
// Weights are matched by name; shape mismatches are an error, but
// weights with no matching variable and variables with no matching
// weight are both left alone so a partially compatible checkpoint still
// restores what it can.
func LoadWeights(weights []WeightTensor, vars []*tensor.Variable) error {
	byName := make(map[string]*tensor.Variable, len(vars))
	for _, v := range vars {
		if v != nil {
			byName[v.Name] = v
		}
	}

	for _, w := range weights {
		v, ok := byName[w.Name]
		if !ok {
			continue
		}
		if len(w.Data) != len(v.Value.Data) {
			return fmt.Errorf("weight %q has %d values, variable expects %d", w.Name, len(w.Data), len(v.Value.Data))
		}
		copy(v.Value.Data, w.Data)
	}
	return nil
}
