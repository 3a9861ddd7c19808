// Package tracking records training metrics, both to local scalar event
// files and to an optional experiment tracking service over HTTP.
package tracking

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScalarWriter receives scalar metric values as training progresses.
type ScalarWriter interface {
	WriteScalar(tag string, value float64, step int64) error
	Flush() error
}

// Event is one recorded entry in a summary file.
type Event struct {
	WallTime float64                `json:"wall_time"`
	Step     int64                  `json:"step"`
	Kind     string                 `json:"kind"`
	Tag      string                 `json:"tag"`
	Value    float64                `json:"value,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Trace    map[string]interface{} `json:"trace,omitempty"`
}

// SummaryWriter appends scalar events to a JSON-lines file under a
// logging directory. It is safe for concurrent use.
type SummaryWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// NewSummaryWriter creates the logging directory if needed and opens
// its event file for appending.
func NewSummaryWriter(dir string) (*SummaryWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("logging directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logging directory: %v", err)
	}
	path := filepath.Join(dir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %v", err)
	}
	return &SummaryWriter{
		file: file,
		buf:  bufio.NewWriter(file),
	}, nil
}

// WriteScalar records one scalar value for tag at step.
func (sw *SummaryWriter) WriteScalar(tag string, value float64, step int64) error {
	return sw.append(Event{
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Kind:     "scalar",
		Tag:      tag,
		Value:    value,
	})
}

// WriteText records a text entry, used for run configuration dumps.
func (sw *SummaryWriter) WriteText(tag string, text string, step int64) error {
	return sw.append(Event{
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Kind:     "text",
		Tag:      tag,
		Text:     text,
	})
}

// TraceExport records a named execution trace, used by debug mode after
// the first training step.
func (sw *SummaryWriter) TraceExport(name string, step int64, trace map[string]interface{}) error {
	return sw.append(Event{
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Kind:     "trace",
		Tag:      name,
		Trace:    trace,
	})
}

func (sw *SummaryWriter) append(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.buf.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %v", err)
	}
	if err := sw.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write event: %v", err)
	}
	return nil
}

// Flush pushes buffered events to disk.
func (sw *SummaryWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if err := sw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %v", err)
	}
	return nil
}

// Close flushes and closes the event file.
func (sw *SummaryWriter) Close() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	return sw.file.Close()
}
