package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "weight", Shape: []int{2, 1}, Data: []float32{0.5, -0.25}},
			{Name: "bias", Shape: []int{1}, Data: []float32{0.125}},
		},
		TrainingState: TrainingState{
			GlobalStep:   120,
			Epoch:        2.5,
			LearningRate: 3e-5,
		},
		OptimizerState: &optimizer.State{
			Type:       "adamw",
			Iterations: 120,
			Slots: []optimizer.Slot{
				{Name: "m/weight", Shape: []int{2, 1}, Data: []float32{0.01, 0.02}},
			},
		},
	}
}

func testVariable(t *testing.T, name string, shape []int, data []float32) *tensor.Variable {
	t.Helper()
	value, err := tensor.New(shape, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tensor.NewVariable(name, value)
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	formats := []struct {
		name   string
		format CheckpointFormat
	}{
		{"json", FormatJSON},
		{"binary", FormatBinary},
	}

	for _, tc := range formats {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint")
			saver := NewCheckpointSaver(tc.format)
			want := sampleCheckpoint()

			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("SaveCheckpoint: %v", err)
			}
			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint: %v", err)
			}

			if diff := cmp.Diff(want.Weights, got.Weights); diff != "" {
				t.Errorf("weights mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.TrainingState, got.TrainingState); diff != "" {
				t.Errorf("training state mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.OptimizerState, got.OptimizerState); diff != "" {
				t.Errorf("optimizer state mismatch (-want +got):\n%s", diff)
			}
			if got.Metadata.Framework == "" {
				t.Error("metadata framework was not filled in on save")
			}
		})
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing checkpoint file, got nil")
	}
}

func TestLoadCheckpointCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		if _, err := NewCheckpointSaver(format).LoadCheckpoint(path); err == nil {
			t.Errorf("format %s: expected error for corrupt file, got nil", format)
		}
	}
}

func TestExtractWeightsCopiesData(t *testing.T) {
	v := testVariable(t, "weight", []int{2}, []float32{1, 2})

	weights := ExtractWeights([]*tensor.Variable{v})
	v.Value.Data[0] = 99

	if weights[0].Data[0] != 1 {
		t.Errorf("checkpoint weight changed with variable: %v", weights[0].Data[0])
	}
}

func TestLoadWeightsPartialRestore(t *testing.T) {
	known := testVariable(t, "weight", []int{2}, []float32{0, 0})
	untouched := testVariable(t, "bias", []int{1}, []float32{7})

	weights := []WeightTensor{
		{Name: "weight", Shape: []int{2}, Data: []float32{1, 2}},
		{Name: "unknown", Shape: []int{1}, Data: []float32{5}},
	}

	if err := LoadWeights(weights, []*tensor.Variable{known, untouched}); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	if diff := cmp.Diff([]float32{1, 2}, known.Value.Data); diff != "" {
		t.Errorf("matched variable (-want +got):\n%s", diff)
	}
	if untouched.Value.Data[0] != 7 {
		t.Errorf("unmatched variable changed: %v", untouched.Value.Data[0])
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	v := testVariable(t, "weight", []int{2}, []float32{0, 0})
	weights := []WeightTensor{{Name: "weight", Shape: []int{3}, Data: []float32{1, 2, 3}}}

	if err := LoadWeights(weights, []*tensor.Variable{v}); err == nil {
		t.Fatal("expected error on size mismatch, got nil")
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format CheckpointFormat
		want   string
	}{
		{FormatJSON, "JSON"},
		{FormatBinary, "Binary"},
		{CheckpointFormat(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
