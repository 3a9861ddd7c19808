package optimizer

import (
	"math"
	"testing"
)

func TestWarmupLinearDecay(t *testing.T) {
	schedule := WarmupLinearDecay(0.1, 100, 10)

	tests := []struct {
		name string
		step int64
		want float64
	}{
		{"start of warmup", 0, 0},
		{"mid warmup", 5, 0.05},
		{"end of warmup", 10, 0.1},
		{"mid decay", 55, 0.05},
		{"end of schedule", 100, 0},
		{"past end", 150, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := schedule(tt.step)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("schedule(%d) = %v, want %v", tt.step, got, tt.want)
			}
		})
	}
}

func TestWarmupLinearDecayNoWarmup(t *testing.T) {
	schedule := WarmupLinearDecay(0.2, 10, 0)
	if got := schedule(0); got != 0.2 {
		t.Errorf("schedule(0) = %v, want 0.2", got)
	}
	if got := schedule(5); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("schedule(5) = %v, want 0.1", got)
	}
}

func TestConstant(t *testing.T) {
	schedule := Constant(0.01)
	for _, step := range []int64{0, 1, 1000000} {
		if got := schedule(step); got != 0.01 {
			t.Errorf("schedule(%d) = %v, want 0.01", step, got)
		}
	}
}

func TestCreateOptimizer(t *testing.T) {
	opt, schedule := CreateOptimizer(5e-5, 1000, 100, 1e-8, 0.01)
	if opt == nil {
		t.Fatal("CreateOptimizer returned nil")
	}
	if opt.Iterations() != 0 {
		t.Errorf("fresh optimizer Iterations() = %d, want 0", opt.Iterations())
	}
	peak := schedule(100)
	if math.Abs(peak-5e-5) > 1e-12 {
		t.Errorf("learning rate at end of warmup = %v, want 5e-5", peak)
	}
}
