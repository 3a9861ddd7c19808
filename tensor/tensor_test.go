package tensor

import (
	"testing"
)

func TestNewShapeValidation(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		dataLen int
		wantErr bool
	}{
		{"matrix", []int{2, 3}, 6, false},
		{"vector", []int{4}, 4, false},
		{"scalar", []int{}, 1, false},
		{"empty leading dim", []int{0, 3}, 0, false},
		{"negative dim", []int{-1, 3}, 3, true},
		{"length mismatch", []int{2, 2}, 3, true},
	}

	for _, tt := range tests {
		_, err := New(tt.shape, make([]float32, tt.dataLen))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: New() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestZerosLike(t *testing.T) {
	src, err := New([]int{2, 2}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}

	z := ZerosLike(src)
	if z.NumElems() != 4 {
		t.Errorf("expected 4 elements, got %d", z.NumElems())
	}
	for i, v := range z.Data {
		if v != 0 {
			t.Errorf("element %d: expected 0, got %f", i, v)
		}
	}

	// Mutating the copy must not touch the source.
	z.Data[0] = 9
	if src.Data[0] != 1 {
		t.Errorf("ZerosLike aliases source data")
	}
}

func TestCloneIsDeep(t *testing.T) {
	src, _ := New([]int{3}, []float32{1, 2, 3})
	dup := src.Clone()

	dup.Data[1] = 42
	if src.Data[1] != 2 {
		t.Errorf("Clone shares data with source")
	}

	if !src.Equal(src.Clone()) {
		t.Errorf("clone should compare equal to source")
	}
	if src.Equal(dup) {
		t.Errorf("modified clone should not compare equal")
	}
}

func TestRows(t *testing.T) {
	tests := []struct {
		shape []int
		want  int
	}{
		{[]int{5, 2}, 5},
		{[]int{3}, 3},
		{[]int{}, 1},
		{[]int{0, 4}, 0},
	}

	for _, tt := range tests {
		tensor := &Tensor{Shape: tt.shape, Data: make([]float32, numElements(tt.shape))}
		if got := tensor.Rows(); got != tt.want {
			t.Errorf("Rows() for shape %v: expected %d, got %d", tt.shape, tt.want, got)
		}
	}
}
