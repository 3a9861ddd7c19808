package tensor

import (
	"fmt"
)

// Tensor is a host-side float32 tensor. It is the exchange currency between
// the training orchestrator and its external collaborators (model, optimizer,
// distribution strategy). Autodiff and device placement happen behind those
// collaborators; this type only needs to carry values and support the handful
// of elementwise operations the control loop performs.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New creates a tensor with the given shape wrapping the provided data.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := numElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}

	return &Tensor{
		Shape: append([]int{}, shape...),
		Data:  data,
	}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	return &Tensor{
		Shape: append([]int{}, shape...),
		Data:  make([]float32, numElements(shape)),
	}, nil
}

// ZerosLike creates a zero-filled tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape: append([]int{}, t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
}

// FromScalar creates a rank-0 tensor holding a single value.
func FromScalar(v float32) *Tensor {
	return &Tensor{
		Shape: []int{},
		Data:  []float32{v},
	}
}

// NumElems returns the total number of elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Rows returns the size of the leading dimension, or 1 for a scalar.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)

	return &Tensor{
		Shape: append([]int{}, t.Shape...),
		Data:  data,
	}
}

// Equal reports whether two tensors have identical shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i, dim := range t.Shape {
		if dim != other.Shape[i] {
			return false
		}
	}
	for i, v := range t.Data {
		if v != other.Data[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		// Zero-size dimensions are allowed: an empty replica shard is a
		// legitimate value in the distribution edge cases.
		if dim < 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be non-negative", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}
