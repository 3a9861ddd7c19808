package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// AccumulateInto adds src elementwise into dst. Shapes must match exactly;
// gradient accumulation depends on shape-stable sums.
func AccumulateInto(dst, src *Tensor) error {
	if len(dst.Data) != len(src.Data) {
		return fmt.Errorf("accumulate shape mismatch: dst %v, src %v", dst.Shape, src.Shape)
	}

	blas32.Axpy(1.0,
		blas32.Vector{N: len(src.Data), Inc: 1, Data: src.Data},
		blas32.Vector{N: len(dst.Data), Inc: 1, Data: dst.Data})

	return nil
}

// Scale multiplies every element of t by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	if len(t.Data) == 0 {
		return
	}
	blas32.Scal(alpha, blas32.Vector{N: len(t.Data), Inc: 1, Data: t.Data})
}

// Clip clamps every element of t into [min, max] in place.
func (t *Tensor) Clip(min, max float32) {
	for i, v := range t.Data {
		if v < min {
			t.Data[i] = min
		} else if v > max {
			t.Data[i] = max
		}
	}
}

// Mean returns the mean of all elements. An empty tensor has no mean.
func (t *Tensor) Mean() (float32, error) {
	if len(t.Data) == 0 {
		return 0, fmt.Errorf("cannot take the mean of an empty tensor")
	}

	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return float32(sum / float64(len(t.Data))), nil
}

// MeanAxis reduces t along the given axis by mean and returns the result.
// The axis must be valid for the tensor's rank and the reduced dimension must
// be non-empty; callers that need a lenient reduction fall back to Mean.
func (t *Tensor) MeanAxis(axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("axis %d out of range for rank %d tensor", axis, len(t.Shape))
	}
	if t.Shape[axis] == 0 {
		return nil, fmt.Errorf("cannot reduce axis %d with size 0", axis)
	}

	outShape := make([]int, 0, len(t.Shape)-1)
	outShape = append(outShape, t.Shape[:axis]...)
	outShape = append(outShape, t.Shape[axis+1:]...)

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	// outer x axis x inner element layout
	inner := 1
	for _, dim := range t.Shape[axis+1:] {
		inner *= dim
	}
	outer := 1
	for _, dim := range t.Shape[:axis] {
		outer *= dim
	}
	n := t.Shape[axis]

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float64
			for a := 0; a < n; a++ {
				sum += float64(t.Data[(o*n+a)*inner+i])
			}
			out.Data[o*inner+i] = float32(sum / float64(n))
		}
	}

	return out, nil
}

// AppendRows concatenates src onto dst along the leading dimension and
// returns the result. A nil dst starts a fresh accumulation; trailing
// dimensions must agree.
func AppendRows(dst, src *Tensor) (*Tensor, error) {
	if src == nil {
		return dst, nil
	}
	if dst == nil {
		return src.Clone(), nil
	}

	if len(dst.Shape) != len(src.Shape) || len(dst.Shape) == 0 {
		return nil, fmt.Errorf("cannot append rows: rank mismatch %v vs %v", dst.Shape, src.Shape)
	}
	for i := 1; i < len(dst.Shape); i++ {
		if dst.Shape[i] != src.Shape[i] {
			return nil, fmt.Errorf("cannot append rows: trailing dimension mismatch %v vs %v", dst.Shape, src.Shape)
		}
	}

	outShape := append([]int{}, dst.Shape...)
	outShape[0] = dst.Shape[0] + src.Shape[0]

	data := make([]float32, 0, len(dst.Data)+len(src.Data))
	data = append(data, dst.Data...)
	data = append(data, src.Data...)

	return &Tensor{Shape: outShape, Data: data}, nil
}

// SplitRows partitions t into n contiguous chunks along the leading
// dimension, preserving order. When rows do not divide evenly the leading
// chunks take one extra row; trailing chunks may be empty.
func (t *Tensor) SplitRows(n int) ([]*Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split count must be positive, got %d", n)
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot split a scalar tensor")
	}

	rows := t.Shape[0]
	rowSize := 1
	for _, dim := range t.Shape[1:] {
		rowSize *= dim
	}

	base := rows / n
	extra := rows % n

	out := make([]*Tensor, n)
	offset := 0
	for i := 0; i < n; i++ {
		chunk := base
		if i < extra {
			chunk++
		}

		shape := append([]int{}, t.Shape...)
		shape[0] = chunk

		data := make([]float32, chunk*rowSize)
		copy(data, t.Data[offset*rowSize:(offset+chunk)*rowSize])

		out[i] = &Tensor{Shape: shape, Data: data}
		offset += chunk
	}

	return out, nil
}
