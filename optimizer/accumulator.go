package optimizer

import (
	"fmt"

	"github.com/tsawler/go-trainer/tensor"
)

// GradientAccumulator folds per-batch gradients into running sums so a
// large effective batch can be built from several smaller forward
// passes. Gradients are summed, never averaged; the caller scales the
// result before applying it. The accumulator is driven by a single
// goroutine between Reset calls.
type GradientAccumulator struct {
	sums  []*tensor.Tensor
	steps int64
}

// NewGradientAccumulator returns an empty accumulator. Sum tensors are
// allocated lazily from the shapes of the first accumulated gradients.
func NewGradientAccumulator() *GradientAccumulator {
	return &GradientAccumulator{}
}

// Accumulate adds grads elementwise into the running sums and advances
// the step counter. A nil gradient contributes nothing for that slot.
// After the first call, every call must pass the same number of
// gradients with the same shapes.
func (ga *GradientAccumulator) Accumulate(grads []*tensor.Tensor) error {
	if ga.sums == nil {
		ga.sums = make([]*tensor.Tensor, len(grads))
		for i, g := range grads {
			if g == nil {
				continue
			}
			ga.sums[i] = tensor.ZerosLike(g)
		}
	}
	if len(grads) != len(ga.sums) {
		return fmt.Errorf("gradient count %d does not match accumulator size %d", len(grads), len(ga.sums))
	}

	for i, g := range grads {
		if g == nil {
			continue
		}
		if ga.sums[i] == nil {
			ga.sums[i] = tensor.ZerosLike(g)
		}
		if err := tensor.AccumulateInto(ga.sums[i], g); err != nil {
			return fmt.Errorf("accumulating gradient %d: %v", i, err)
		}
	}

	ga.steps++
	return nil
}

// Gradients returns the running sums. Slots that never received a
// gradient are nil. The returned tensors are the accumulator's own
// buffers; callers must not hold them across a Reset.
func (ga *GradientAccumulator) Gradients() []*tensor.Tensor {
	return ga.sums
}

// Steps returns how many times Accumulate has been called since the
// last Reset.
func (ga *GradientAccumulator) Steps() int64 {
	return ga.steps
}

// Reset zeroes the running sums and the step counter. Allocated sum
// buffers are kept so the next cycle reuses them.
func (ga *GradientAccumulator) Reset() {
	for _, s := range ga.sums {
		if s == nil {
			continue
		}
		for i := range s.Data {
			s.Data[i] = 0
		}
	}
	ga.steps = 0
}
