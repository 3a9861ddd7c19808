package optimizer

import (
	"github.com/tsawler/go-trainer/tensor"
)

// Optimizer applies gradient updates to model variables and tracks the
// number of updates applied so far. The iteration counter is the single
// authority on training progress; callers derive global step from it
// rather than keeping their own count.
type Optimizer interface {
	// Iterations returns how many times ApplyGradients has completed.
	Iterations() int64

	// ApplyGradients performs one update step. Gradients and variables
	// are matched by index and must have identical shapes. A nil
	// gradient leaves the corresponding variable untouched.
	ApplyGradients(grads []*tensor.Tensor, vars []*tensor.Variable) error

	// State exports the optimizer's slot variables and iteration count
	// for checkpointing.
	State() *State

	// LoadState restores slot variables and the iteration count. Slots
	// are matched by name; entries with no matching slot are skipped so
	// a partially compatible checkpoint still restores what it can.
	LoadState(state *State) error
}

// State is a serializable snapshot of an optimizer.
type State struct {
	Type       string `json:"type"`
	Iterations int64  `json:"iterations"`
	Slots      []Slot `json:"slots,omitempty"`
}

// Slot is one named per-variable accumulator, such as a first or second
// moment estimate.
type Slot struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}
