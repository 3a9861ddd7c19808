package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-trainer/tensor"
)

// AdamWConfig holds hyperparameters for the AdamW optimizer.
type AdamWConfig struct {
	LearningRate Schedule
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamWConfig returns the standard AdamW hyperparameters with a
// constant learning rate of 1e-3.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: Constant(1e-3),
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamW implements Adam with decoupled weight decay. Moment estimates
// are kept per variable name so they survive a save and restore cycle.
type AdamW struct {
	config       AdamWConfig
	iterations   int64
	firstMoment  map[string]*tensor.Tensor
	secondMoment map[string]*tensor.Tensor
}

// NewAdamW creates an AdamW optimizer from config. A nil learning rate
// schedule falls back to the default constant rate.
func NewAdamW(config AdamWConfig) *AdamW {
	if config.LearningRate == nil {
		config.LearningRate = Constant(1e-3)
	}
	return &AdamW{
		config:       config,
		firstMoment:  make(map[string]*tensor.Tensor),
		secondMoment: make(map[string]*tensor.Tensor),
	}
}

// Iterations returns the number of completed update steps.
func (a *AdamW) Iterations() int64 {
	return a.iterations
}

// ApplyGradients performs one AdamW update across all variables, then
// advances the iteration counter. The learning rate is taken from the
// schedule at the pre-update iteration count.
func (a *AdamW) ApplyGradients(grads []*tensor.Tensor, vars []*tensor.Variable) error {
	if len(grads) != len(vars) {
		return fmt.Errorf("gradient count %d does not match variable count %d", len(grads), len(vars))
	}

	lr := a.config.LearningRate(a.iterations)
	t := float64(a.iterations + 1)
	correction1 := 1.0 - math.Pow(a.config.Beta1, t)
	correction2 := 1.0 - math.Pow(a.config.Beta2, t)

	for i, grad := range grads {
		if grad == nil {
			continue
		}
		v := vars[i]
		if v == nil {
			return fmt.Errorf("variable %d is nil", i)
		}
		if !shapeEqual(grad.Shape, v.Value.Shape) {
			return fmt.Errorf("gradient shape %v does not match variable %q shape %v", grad.Shape, v.Name, v.Value.Shape)
		}

		m := a.slot(a.firstMoment, v)
		s := a.slot(a.secondMoment, v)

		b1 := float32(a.config.Beta1)
		b2 := float32(a.config.Beta2)
		for j := range grad.Data {
			g := grad.Data[j]
			m.Data[j] = b1*m.Data[j] + (1-b1)*g
			s.Data[j] = b2*s.Data[j] + (1-b2)*g*g

			mHat := float64(m.Data[j]) / correction1
			sHat := float64(s.Data[j]) / correction2
			update := lr * mHat / (math.Sqrt(sHat) + a.config.Epsilon)
			if a.config.WeightDecay > 0 {
				update += lr * a.config.WeightDecay * float64(v.Value.Data[j])
			}
			v.Value.Data[j] -= float32(update)
		}
	}

	a.iterations++
	return nil
}

// slot fetches the moment tensor for v, creating a zero tensor on first
// use.
func (a *AdamW) slot(moments map[string]*tensor.Tensor, v *tensor.Variable) *tensor.Tensor {
	if m, ok := moments[v.Name]; ok {
		return m
	}
	m := tensor.ZerosLike(v.Value)
	moments[v.Name] = m
	return m
}

// State exports the moment estimates and iteration count.
func (a *AdamW) State() *State {
	state := &State{
		Type:       "adamw",
		Iterations: a.iterations,
	}
	for name, m := range a.firstMoment {
		state.Slots = append(state.Slots, exportSlot("m/"+name, m))
	}
	for name, s := range a.secondMoment {
		state.Slots = append(state.Slots, exportSlot("v/"+name, s))
	}
	return state
}

// LoadState restores the iteration count and any moment slots present
// in state. Unknown slot names are ignored.
func (a *AdamW) LoadState(state *State) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	a.iterations = state.Iterations
	for _, slot := range state.Slots {
		var moments map[string]*tensor.Tensor
		var name string
		switch {
		case len(slot.Name) > 2 && slot.Name[:2] == "m/":
			moments, name = a.firstMoment, slot.Name[2:]
		case len(slot.Name) > 2 && slot.Name[:2] == "v/":
			moments, name = a.secondMoment, slot.Name[2:]
		default:
			continue
		}
		t, err := tensor.New(slot.Shape, slot.Data)
		if err != nil {
			return fmt.Errorf("restoring slot %q: %v", slot.Name, err)
		}
		moments[name] = t
	}
	return nil
}

func exportSlot(name string, t *tensor.Tensor) Slot {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return Slot{Name: name, Shape: shape, Data: data}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
