package tensor

// Variable is a named trainable parameter owned by a model. The orchestrator
// never creates variables itself; it only reads and updates the values the
// model exposes.
type Variable struct {
	Name  string
	Value *Tensor
}

// NewVariable creates a named variable wrapping the given tensor.
func NewVariable(name string, value *Tensor) *Variable {
	return &Variable{Name: name, Value: value}
}

// NamedTensors maps label field names to their tensors, for datasets whose
// labels are a mapping rather than a single tensor.
type NamedTensors map[string]*Tensor
