package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/tensor"
)

const linearWeightsFile = "model.json"

// LinearConfig describes a Linear model's dimensions and regularization.
type LinearConfig struct {
	InputSize    int     `json:"input_size"`
	OutputSize   int     `json:"output_size"`
	L2Penalty    float64 `json:"l2_penalty"`
	InitialScale float64 `json:"initial_scale"`
	Seed         int64   `json:"seed"`
}

// DefaultLinearConfig returns a config for a 1-in 1-out regression with
// small random initialization and no regularization.
func DefaultLinearConfig() LinearConfig {
	return LinearConfig{
		InputSize:    1,
		OutputSize:   1,
		L2Penalty:    0.0,
		InitialScale: 0.1,
		Seed:         1,
	}
}

// Linear is y = xW + b with a squared-error loss, used to exercise the
// full training contract without an external runtime. Gradients are
// analytic.
type Linear struct {
	config LinearConfig
	weight *tensor.Variable
	bias   *tensor.Variable
}

// NewLinear creates a Linear model with randomly initialized weights and
// zero bias.
func NewLinear(config LinearConfig) (*Linear, error) {
	if config.InputSize <= 0 || config.OutputSize <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", config.InputSize, config.OutputSize)
	}
	if config.L2Penalty < 0 {
		return nil, fmt.Errorf("l2 penalty must be non-negative, got %v", config.L2Penalty)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	w, err := tensor.Zeros([]int{config.InputSize, config.OutputSize})
	if err != nil {
		return nil, err
	}
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * config.InitialScale)
	}
	b, err := tensor.Zeros([]int{config.OutputSize})
	if err != nil {
		return nil, err
	}

	return &Linear{
		config: config,
		weight: tensor.NewVariable("weight", w),
		bias:   tensor.NewVariable("bias", b),
	}, nil
}

// Run computes predictions and the per-example squared error.
func (m *Linear) Run(features *tensor.Tensor, labels data.Labels, training bool) (*tensor.Tensor, *tensor.Tensor, error) {
	logits, targets, err := m.forward(features, labels)
	if err != nil {
		return nil, nil, err
	}

	batch := features.Rows()
	out := m.config.OutputSize
	loss, err := tensor.Zeros([]int{batch})
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < batch; i++ {
		var sum float32
		for j := 0; j < out; j++ {
			d := logits.Data[i*out+j] - targets.Data[i*out+j]
			sum += d * d
		}
		loss.Data[i] = sum / float32(out)
	}
	return loss, logits, nil
}

// Backward computes the forward pass plus analytic gradients of the
// batch-mean loss, including the L2 penalty, with respect to weight and
// bias.
func (m *Linear) Backward(features *tensor.Tensor, labels data.Labels) (*tensor.Tensor, *tensor.Tensor, []*tensor.Tensor, error) {
	loss, logits, err := m.Run(features, labels, true)
	if err != nil {
		return nil, nil, nil, err
	}
	targets := labels.Primary()

	batch := features.Rows()
	in := m.config.InputSize
	out := m.config.OutputSize

	gw := tensor.ZerosLike(m.weight.Value)
	gb := tensor.ZerosLike(m.bias.Value)
	scale := 2.0 / float32(batch*out)
	for b := 0; b < batch; b++ {
		for j := 0; j < out; j++ {
			diff := scale * (logits.Data[b*out+j] - targets.Data[b*out+j])
			gb.Data[j] += diff
			for i := 0; i < in; i++ {
				gw.Data[i*out+j] += diff * features.Data[b*in+i]
			}
		}
	}
	if m.config.L2Penalty > 0 {
		l2 := 2 * float32(m.config.L2Penalty)
		for i := range gw.Data {
			gw.Data[i] += l2 * m.weight.Value.Data[i]
		}
	}

	return loss, logits, []*tensor.Tensor{gw, gb}, nil
}

// TrainableVariables returns weight then bias, in a stable order.
func (m *Linear) TrainableVariables() []*tensor.Variable {
	return []*tensor.Variable{m.weight, m.bias}
}

// Losses returns the L2 penalty value, or nothing when regularization
// is off.
func (m *Linear) Losses() []float32 {
	if m.config.L2Penalty <= 0 {
		return nil
	}
	var sumSq float32
	for _, w := range m.weight.Value.Data {
		sumSq += w * w
	}
	return []float32{float32(m.config.L2Penalty) * sumSq}
}

// forward validates shapes and computes xW + b.
func (m *Linear) forward(features *tensor.Tensor, labels data.Labels) (*tensor.Tensor, *tensor.Tensor, error) {
	if features == nil {
		return nil, nil, fmt.Errorf("features are nil")
	}
	in := m.config.InputSize
	out := m.config.OutputSize
	if features.Rank() != 2 || features.Shape[1] != in {
		return nil, nil, fmt.Errorf("features shape %v, want [batch %d]", features.Shape, in)
	}
	targets := labels.Primary()
	if targets == nil {
		return nil, nil, fmt.Errorf("labels are missing")
	}
	batch := features.Rows()
	if targets.NumElems() != batch*out {
		return nil, nil, fmt.Errorf("labels shape %v does not match batch %d x outputs %d", targets.Shape, batch, out)
	}

	logits, err := tensor.Zeros([]int{batch, out})
	if err != nil {
		return nil, nil, err
	}
	for b := 0; b < batch; b++ {
		for j := 0; j < out; j++ {
			sum := m.bias.Value.Data[j]
			for i := 0; i < in; i++ {
				sum += features.Data[b*in+i] * m.weight.Value.Data[i*out+j]
			}
			logits.Data[b*out+j] = sum
		}
	}
	return logits, targets, nil
}

// linearSnapshot is the on-disk form of a Linear model.
type linearSnapshot struct {
	Config LinearConfig `json:"config"`
	Weight []float32    `json:"weight"`
	Bias   []float32    `json:"bias"`
}

// SavePretrained writes the config and parameters as JSON under dir,
// creating the directory if needed.
func (m *Linear) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %v", err)
	}
	snap := linearSnapshot{
		Config: m.config,
		Weight: m.weight.Value.Data,
		Bias:   m.bias.Value.Data,
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %v", err)
	}
	path := filepath.Join(dir, linearWeightsFile)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("failed to write model file: %v", err)
	}
	return nil
}

// LoadPretrained replaces the model's config and parameters with those
// saved under dir.
func (m *Linear) LoadPretrained(dir string) error {
	path := filepath.Join(dir, linearWeightsFile)
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model file: %v", err)
	}
	var snap linearSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("failed to parse model file: %v", err)
	}
	if len(snap.Weight) != snap.Config.InputSize*snap.Config.OutputSize {
		return fmt.Errorf("weight length %d does not match config %dx%d", len(snap.Weight), snap.Config.InputSize, snap.Config.OutputSize)
	}
	if len(snap.Bias) != snap.Config.OutputSize {
		return fmt.Errorf("bias length %d does not match config outputs %d", len(snap.Bias), snap.Config.OutputSize)
	}

	w, err := tensor.New([]int{snap.Config.InputSize, snap.Config.OutputSize}, snap.Weight)
	if err != nil {
		return err
	}
	b, err := tensor.New([]int{snap.Config.OutputSize}, snap.Bias)
	if err != nil {
		return err
	}
	m.config = snap.Config
	m.weight = tensor.NewVariable("weight", w)
	m.bias = tensor.NewVariable("bias", b)
	return nil
}
