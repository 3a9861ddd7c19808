// Package model defines the contract a trainable model must satisfy to be
// driven by the training loop, plus a small linear reference model that
// implements it end to end.
package model

import (
	"fmt"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/tensor"
)

// Model is the training loop's view of a model. The loop never inspects
// model internals; it forwards batches, collects losses and gradients,
// and updates the variables the model exposes.
type Model interface {
	// Run performs a forward pass and returns the per-example loss
	// (one entry per batch row) alongside the raw output logits.
	// training selects between training and inference behavior.
	Run(features *tensor.Tensor, labels data.Labels, training bool) (perExampleLoss, logits *tensor.Tensor, err error)

	// Backward performs a forward and backward pass. The returned
	// gradients are those of the batch-mean loss, including any
	// auxiliary losses, aligned by index with TrainableVariables. A
	// nil gradient entry means the variable received no contribution.
	Backward(features *tensor.Tensor, labels data.Labels) (perExampleLoss, logits *tensor.Tensor, grads []*tensor.Tensor, err error)

	// TrainableVariables returns the parameters the optimizer updates.
	// The slice and its order are stable across calls.
	TrainableVariables() []*tensor.Variable

	// Losses returns auxiliary loss terms, such as regularization
	// penalties, already folded into Backward's gradients.
	Losses() []float32
}

// Saver is the persistence contract. Models that cannot be saved may
// still be trained; SaveModel refuses them at save time.
type Saver interface {
	SavePretrained(dir string) error
	LoadPretrained(dir string) error
}

// Validate checks that m satisfies the persistence contract and returns
// its Saver view.
func Validate(m Model) (Saver, error) {
	if m == nil {
		return nil, fmt.Errorf("model is nil")
	}
	s, ok := m.(Saver)
	if !ok {
		return nil, fmt.Errorf("model %T does not support saving", m)
	}
	return s, nil
}
