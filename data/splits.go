package data

import (
	"fmt"
	"math"
)

// Train builds the training pipeline: cache, shuffle over the full example
// count, batch, prefetch. When a max-step budget is configured the pipeline
// additionally repeats indefinitely so the loop can run past one epoch.
func Train(dataset Dataset, batchSize int, dropRemainder bool, maxSteps int, seed int64) (*Pipeline, error) {
	if dataset == nil {
		return nil, fmt.Errorf("training requires a train dataset")
	}

	return NewPipeline(dataset, Options{
		BatchSize:     batchSize,
		DropRemainder: dropRemainder,
		Shuffle:       true,
		Seed:          seed,
		Repeat:        maxSteps > 0,
		Cache:         true,
	})
}

// Eval builds the evaluation pipeline: cache, batch, prefetch. No shuffle,
// and the trailing partial batch is always kept so every example is scored.
func Eval(dataset Dataset, batchSize int) (*Pipeline, error) {
	if dataset == nil {
		return nil, fmt.Errorf("evaluation requires an eval dataset")
	}

	return NewPipeline(dataset, Options{
		BatchSize: batchSize,
		Cache:     true,
	})
}

// Test builds the prediction pipeline: batch only. The trailing partial
// batch is always kept.
func Test(dataset Dataset, batchSize int) (*Pipeline, error) {
	if dataset == nil {
		return nil, fmt.Errorf("prediction requires a test dataset")
	}

	return NewPipeline(dataset, Options{
		BatchSize: batchSize,
	})
}

// TrainSteps derives the per-epoch training step count. A configured max-step
// budget is used verbatim; otherwise it is ceil(exampleCount / batchSize).
func TrainSteps(exampleCount, batchSize, maxSteps int) int {
	if maxSteps > 0 {
		return maxSteps
	}
	return int(math.Ceil(float64(exampleCount) / float64(batchSize)))
}
