// Package training drives the distributed training and evaluation loop:
// it shards batches across replicas, accumulates gradients over
// micro-batches, applies clipped averaged updates, and handles the
// logging, evaluation, and checkpoint cadences.
package training

import (
	"encoding/json"
	"fmt"
)

// TrainerConfig holds the configuration surface of the training loop.
type TrainerConfig struct {
	TrainBatchSize int `json:"train_batch_size"`
	EvalBatchSize  int `json:"eval_batch_size"`

	// NumEpochs is the epoch budget. It is ignored when MaxSteps is
	// set; a step budget always runs as a single repeated epoch.
	NumEpochs int `json:"num_epochs"`

	// MaxSteps is the optional step budget. When positive it takes
	// precedence over NumEpochs and the train dataset repeats so the
	// budget can be reached even past one pass over the data.
	MaxSteps int `json:"max_steps"`

	LearningRate float64 `json:"learning_rate"`
	WarmupSteps  int64   `json:"warmup_steps"`
	AdamEpsilon  float64 `json:"adam_epsilon"`
	WeightDecay  float64 `json:"weight_decay"`

	// MaxGradNorm bounds every gradient component elementwise to
	// [-MaxGradNorm, MaxGradNorm] before the optimizer apply. Zero
	// disables clipping.
	MaxGradNorm float64 `json:"max_grad_norm"`

	// GradientAccumulationSteps is how many micro-batches are folded
	// into one optimizer update.
	GradientAccumulationSteps int `json:"gradient_accumulation_steps"`

	LoggingSteps int64 `json:"logging_steps"`
	EvalSteps    int64 `json:"eval_steps"`
	SaveSteps    int64 `json:"save_steps"`

	// SaveTotalLimit bounds how many checkpoints are retained; the
	// oldest is evicted beyond the limit. Zero keeps everything.
	SaveTotalLimit int `json:"save_total_limit"`

	DropRemainder          bool `json:"drop_remainder"`
	EvaluateDuringTraining bool `json:"evaluate_during_training"`
	PredictionLossOnly     bool `json:"prediction_loss_only"`

	// Debug logs every step's loss regardless of the logging cadence
	// and exports an execution trace for the first global step.
	Debug bool `json:"debug"`

	// FP16 enables static loss scaling around gradient accumulation.
	FP16      bool    `json:"fp16"`
	LossScale float64 `json:"loss_scale"`

	Seed int64 `json:"seed"`

	OutputDir  string `json:"output_dir"`
	LoggingDir string `json:"logging_dir"`
}

// DefaultTrainerConfig returns the standard fine-tuning configuration.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		TrainBatchSize:            8,
		EvalBatchSize:             8,
		NumEpochs:                 3,
		MaxSteps:                  0,
		LearningRate:              5e-5,
		WarmupSteps:               0,
		AdamEpsilon:               1e-8,
		WeightDecay:               0.0,
		MaxGradNorm:               1.0,
		GradientAccumulationSteps: 1,
		LoggingSteps:              500,
		EvalSteps:                 1000,
		SaveSteps:                 500,
		SaveTotalLimit:            5,
		LossScale:                 1024,
		Seed:                      42,
		OutputDir:                 "./output",
		LoggingDir:                "./output/logs",
	}
}

// validate checks the configuration for values the loop cannot run
// with.
func (c *TrainerConfig) validate() error {
	if c.TrainBatchSize <= 0 {
		return fmt.Errorf("train batch size must be positive, got %d", c.TrainBatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return fmt.Errorf("eval batch size must be positive, got %d", c.EvalBatchSize)
	}
	if c.MaxSteps <= 0 && c.NumEpochs <= 0 {
		return fmt.Errorf("either max steps or num epochs must be positive")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if c.GradientAccumulationSteps <= 0 {
		return fmt.Errorf("gradient accumulation steps must be positive, got %d", c.GradientAccumulationSteps)
	}
	if c.MaxGradNorm < 0 {
		return fmt.Errorf("max gradient norm must be non-negative, got %v", c.MaxGradNorm)
	}
	if c.FP16 && c.LossScale <= 0 {
		return fmt.Errorf("loss scale must be positive when fp16 is enabled, got %v", c.LossScale)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// ToJSONString renders the configuration for run-config dumps.
func (c *TrainerConfig) ToJSONString() string {
	payload, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(payload)
}
