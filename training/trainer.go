package training

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/distribute"
	"github.com/tsawler/go-trainer/model"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
	"github.com/tsawler/go-trainer/tracking"
)

// TrainingState is the loop's mutable progress, threaded explicitly
// through each iteration. GlobalStep is always read back from the
// optimizer's iteration counter, never incremented locally.
type TrainingState struct {
	GlobalStep int64
	Epoch      float64
}

// MetricsFunc computes named metrics from gathered predictions and
// label ids.
type MetricsFunc func(predictions, labelIDs *tensor.Tensor) map[string]float64

// Options carries the trainer's collaborators. Only the datasets the
// caller intends to use are required; everything else has a working
// default.
type Options struct {
	TrainDataset data.Dataset
	EvalDataset  data.Dataset

	// Strategy defaults to single-device execution.
	Strategy distribute.Strategy

	// Optimizer and Schedule inject a pre-built optimizer. When nil,
	// Train builds an AdamW with warmup and linear decay from the
	// configuration once the total step count is known.
	Optimizer optimizer.Optimizer
	Schedule  optimizer.Schedule

	ComputeMetrics MetricsFunc

	// Writer defaults to a SummaryWriter over the logging directory.
	Writer  tracking.ScalarWriter
	Tracker *tracking.Tracker
}

// Trainer sequences training into epochs of accumulate, apply,
// evaluate, checkpoint, and log.
type Trainer struct {
	config   TrainerConfig
	model    model.Model
	strategy distribute.Strategy

	trainDataset data.Dataset
	evalDataset  data.Dataset

	opt         optimizer.Optimizer
	schedule    optimizer.Schedule
	accumulator *optimizer.GradientAccumulator
	manager     *checkpoints.Manager

	computeMetrics MetricsFunc
	writer         tracking.ScalarWriter
	tracker        *tracking.Tracker

	state TrainingState
}

// NewTrainer creates a trainer for the given model and configuration.
func NewTrainer(m model.Model, config TrainerConfig, opts Options) (*Trainer, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %v", err)
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = distribute.NewSingleDevice()
	}

	writer := opts.Writer
	if writer == nil {
		dir := config.LoggingDir
		if dir == "" {
			dir = filepath.Join(config.OutputDir, "logs")
		}
		sw, err := tracking.NewSummaryWriter(dir)
		if err != nil {
			return nil, err
		}
		writer = sw
	}

	return &Trainer{
		config:         config,
		model:          m,
		strategy:       strategy,
		trainDataset:   opts.TrainDataset,
		evalDataset:    opts.EvalDataset,
		opt:            opts.Optimizer,
		schedule:       opts.Schedule,
		accumulator:    optimizer.NewGradientAccumulator(),
		computeMetrics: opts.ComputeMetrics,
		writer:         writer,
		tracker:        opts.Tracker,
	}, nil
}

// State returns the loop's current progress.
func (t *Trainer) State() TrainingState {
	return t.state
}

// Train runs the full training loop: restores the latest checkpoint if
// one exists, then iterates epochs of accumulated gradient steps until
// the step or epoch budget is exhausted.
func (t *Trainer) Train() error {
	pipeline, err := data.Train(t.trainDataset, t.config.TrainBatchSize, t.config.DropRemainder, t.config.MaxSteps, t.config.Seed)
	if err != nil {
		return err
	}

	stepsPerEpoch := data.TrainSteps(pipeline.NumExamples(), t.config.TrainBatchSize, t.config.MaxSteps)
	if stepsPerEpoch == 0 {
		return fmt.Errorf("train dataset yields no steps")
	}

	epochs := t.config.NumEpochs
	if t.config.MaxSteps > 0 {
		// The step budget dominates; the repeated dataset covers it in
		// one pass of the loop.
		epochs = 1
	}
	totalSteps := int64(stepsPerEpoch) * int64(epochs)

	t.accumulator.Reset()

	return t.strategy.Scope(func() error {
		if t.opt == nil {
			t.opt, t.schedule = optimizer.CreateOptimizer(
				t.config.LearningRate, totalSteps, t.config.WarmupSteps,
				t.config.AdamEpsilon, t.config.WeightDecay)
		}
		if t.schedule == nil {
			t.schedule = optimizer.Constant(t.config.LearningRate)
		}

		manager, err := checkpoints.NewManager(checkpoints.ManagerConfig{
			Dir:       filepath.Join(t.config.OutputDir, "checkpoint"),
			MaxToKeep: t.config.SaveTotalLimit,
		})
		if err != nil {
			return err
		}
		t.manager = manager

		startEpoch := 1
		if latest := manager.Latest(); latest != "" {
			log.Printf("Checkpoint file %s found and restoring from checkpoint", latest)
			if _, err := manager.Restore(latest, t.model.TrainableVariables(), t.opt); err != nil {
				return err
			}
			if iterations := t.opt.Iterations(); iterations > 0 {
				startEpoch = int(iterations/int64(stepsPerEpoch)) + 1
			}
		}
		t.state.GlobalStep = t.opt.Iterations()

		if sw, ok := t.writer.(*tracking.SummaryWriter); ok {
			if err := sw.WriteText("args", t.config.ToJSONString(), 0); err != nil {
				return err
			}
		}
		if t.tracker != nil {
			var runConfig map[string]interface{}
			if err := jsonRoundTrip(t.config, &runConfig); err == nil {
				if err := t.tracker.Init(runConfig); err != nil {
					log.Printf("Warning: experiment tracker init failed: %v", err)
				}
			}
		}

		log.Println("***** Running training *****")
		log.Printf("  Num examples = %d", pipeline.NumExamples())
		log.Printf("  Num epochs = %d", epochs)
		log.Printf("  Train batch size = %d", t.config.TrainBatchSize)
		log.Printf("  Gradient accumulation steps = %d", t.config.GradientAccumulationSteps)
		log.Printf("  Steps per epoch = %d", stepsPerEpoch)
		log.Printf("  Total optimization steps = %d", totalSteps)

		for epoch := startEpoch; epoch <= epochs; epoch++ {
			pipeline.Reset()
			sharded := t.strategy.DistributeDataset(pipeline)
			if err := t.trainEpoch(sharded, epoch, stepsPerEpoch); err != nil {
				return fmt.Errorf("training epoch %d failed: %v", epoch, err)
			}
		}
		return nil
	})
}

// trainEpoch drives one epoch of micro-batches, breaking once
// stepsPerEpoch optimizer updates have been applied.
func (t *Trainer) trainEpoch(sharded *distribute.ShardedDataset, epoch, stepsPerEpoch int) error {
	// The epoch can break before end of data; stop the prefetcher so the
	// pipeline is free for the next epoch's reset.
	defer sharded.Stop()

	stepInEpoch := 0
	for {
		batch, err := sharded.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			// End of data ends the epoch normally.
			return nil
		}

		loss, applied, err := t.trainingStep(batch)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}

		stepInEpoch++
		t.state.GlobalStep = t.opt.Iterations()
		t.state.Epoch = float64(epoch-1) + float64(stepInEpoch)/float64(stepsPerEpoch)
		step := t.state.GlobalStep

		if t.config.Debug {
			t.log(map[string]float64{
				"loss":  float64(loss),
				"epoch": t.state.Epoch,
			})
		}
		if step == 1 && t.config.Debug {
			if sw, ok := t.writer.(*tracking.SummaryWriter); ok {
				trace := map[string]interface{}{
					"loss":  float64(loss),
					"epoch": t.state.Epoch,
				}
				if err := sw.TraceExport("training", step, trace); err != nil {
					return err
				}
			}
		}

		if t.config.EvaluateDuringTraining && t.config.EvalSteps > 0 && step%t.config.EvalSteps == 0 {
			// Evaluate logs its own metrics.
			if _, err := t.Evaluate(nil); err != nil {
				return err
			}
		}

		if t.config.LoggingSteps > 0 && step%t.config.LoggingSteps == 0 {
			t.log(map[string]float64{
				"loss":          float64(loss),
				"learning_rate": t.schedule(step),
				"epoch":         t.state.Epoch,
			})
		}

		if t.config.SaveSteps > 0 && step%t.config.SaveSteps == 0 {
			if err := t.saveCheckpoint(); err != nil {
				return err
			}
		}

		if stepInEpoch >= stepsPerEpoch {
			return nil
		}
	}
}

// trainingStep runs one micro-batch through every replica, folds the
// gradients into the accumulator, and applies an optimizer update once
// the accumulation multiple is reached. It reports whether an update
// was applied; the loss is only meaningful when it was.
func (t *Trainer) trainingStep(batch *distribute.PerReplica) (float32, bool, error) {
	replicas := t.strategy.NumReplicas()
	vars := t.model.TrainableVariables()
	replicaGrads := make([][]*tensor.Tensor, replicas)

	fn := func(replica int, shard *data.Batch) (*distribute.StepResult, error) {
		loss, logits, grads, err := t.model.Backward(shard.Features, shard.Labels)
		if err != nil {
			return nil, err
		}

		// Auxiliary losses are charged once across the replica group.
		var aux float32
		for _, l := range t.model.Losses() {
			aux += l
		}
		if aux != 0 {
			loss = loss.Clone()
			aux /= float32(replicas)
			for i := range loss.Data {
				loss.Data[i] += aux
			}
		}

		replicaGrads[replica] = grads
		return &distribute.StepResult{Loss: loss, Logits: logits}, nil
	}

	results, err := t.strategy.Run(fn, batch)
	if err != nil {
		return 0, false, err
	}

	// Sum replica gradients on the control thread, zero-filling missing
	// contributions so accumulation shapes stay stable.
	summed := make([]*tensor.Tensor, len(vars))
	for _, grads := range replicaGrads {
		for i, g := range grads {
			if g == nil {
				continue
			}
			if t.config.FP16 {
				g = g.Clone()
				g.Scale(float32(t.config.LossScale))
			}
			if summed[i] == nil {
				summed[i] = tensor.ZerosLike(g)
			}
			if err := tensor.AccumulateInto(summed[i], g); err != nil {
				return 0, false, err
			}
		}
	}
	for i := range summed {
		if summed[i] == nil {
			summed[i] = tensor.ZerosLike(vars[i].Value)
		}
	}
	if err := t.accumulator.Accumulate(summed); err != nil {
		return 0, false, err
	}

	losses := make([]*tensor.Tensor, len(results))
	for i, r := range results {
		losses[i] = r.Loss
	}
	loss, err := distribute.MeanWithFallback(t.strategy, losses)
	if err != nil {
		return 0, false, err
	}

	if t.accumulator.Steps()%int64(t.config.GradientAccumulationSteps) != 0 {
		return loss, false, nil
	}

	if err := t.applyGradients(vars, replicas); err != nil {
		return 0, false, err
	}
	return loss, true, nil
}

// applyGradients scales the accumulated sums down to a replica and
// micro-batch average, clips them, applies the update, and resets the
// accumulator.
func (t *Trainer) applyGradients(vars []*tensor.Variable, replicas int) error {
	scale := 1.0 / (float32(t.accumulator.Steps()) * float32(replicas))
	if t.config.FP16 {
		scale /= float32(t.config.LossScale)
	}

	grads := t.accumulator.Gradients()
	for _, g := range grads {
		if g == nil {
			continue
		}
		g.Scale(scale)
		if t.config.MaxGradNorm > 0 {
			g.Clip(-float32(t.config.MaxGradNorm), float32(t.config.MaxGradNorm))
		}
	}

	if err := t.opt.ApplyGradients(grads, vars); err != nil {
		return err
	}
	t.accumulator.Reset()
	return nil
}

// saveCheckpoint snapshots model, optimizer, and loop progress into the
// bounded checkpoint store.
func (t *Trainer) saveCheckpoint() error {
	ckpt := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(t.model.TrainableVariables()),
		TrainingState: checkpoints.TrainingState{
			GlobalStep:   t.state.GlobalStep,
			Epoch:        t.state.Epoch,
			LearningRate: t.schedule(t.state.GlobalStep),
		},
		OptimizerState: t.opt.State(),
	}
	path, err := t.manager.Save(ckpt)
	if err != nil {
		return err
	}
	log.Printf("Saving checkpoint for step %d at %s", t.state.GlobalStep, path)
	return nil
}

// SaveModel validates the model's persistence contract and saves it
// under dir, defaulting to the output directory.
func (t *Trainer) SaveModel(dir string) error {
	if dir == "" {
		dir = t.config.OutputDir
	}
	saver, err := model.Validate(t.model)
	if err != nil {
		return err
	}
	log.Printf("Saving model in %s", dir)
	return saver.SavePretrained(dir)
}

// log writes every entry to the scalar writer at the current global
// step, mirrors the mapping to the experiment tracker, and emits it to
// the process log.
func (t *Trainer) log(values map[string]float64) {
	step := t.state.GlobalStep
	for tag, value := range values {
		if err := t.writer.WriteScalar(tag, value, step); err != nil {
			log.Printf("Warning: failed to write scalar %q: %v", tag, err)
		}
	}
	if err := t.writer.Flush(); err != nil {
		log.Printf("Warning: failed to flush scalars: %v", err)
	}
	if t.tracker != nil {
		if err := t.tracker.Log(values, step); err != nil {
			log.Printf("Warning: experiment tracker log failed: %v", err)
		}
	}
	log.Printf("%v step %d", values, step)
}

// jsonRoundTrip converts a struct into a generic mapping through its
// JSON form.
func jsonRoundTrip(in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
