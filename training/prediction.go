package training

import (
	"log"
	"strings"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/distribute"
	"github.com/tsawler/go-trainer/tensor"
)

// PredictionOutput is the result of an evaluation or prediction pass.
// Predictions and LabelIDs are nil in loss-only mode; Metrics always
// contains "eval_loss" and every key carries the "eval_" prefix.
type PredictionOutput struct {
	Predictions *tensor.Tensor
	LabelIDs    *tensor.Tensor
	Metrics     map[string]float64
}

// Evaluate runs the evaluation loop over dataset, falling back to the
// trainer's eval dataset when nil, logs the metrics at the current step,
// and returns the metrics mapping.
func (t *Trainer) Evaluate(dataset data.Dataset) (map[string]float64, error) {
	if dataset == nil {
		dataset = t.evalDataset
	}
	pipeline, err := data.Eval(dataset, t.config.EvalBatchSize)
	if err != nil {
		return nil, err
	}

	output, err := t.predictionLoop(pipeline, "Evaluation", t.config.PredictionLossOnly)
	if err != nil {
		return nil, err
	}

	logs := make(map[string]float64, len(output.Metrics)+1)
	for key, value := range output.Metrics {
		logs[key] = value
	}
	logs["epoch"] = t.state.Epoch
	t.log(logs)

	return output.Metrics, nil
}

// Predict runs inference over dataset and returns predictions, label
// ids when the dataset has labels, and metrics.
func (t *Trainer) Predict(dataset data.Dataset) (*PredictionOutput, error) {
	pipeline, err := data.Test(dataset, t.config.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	return t.predictionLoop(pipeline, "Prediction", t.config.PredictionLossOnly)
}

// predictionLoop is the shared routine behind Evaluate and Predict. It
// runs the replicated inference forward over every batch, reducing the
// loss by mean across replicas, and unless lossOnly gathers logits and
// labels in encounter order with per-replica shards concatenated in
// replica index order.
func (t *Trainer) predictionLoop(pipeline *data.Pipeline, description string, lossOnly bool) (*PredictionOutput, error) {
	log.Printf("***** Running %s *****", description)
	log.Printf("  Num examples = %d", pipeline.NumExamples())
	log.Printf("  Batch size = %d", pipeline.BatchSize())

	sharded := t.strategy.DistributeDataset(pipeline)
	defer sharded.Stop()

	replicas := t.strategy.NumReplicas()
	var predictions, labelIDs *tensor.Tensor
	var loss float32

	fn := func(replica int, shard *data.Batch) (*distribute.StepResult, error) {
		perExampleLoss, logits, err := t.model.Run(shard.Features, shard.Labels, false)
		if err != nil {
			return nil, err
		}

		// Auxiliary losses are charged once across the replica group,
		// the same as on the training path.
		var aux float32
		for _, l := range t.model.Losses() {
			aux += l
		}
		if aux != 0 {
			perExampleLoss = perExampleLoss.Clone()
			aux /= float32(replicas)
			for i := range perExampleLoss.Data {
				perExampleLoss.Data[i] += aux
			}
		}

		return &distribute.StepResult{
			Loss:   perExampleLoss,
			Logits: logits,
			Labels: shard.Labels.Primary(),
		}, nil
	}

	for {
		batch, err := sharded.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		results, err := t.strategy.Run(fn, batch)
		if err != nil {
			return nil, err
		}

		losses := make([]*tensor.Tensor, len(results))
		for i, r := range results {
			losses[i] = r.Loss
		}
		loss, err = distribute.MeanWithFallback(t.strategy, losses)
		if err != nil {
			return nil, err
		}

		if lossOnly {
			continue
		}
		for _, r := range results {
			if r.Logits != nil && r.Logits.Rows() > 0 {
				predictions, err = tensor.AppendRows(predictions, r.Logits)
				if err != nil {
					return nil, err
				}
			}
			if r.Labels != nil && r.Labels.Rows() > 0 {
				labelIDs, err = tensor.AppendRows(labelIDs, r.Labels)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	metrics := make(map[string]float64)
	if t.computeMetrics != nil && predictions != nil && labelIDs != nil {
		if computed := t.computeMetrics(predictions, labelIDs); computed != nil {
			metrics = computed
		}
	}
	metrics["eval_loss"] = float64(loss)
	prefixed := make(map[string]float64, len(metrics))
	for key, value := range metrics {
		if !strings.HasPrefix(key, "eval_") {
			key = "eval_" + key
		}
		prefixed[key] = value
	}
	metrics = prefixed

	return &PredictionOutput{
		Predictions: predictions,
		LabelIDs:    labelIDs,
		Metrics:     metrics,
	}, nil
}
