package distribute

import (
	"fmt"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/tensor"
)

// ReduceOp selects how cross-replica values are combined.
type ReduceOp int

const (
	ReduceMean ReduceOp = iota
	ReduceSum
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceMean:
		return "Mean"
	case ReduceSum:
		return "Sum"
	default:
		return "Unknown"
	}
}

// NoAxis requests a full reduction over every element rather than a
// per-axis one.
const NoAxis = -1

// PerReplica holds one batch shard per replica, indexed by replica.
type PerReplica struct {
	Shards []*data.Batch
}

// StepResult is what one replica produces from a replicated step function.
type StepResult struct {
	Loss   *tensor.Tensor // scalar or per-example loss
	Logits *tensor.Tensor
	Labels *tensor.Tensor
}

// StepFunc is a pure per-replica computation executed under a strategy.
type StepFunc func(replica int, shard *data.Batch) (*StepResult, error)

// Strategy fans replicated step functions out across device replicas and
// reduces their results back onto the control thread. All parallelism in the
// training loop lives behind this interface; every call blocks until the
// replicas are done.
type Strategy interface {
	// NumReplicas returns the number of replicas in sync.
	NumReplicas() int

	// Scope runs fn inside the strategy's variable-creation context.
	Scope(fn func() error) error

	// DistributeDataset wraps a batched pipeline into per-replica shards.
	DistributeDataset(p *data.Pipeline) *ShardedDataset

	// Run executes fn once per replica and blocks for all results,
	// returned in replica index order.
	Run(fn StepFunc, batch *PerReplica) ([]*StepResult, error)

	// Reduce combines per-replica tensors into a scalar. With a
	// non-negative axis each tensor is reduced along that axis first; the
	// axis must be valid for the tensor rank. NoAxis reduces over every
	// element of every replica.
	Reduce(op ReduceOp, values []*tensor.Tensor, axis int) (float32, error)
}

// MeanWithFallback reduces per-replica losses by mean along axis 0, retrying
// with a full reduction when the axis is invalid for the values' rank (the
// empty-shard edge case). Both the accumulation and the evaluation paths go
// through here so the fallback exists exactly once.
func MeanWithFallback(s Strategy, values []*tensor.Tensor) (float32, error) {
	v, err := s.Reduce(ReduceMean, values, 0)
	if err == nil {
		return v, nil
	}
	return s.Reduce(ReduceMean, values, NoAxis)
}

// reduce implements the shared reduction semantics for the built-in
// strategies.
func reduce(op ReduceOp, values []*tensor.Tensor, axis int) (float32, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("reduce requires at least one value")
	}

	if axis != NoAxis {
		// Reduce each replica along the axis, then combine the replica
		// results.
		var total float64
		for _, v := range values {
			reduced, err := v.MeanAxis(axis)
			if err != nil {
				return 0, err
			}
			m, err := reduced.Mean()
			if err != nil {
				return 0, err
			}
			total += float64(m)
		}
		switch op {
		case ReduceMean:
			return float32(total / float64(len(values))), nil
		case ReduceSum:
			return float32(total), nil
		default:
			return 0, fmt.Errorf("unsupported reduce op: %s", op)
		}
	}

	// Full reduction over every element of every replica. Empty shards
	// contribute nothing.
	var total float64
	count := 0
	for _, v := range values {
		for _, x := range v.Data {
			total += float64(x)
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("cannot reduce: every replica value is empty")
	}

	switch op {
	case ReduceMean:
		return float32(total / float64(count)), nil
	case ReduceSum:
		return float32(total), nil
	default:
		return 0, fmt.Errorf("unsupported reduce op: %s", op)
	}
}

// ShardedDataset yields per-replica shards of a batched pipeline, splitting
// each global batch into contiguous row chunks in replica index order.
// Batches are prefetched through the pipeline's iterator so assembly overlaps
// the replicas' compute.
type ShardedDataset struct {
	pipeline *data.Pipeline
	iter     *data.Iterator
	replicas int
}

func newShardedDataset(p *data.Pipeline, replicas int) *ShardedDataset {
	return &ShardedDataset{pipeline: p, iter: p.Iterator(), replicas: replicas}
}

// Next returns the next per-replica batch, or (nil, nil) at end of data.
func (sd *ShardedDataset) Next() (*PerReplica, error) {
	batch, err := sd.iter.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	return shardBatch(batch, sd.replicas)
}

// Stop shuts the prefetcher down. Consumers that break before end of data
// must call it; a repeating pipeline prefetches until stopped.
func (sd *ShardedDataset) Stop() {
	sd.iter.Stop()
}

// Source returns the underlying batched pipeline.
func (sd *ShardedDataset) Source() *data.Pipeline {
	return sd.pipeline
}

func shardBatch(batch *data.Batch, replicas int) (*PerReplica, error) {
	featureShards, err := batch.Features.SplitRows(replicas)
	if err != nil {
		return nil, fmt.Errorf("failed to shard features: %v", err)
	}

	var labelShards []*tensor.Tensor
	namedShards := make(map[string][]*tensor.Tensor)
	if batch.Labels.IsNamed() {
		for name, t := range batch.Labels.Named {
			shards, err := t.SplitRows(replicas)
			if err != nil {
				return nil, fmt.Errorf("failed to shard label field %q: %v", name, err)
			}
			namedShards[name] = shards
		}
	} else if batch.Labels.Tensor != nil {
		labelShards, err = batch.Labels.Tensor.SplitRows(replicas)
		if err != nil {
			return nil, fmt.Errorf("failed to shard labels: %v", err)
		}
	}

	pr := &PerReplica{Shards: make([]*data.Batch, replicas)}
	for i := 0; i < replicas; i++ {
		labels := data.Labels{}
		if labelShards != nil {
			labels.Tensor = labelShards[i]
		} else if len(namedShards) > 0 {
			labels.Named = make(tensor.NamedTensors, len(namedShards))
			for name, shards := range namedShards {
				labels.Named[name] = shards[i]
			}
		}
		pr.Shards[i] = &data.Batch{Features: featureShards[i], Labels: labels}
	}

	return pr, nil
}
