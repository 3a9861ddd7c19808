package distribute

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/tensor"
)

// SingleDevice runs every replicated step on the control thread with one
// replica. It is the default strategy.
type SingleDevice struct{}

// NewSingleDevice creates a single-replica strategy.
func NewSingleDevice() *SingleDevice {
	return &SingleDevice{}
}

func (s *SingleDevice) NumReplicas() int {
	return 1
}

func (s *SingleDevice) Scope(fn func() error) error {
	return fn()
}

func (s *SingleDevice) DistributeDataset(p *data.Pipeline) *ShardedDataset {
	return newShardedDataset(p, 1)
}

func (s *SingleDevice) Run(fn StepFunc, batch *PerReplica) ([]*StepResult, error) {
	if len(batch.Shards) != 1 {
		return nil, fmt.Errorf("single-device strategy expects 1 shard, got %d", len(batch.Shards))
	}

	result, err := fn(0, batch.Shards[0])
	if err != nil {
		return nil, err
	}
	return []*StepResult{result}, nil
}

func (s *SingleDevice) Reduce(op ReduceOp, values []*tensor.Tensor, axis int) (float32, error) {
	return reduce(op, values, axis)
}

// Mirrored fans each replicated step function out across n goroutine-backed
// replicas and blocks for the cross-replica reduction before returning to
// the control thread. Replica results always come back in replica index
// order; the step function must not share mutable state across replicas
// except through its own synchronization.
type Mirrored struct {
	replicas int
	mutex    sync.Mutex // serializes Scope bodies (variable creation)
}

// NewMirrored creates a mirrored strategy with the given replica count.
func NewMirrored(replicas int) (*Mirrored, error) {
	if replicas <= 0 {
		return nil, fmt.Errorf("replica count must be positive, got %d", replicas)
	}
	return &Mirrored{replicas: replicas}, nil
}

func (s *Mirrored) NumReplicas() int {
	return s.replicas
}

func (s *Mirrored) Scope(fn func() error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return fn()
}

func (s *Mirrored) DistributeDataset(p *data.Pipeline) *ShardedDataset {
	return newShardedDataset(p, s.replicas)
}

func (s *Mirrored) Run(fn StepFunc, batch *PerReplica) ([]*StepResult, error) {
	if len(batch.Shards) != s.replicas {
		return nil, fmt.Errorf("mirrored strategy expects %d shards, got %d", s.replicas, len(batch.Shards))
	}

	results := make([]*StepResult, s.replicas)
	errs := make([]error, s.replicas)

	var wg sync.WaitGroup
	for i := 0; i < s.replicas; i++ {
		wg.Add(1)
		go func(replica int) {
			defer wg.Done()
			results[replica], errs[replica] = fn(replica, batch.Shards[replica])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("replica %d: %v", i, err)
		}
	}

	return results, nil
}

func (s *Mirrored) Reduce(op ReduceOp, values []*tensor.Tensor, axis int) (float32, error) {
	return reduce(op, values, axis)
}
