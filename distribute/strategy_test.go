package distribute

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/tsawler/go-trainer/data"
	"github.com/tsawler/go-trainer/tensor"
)

func scalarLoss(v float32) *tensor.Tensor {
	t, _ := tensor.New([]int{1}, []float32{v})
	return t
}

func TestReduceMeanAcrossReplicas(t *testing.T) {
	values := []*tensor.Tensor{scalarLoss(1), scalarLoss(2), scalarLoss(3), scalarLoss(6)}

	s, err := NewMirrored(4)
	if err != nil {
		t.Fatalf("failed to create strategy: %v", err)
	}

	got, err := s.Reduce(ReduceMean, values, 0)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if math.Abs(float64(got-3)) > 1e-6 {
		t.Errorf("expected mean 3, got %f", got)
	}

	got, err = s.Reduce(ReduceSum, values, 0)
	if err != nil {
		t.Fatalf("Reduce sum failed: %v", err)
	}
	if math.Abs(float64(got-12)) > 1e-6 {
		t.Errorf("expected sum 12, got %f", got)
	}
}

func TestReduceAxisFallback(t *testing.T) {
	s := NewSingleDevice()

	// Rank-0 losses make axis 0 invalid; the axis reduction must fail and
	// the fallback must reduce over every element instead.
	values := []*tensor.Tensor{tensor.FromScalar(2), tensor.FromScalar(4)}

	if _, err := s.Reduce(ReduceMean, values, 0); err == nil {
		t.Fatalf("expected axis-0 reduction on scalars to fail")
	}

	got, err := MeanWithFallback(s, values)
	if err != nil {
		t.Fatalf("MeanWithFallback failed: %v", err)
	}
	if math.Abs(float64(got-3)) > 1e-6 {
		t.Errorf("expected fallback mean 3, got %f", got)
	}
}

func TestReduceEmptyShardFallback(t *testing.T) {
	s := NewSingleDevice()

	full, _ := tensor.New([]int{2}, []float32{1, 3})
	empty, _ := tensor.Zeros([]int{0})

	// The empty shard breaks the axis reduction but the full reduction
	// skips it.
	if _, err := s.Reduce(ReduceMean, []*tensor.Tensor{full, empty}, 0); err == nil {
		t.Fatalf("expected axis reduction over an empty shard to fail")
	}

	got, err := MeanWithFallback(s, []*tensor.Tensor{full, empty})
	if err != nil {
		t.Fatalf("MeanWithFallback failed: %v", err)
	}
	if math.Abs(float64(got-2)) > 1e-6 {
		t.Errorf("expected mean over non-empty elements 2, got %f", got)
	}
}

func TestMirroredRunOrderAndFanout(t *testing.T) {
	s, err := NewMirrored(3)
	if err != nil {
		t.Fatalf("failed to create strategy: %v", err)
	}

	features, _ := tensor.New([]int{6, 1}, []float32{0, 1, 2, 3, 4, 5})
	batch := &data.Batch{Features: features}
	pr, err := shardBatch(batch, 3)
	if err != nil {
		t.Fatalf("failed to shard batch: %v", err)
	}

	var calls int32
	results, err := s.Run(func(replica int, shard *data.Batch) (*StepResult, error) {
		atomic.AddInt32(&calls, 1)
		return &StepResult{Loss: scalarLoss(float32(replica))}, nil
	}, pr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls != 3 {
		t.Errorf("expected 3 replica invocations, got %d", calls)
	}
	for i, r := range results {
		if r.Loss.Data[0] != float32(i) {
			t.Errorf("results out of replica order at %d: got %f", i, r.Loss.Data[0])
		}
	}
}

func TestMirroredRunPropagatesReplicaError(t *testing.T) {
	s, _ := NewMirrored(2)

	features, _ := tensor.New([]int{2, 1}, []float32{0, 1})
	pr, _ := shardBatch(&data.Batch{Features: features}, 2)

	_, err := s.Run(func(replica int, shard *data.Batch) (*StepResult, error) {
		if replica == 1 {
			return nil, fmt.Errorf("device lost")
		}
		return &StepResult{Loss: scalarLoss(0)}, nil
	}, pr)

	if err == nil {
		t.Fatalf("expected replica error to propagate")
	}
}

func TestShardBatchPreservesReplicaOrder(t *testing.T) {
	features, _ := tensor.New([]int{5, 1}, []float32{0, 1, 2, 3, 4})
	labels, _ := tensor.New([]int{5}, []float32{0, 1, 2, 3, 4})
	batch := &data.Batch{Features: features, Labels: data.Labels{Tensor: labels}}

	pr, err := shardBatch(batch, 2)
	if err != nil {
		t.Fatalf("shardBatch failed: %v", err)
	}

	if pr.Shards[0].Size() != 3 || pr.Shards[1].Size() != 2 {
		t.Errorf("expected 3/2 row split, got %d/%d", pr.Shards[0].Size(), pr.Shards[1].Size())
	}
	if pr.Shards[0].Features.Data[0] != 0 || pr.Shards[1].Features.Data[0] != 3 {
		t.Errorf("shards out of order")
	}
	if pr.Shards[1].Labels.Tensor.Data[1] != 4 {
		t.Errorf("label shard misaligned: %v", pr.Shards[1].Labels.Tensor.Data)
	}
}

func TestDistributeDataset(t *testing.T) {
	features := []*tensor.Tensor{}
	labels := []data.Labels{}
	for i := 0; i < 8; i++ {
		f, _ := tensor.New([]int{1}, []float32{float32(i)})
		features = append(features, f)
		labels = append(labels, data.Labels{})
	}
	ds, _ := data.NewSliceDataset(features, labels)
	p, _ := data.NewPipeline(ds, data.Options{BatchSize: 4})

	s, _ := NewMirrored(2)
	sharded := s.DistributeDataset(p)

	batches := 0
	for {
		pr, err := sharded.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if pr == nil {
			break
		}
		if len(pr.Shards) != 2 {
			t.Fatalf("expected 2 shards per batch, got %d", len(pr.Shards))
		}
		batches++
	}
	if batches != 2 {
		t.Errorf("expected 2 sharded batches, got %d", batches)
	}
}

func TestShardedDatasetStopFreesPipeline(t *testing.T) {
	features := []*tensor.Tensor{}
	labels := []data.Labels{}
	for i := 0; i < 4; i++ {
		f, _ := tensor.New([]int{1}, []float32{float32(i)})
		features = append(features, f)
		labels = append(labels, data.Labels{})
	}
	ds, _ := data.NewSliceDataset(features, labels)
	p, _ := data.NewPipeline(ds, data.Options{BatchSize: 2, Repeat: true})

	s := NewSingleDevice()

	// A repeating pipeline never ends on its own; stopping the sharded
	// view must hand the pipeline back for the next epoch.
	sharded := s.DistributeDataset(p)
	for i := 0; i < 3; i++ {
		pr, err := sharded.Next()
		if err != nil {
			t.Fatalf("Next failed at batch %d: %v", i, err)
		}
		if pr == nil {
			t.Fatalf("repeating pipeline ended at batch %d", i)
		}
	}
	sharded.Stop()

	p.Reset()
	next := s.DistributeDataset(p)
	defer next.Stop()
	pr, err := next.Next()
	if err != nil {
		t.Fatalf("Next after Stop failed: %v", err)
	}
	if pr == nil {
		t.Fatal("expected a batch from the redistributed pipeline")
	}
}
