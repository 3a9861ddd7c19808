package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-trainer/tensor"
)

// Options configures a batched pipeline over a raw dataset.
type Options struct {
	BatchSize     int
	DropRemainder bool  // Drop the trailing partial batch
	Shuffle       bool  // Reshuffle example order every epoch
	Seed          int64 // Shuffle seed (0 uses a fixed default)
	Repeat        bool  // Restart from the top instead of ending the epoch
	PrefetchDepth int   // Batches buffered ahead by Iterator (default 2)
	Cache         bool  // Memoize underlying reads
}

// Pipeline turns a Dataset into an iterable of batches: cache, shuffle with a
// buffer covering the full example count, batch, optionally repeat, prefetch.
type Pipeline struct {
	dataset Dataset
	opts    Options

	indices []int
	pos     int
	rng     *rand.Rand
	mutex   sync.Mutex
}

// NewPipeline creates a batched pipeline over the dataset.
func NewPipeline(dataset Dataset, opts Options) (*Pipeline, error) {
	if dataset == nil {
		return nil, fmt.Errorf("pipeline requires a dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.PrefetchDepth <= 0 {
		opts.PrefetchDepth = 2
	}

	if opts.Cache {
		dataset = Cache(dataset)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}

	p := &Pipeline{
		dataset: dataset,
		opts:    opts,
		rng:     rand.New(rand.NewSource(seed)),
	}
	p.reshuffle()

	return p, nil
}

// NumExamples returns the total example count of the underlying dataset.
func (p *Pipeline) NumExamples() int {
	return p.dataset.Len()
}

// BatchSize returns the configured batch size.
func (p *Pipeline) BatchSize() int {
	return p.opts.BatchSize
}

// Reset rewinds the pipeline to the start of an epoch, reshuffling when
// shuffle is enabled.
func (p *Pipeline) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.pos = 0
	p.reshuffle()
}

// reshuffle rebuilds the index order. Caller holds the mutex (or is the
// constructor).
func (p *Pipeline) reshuffle() {
	n := p.dataset.Len()
	if len(p.indices) != n {
		p.indices = make([]int, n)
		for i := range p.indices {
			p.indices[i] = i
		}
	}

	if p.opts.Shuffle {
		// Buffer covers the full example count, so this is a full
		// Fisher-Yates permutation.
		for i := n - 1; i > 0; i-- {
			j := p.rng.Intn(i + 1)
			p.indices[i], p.indices[j] = p.indices[j], p.indices[i]
		}
	}
}

// Next returns the next batch, or (nil, nil) at the end of the epoch. A
// repeating pipeline never ends; it rewinds and reshuffles instead.
func (p *Pipeline) Next() (*Batch, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.pos >= len(p.indices) {
		if !p.opts.Repeat || len(p.indices) == 0 {
			return nil, nil
		}
		p.pos = 0
		p.reshuffle()
	}

	end := p.pos + p.opts.BatchSize
	if end > len(p.indices) {
		if p.opts.DropRemainder && !p.opts.Repeat {
			p.pos = len(p.indices)
			return nil, nil
		}
		if p.opts.DropRemainder && p.opts.Repeat {
			// Rewind and take a full batch from the next pass.
			p.pos = 0
			p.reshuffle()
			end = p.opts.BatchSize
			if end > len(p.indices) {
				return nil, fmt.Errorf("batch size %d exceeds dataset size %d", p.opts.BatchSize, len(p.indices))
			}
		} else {
			end = len(p.indices)
		}
	}

	batchIndices := p.indices[p.pos:end]
	p.pos = end

	batch, err := p.assembleBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// assembleBatch stacks the examples at the given indices into one batch. The
// first example determines shapes; every other example must agree.
func (p *Pipeline) assembleBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	firstFeatures, firstLabels, err := p.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load example %d: %v", indices[0], err)
	}

	features, err := newBatchBuffer(firstFeatures, len(indices))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate feature batch: %v", err)
	}

	var labelBuf *batchBuffer
	namedBufs := make(map[string]*batchBuffer)
	if firstLabels.IsNamed() {
		for name, t := range firstLabels.Named {
			buf, err := newBatchBuffer(t, len(indices))
			if err != nil {
				return nil, fmt.Errorf("failed to allocate label batch %q: %v", name, err)
			}
			namedBufs[name] = buf
		}
	} else if firstLabels.Tensor != nil {
		labelBuf, err = newBatchBuffer(firstLabels.Tensor, len(indices))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate label batch: %v", err)
		}
	}

	for i, idx := range indices {
		exFeatures, exLabels := firstFeatures, firstLabels
		if i > 0 {
			exFeatures, exLabels, err = p.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to load example %d: %v", idx, err)
			}
		}

		if err := features.copyInto(exFeatures, i); err != nil {
			return nil, fmt.Errorf("feature example %d: %v", idx, err)
		}

		if labelBuf != nil {
			if exLabels.Tensor == nil {
				return nil, fmt.Errorf("example %d has no label tensor", idx)
			}
			if err := labelBuf.copyInto(exLabels.Tensor, i); err != nil {
				return nil, fmt.Errorf("label example %d: %v", idx, err)
			}
		}
		for name, buf := range namedBufs {
			t := exLabels.Named[name]
			if t == nil {
				return nil, fmt.Errorf("example %d missing label field %q", idx, name)
			}
			if err := buf.copyInto(t, i); err != nil {
				return nil, fmt.Errorf("label field %q example %d: %v", name, idx, err)
			}
		}
	}

	labels := Labels{}
	if labelBuf != nil {
		labels.Tensor = labelBuf.tensor
	} else if len(namedBufs) > 0 {
		labels.Named = make(tensor.NamedTensors, len(namedBufs))
		for name, buf := range namedBufs {
			labels.Named[name] = buf.tensor
		}
	}

	return &Batch{Features: features.tensor, Labels: labels}, nil
}

// Iterator prefetches batches from a pipeline in a background goroutine so
// batch assembly overlaps the consumer's compute. The iterator owns the
// pipeline's read position until it is exhausted or stopped.
type Iterator struct {
	batches chan *Batch
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	err     error
}

// Iterator starts a background prefetcher over the pipeline, buffering up to
// PrefetchDepth batches ahead of the consumer. Consumers that stop reading
// before end of data must call Stop; a repeating pipeline's iterator never
// ends on its own.
func (p *Pipeline) Iterator() *Iterator {
	it := &Iterator{
		batches: make(chan *Batch, p.opts.PrefetchDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(it.stopped)
		defer close(it.batches)

		for {
			select {
			case <-it.done:
				return
			default:
			}

			batch, err := p.Next()
			if err != nil {
				// Written before the deferred close, so Next
				// observes it after the channel drains.
				it.err = err
				return
			}
			if batch == nil {
				return
			}
			select {
			case it.batches <- batch:
			case <-it.done:
				return
			}
		}
	}()

	return it
}

// Next returns the next prefetched batch, (nil, nil) at end of data, or the
// pipeline error that stopped the prefetcher.
func (it *Iterator) Next() (*Batch, error) {
	batch, ok := <-it.batches
	if !ok {
		return nil, it.err
	}
	return batch, nil
}

// Stop shuts the prefetcher down and blocks until it no longer touches the
// pipeline, so the pipeline can be reset or handed to a new iterator. It is
// safe to call more than once; batches already buffered are still delivered
// before Next reports end of data.
func (it *Iterator) Stop() {
	it.once.Do(func() { close(it.done) })
	<-it.stopped
}

// batchBuffer stacks per-example tensors into one batched tensor.
type batchBuffer struct {
	tensor  *tensor.Tensor
	rowSize int
}

func newBatchBuffer(example *tensor.Tensor, batchSize int) (*batchBuffer, error) {
	shape := append([]int{batchSize}, example.Shape...)
	batched, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	return &batchBuffer{tensor: batched, rowSize: example.NumElems()}, nil
}

func (b *batchBuffer) copyInto(example *tensor.Tensor, i int) error {
	if example.NumElems() != b.rowSize {
		return fmt.Errorf("example size mismatch: expected %d elements, got %d", b.rowSize, example.NumElems())
	}

	copy(b.tensor.Data[i*b.rowSize:(i+1)*b.rowSize], example.Data)
	return nil
}
