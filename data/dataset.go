package data

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-trainer/tensor"
)

// Dataset defines the methods a raw dataset must implement before it can be
// wrapped into a batched pipeline.
type Dataset interface {
	// Len returns the total number of examples.
	Len() int

	// Get returns a single (features, labels) example.
	Get(idx int) (*tensor.Tensor, Labels, error)
}

// Labels carries the label side of a batch: either a plain tensor or a
// mapping of named tensors, never both.
type Labels struct {
	Tensor *tensor.Tensor
	Named  tensor.NamedTensors
}

// IsNamed reports whether the labels are a mapping of named tensors.
func (l Labels) IsNamed() bool {
	return l.Named != nil
}

// Primary returns the label tensor used for prediction gathering: the plain
// tensor, or the "labels" entry of a named mapping when present.
func (l Labels) Primary() *tensor.Tensor {
	if l.Tensor != nil {
		return l.Tensor
	}
	return l.Named["labels"]
}

// Batch is one unit of batched data flowing through the training loop.
type Batch struct {
	Features *tensor.Tensor
	Labels   Labels
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	if b.Features == nil {
		return 0
	}
	return b.Features.Rows()
}

// SliceDataset is a basic in-memory Dataset for small corpora and tests.
type SliceDataset struct {
	features []*tensor.Tensor
	labels   []Labels
}

// NewSliceDataset creates a SliceDataset from parallel feature and label slices.
func NewSliceDataset(features []*tensor.Tensor, labels []Labels) (*SliceDataset, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels must have the same length: got %d and %d", len(features), len(labels))
	}

	return &SliceDataset{features: features, labels: labels}, nil
}

// Len returns the number of examples in the dataset.
func (ds *SliceDataset) Len() int {
	return len(ds.features)
}

// Get returns the example at the given index.
func (ds *SliceDataset) Get(idx int) (*tensor.Tensor, Labels, error) {
	if idx < 0 || idx >= len(ds.features) {
		return nil, Labels{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.features))
	}
	return ds.features[idx], ds.labels[idx], nil
}

// cachedDataset memoizes Get results so repeated epochs do not re-read the
// underlying source.
type cachedDataset struct {
	source Dataset

	mutex   sync.Mutex
	entries map[int]cachedEntry
}

type cachedEntry struct {
	features *tensor.Tensor
	labels   Labels
}

// Cache wraps a dataset with an in-memory read-through cache.
func Cache(source Dataset) Dataset {
	return &cachedDataset{
		source:  source,
		entries: make(map[int]cachedEntry),
	}
}

func (ds *cachedDataset) Len() int {
	return ds.source.Len()
}

func (ds *cachedDataset) Get(idx int) (*tensor.Tensor, Labels, error) {
	ds.mutex.Lock()
	if entry, ok := ds.entries[idx]; ok {
		ds.mutex.Unlock()
		return entry.features, entry.labels, nil
	}
	ds.mutex.Unlock()

	features, labels, err := ds.source.Get(idx)
	if err != nil {
		return nil, Labels{}, err
	}

	ds.mutex.Lock()
	ds.entries[idx] = cachedEntry{features: features, labels: labels}
	ds.mutex.Unlock()

	return features, labels, nil
}
