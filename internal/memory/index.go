package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FlatIndex is an exhaustive in-process cosine index. It is the default
// when no vector database is configured.
type FlatIndex struct {
	vectors map[string][]float32
	dim     int
	mu      sync.RWMutex
}

// NewFlatIndex creates an empty index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vectors: make(map[string][]float32)}
}

func (x *FlatIndex) Add(_ context.Context, id string, vector []float32, _ time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dim == 0 {
		x.dim = len(vector)
	}
	if len(vector) != x.dim {
		return fmt.Errorf("vector dimension %d, index holds %d", len(vector), x.dim)
	}
	x.vectors[id] = append([]float32(nil), vector...)
	return nil
}

func (x *FlatIndex) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	hits := make([]Hit, 0, len(x.vectors))
	for id, v := range x.vectors {
		hits = append(hits, Hit{ID: id, Score: cosine(vector, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of indexed vectors.
func (x *FlatIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}
