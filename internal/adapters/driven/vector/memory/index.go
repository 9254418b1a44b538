// Package memory provides an in-process vector index using exact cosine search.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Index implements the interface.
var _ driven.VectorIndex = (*Index)(nil)

type entry struct {
	chunk domain.Chunk
	unit  []float32
}

// Index keeps every chunk in memory and scans all of them per query.
//
// Upsert builds the replacement entries for a document outside the lock
// (staging) and installs them with a single map assignment (swap), so a
// concurrent search sees either the old or the new document, never a mix.
type Index struct {
	mu   sync.RWMutex
	dims int
	docs map[string][]entry
}

// New creates an empty index. dims may be 0 to learn it from the first upsert.
func New(dims int) *Index {
	return &Index{dims: dims, docs: make(map[string][]entry)}
}

// Name returns the backend name.
func (x *Index) Name() string { return string(domain.VectorBackendMemory) }

// Atomic reports that replacement is all-or-nothing.
func (x *Index) Atomic() bool { return true }

// Dimensions returns the vector size.
func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dims
}

// Upsert replaces all chunks of documentID.
func (x *Index) Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	dims := x.Dimensions()

	staged := make([]entry, 0, len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s, not %s: %w", c.ID, c.DocumentID, documentID, domain.ErrInvalidInput)
		}
		if dims == 0 {
			dims = len(c.Embedding)
		}
		if len(c.Embedding) != dims {
			return fmt.Errorf("chunk %s has %d dimensions, index has %d: %w", c.ID, len(c.Embedding), dims, domain.ErrDimensionMismatch)
		}
		unit, ok := normalize(c.Embedding)
		if !ok {
			return fmt.Errorf("chunk %s has a zero vector: %w", c.ID, domain.ErrInvalidInput)
		}
		stored := c
		stored.Embedding = append([]float32(nil), c.Embedding...)
		staged = append(staged, entry{chunk: stored, unit: unit})
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dims == 0 {
		x.dims = dims
	} else if dims != x.dims {
		return fmt.Errorf("index has %d dimensions: %w", x.dims, domain.ErrDimensionMismatch)
	}
	if len(staged) == 0 {
		delete(x.docs, documentID)
		return nil
	}
	x.docs[documentID] = staged
	return nil
}

// Delete removes all chunks of documentID.
func (x *Index) Delete(_ context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, documentID)
	return nil
}

// Search scans every chunk matching filters and returns the top k.
func (x *Index) Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 {
		return nil, nil
	}
	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(query), x.dims, domain.ErrDimensionMismatch)
	}
	unit, ok := normalize(query)
	if !ok {
		return nil, fmt.Errorf("zero query vector: %w", domain.ErrInvalidInput)
	}

	var hits []domain.Candidate
	for _, entries := range x.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !filters.Matches(e.chunk.Metadata) {
				continue
			}
			hits = append(hits, domain.Candidate{
				Chunk:  e.chunk,
				Score:  dot(unit, e.unit),
				Origin: domain.OriginVector,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return domain.CandidateLess(hits[i], hits[j]) })
	if len(hits) > k {
		hits = hits[:k]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits, nil
}

// Len returns the number of indexed chunks.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, entries := range x.docs {
		n += len(entries)
	}
	return n
}

// Close releases resources.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[string][]entry)
	return nil
}

func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
