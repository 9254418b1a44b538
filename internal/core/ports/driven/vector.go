package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// VectorIndex stores chunk embeddings keyed by document.
// Implementations are selected by name from a registry at startup.
type VectorIndex interface {
	// Name returns the backend name, e.g. "memory" or "pgvector".
	Name() string

	// Atomic reports whether Upsert replaces a document all-or-nothing.
	// Non-atomic backends return domain.ErrPartialUpsert when a write
	// stops part way.
	Atomic() bool

	// Upsert replaces every chunk of documentID with chunks.
	// All chunks must carry embeddings of the index dimension.
	Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) error

	// Delete removes all chunks of documentID. Unknown ids are a no-op.
	Delete(ctx context.Context, documentID string) error

	// Search returns up to k candidates by cosine similarity, highest first,
	// restricted to chunks whose metadata matches filters.
	Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error)

	// Dimensions returns the vector size, or 0 before the first write.
	Dimensions() int

	// Close releases resources.
	Close() error
}
