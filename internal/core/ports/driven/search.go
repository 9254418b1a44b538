package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// SearchEngine provides keyword search over chunk text.
// It is the secondary retrieval path next to VectorIndex.
type SearchEngine interface {
	// Index replaces all chunks of documentID in the keyword index.
	Index(ctx context.Context, documentID string, chunks []domain.Chunk) error

	// Delete removes all chunks of documentID. Unknown ids are a no-op.
	Delete(ctx context.Context, documentID string) error

	// Search performs a keyword search. Scores are engine-relative.
	Search(ctx context.Context, query string, limit int, filters domain.Filters) ([]domain.Candidate, error)

	// Close releases resources.
	Close() error
}
