package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Retriever finds candidate passages for a query.
type Retriever interface {
	// Retrieve embeds the query, searches the indexes and returns
	// candidates in descending score order.
	Retrieve(ctx context.Context, query string, k int, filters domain.Filters) (*domain.RetrievalResult, error)
}

// Reranker reorders and truncates retrieval candidates.
type Reranker interface {
	// Rerank scores the top candidates against the query and returns the
	// final set. It never fails: an unavailable scorer keeps the input order.
	Rerank(ctx context.Context, query string, candidates []domain.Candidate) domain.RerankResult
}

// SearchService is retrieval plus re-ranking, used by the search command.
type SearchService interface {
	Search(ctx context.Context, query string, k int, filters domain.Filters) (*domain.RerankResult, error)
}
