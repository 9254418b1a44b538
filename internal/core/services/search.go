package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure SearchService implements the interface.
var _ driving.SearchService = (*SearchService)(nil)

// SearchService runs retrieval and re-ranking without generation.
type SearchService struct {
	retriever     driving.Retriever
	reranker      driving.Reranker
	candidatePool int
}

// NewSearchService creates a search service. The reranker is optional.
func NewSearchService(retriever driving.Retriever, reranker driving.Reranker, candidatePool int) *SearchService {
	if candidatePool <= 0 {
		candidatePool = DefaultCandidatePool
	}
	return &SearchService{retriever: retriever, reranker: reranker, candidatePool: candidatePool}
}

// Search returns up to k passages for query.
func (s *SearchService) Search(ctx context.Context, query string, k int, filters domain.Filters) (*domain.RerankResult, error) {
	logger.Section("Search Execution")
	logger.Debug("Query: %q", query)

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = DefaultTopK
	}
	logger.Debug("Limit: %d, pool: %d, filters: %v", k, s.candidatePool, filters)

	start := time.Now()
	retrieved, err := s.retriever.Retrieve(ctx, query, max(k, s.candidatePool), filters)
	if err != nil {
		return nil, domain.InPhase(domain.PhaseRetrieval, err)
	}

	out := &domain.RerankResult{Candidates: retrieved.Candidates, Degraded: retrieved.Degraded}
	if len(retrieved.Warnings) > 0 {
		out.Warning = strings.Join(retrieved.Warnings, "; ")
	}
	if s.reranker != nil && len(out.Candidates) > 0 {
		reranked := s.reranker.Rerank(ctx, query, out.Candidates)
		out.Candidates = reranked.Candidates
		if reranked.Degraded {
			out.Degraded = true
			out.Warning = strings.TrimPrefix(out.Warning+"; "+reranked.Warning, "; ")
		}
	}
	if len(out.Candidates) > k {
		out.Candidates = out.Candidates[:k]
	}
	logger.Debug("[Performance] search: %v, %d result(s)", time.Since(start), len(out.Candidates))
	return out, nil
}
