package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
	"github.com/custodia-labs/sercha-rag/internal/tracer"
)

// Ensure Retriever implements the interface.
var _ driving.Retriever = (*Retriever)(nil)

var spans = tracer.Tracer()

// Retriever defaults.
const (
	DefaultTopK          = 5
	DefaultKeywordWeight = 0.8
)

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a query, searches the vector index and, when
// configured, the keyword index, and merges both candidate sets.
type Retriever struct {
	embedder QueryEmbedder
	vectors  driven.VectorIndex
	keywords driven.SearchEngine

	degradeToKeyword bool
	keywordWeight    float64
	timeout          time.Duration
}

// RetrieverOption configures the retriever.
type RetrieverOption func(*Retriever)

// WithKeywordSearch adds the lexical path. Nil disables it.
func WithKeywordSearch(engine driven.SearchEngine) RetrieverOption {
	return func(r *Retriever) {
		r.keywords = engine
	}
}

// WithDegradeToKeyword lets a failed query embedding fall back to the
// keyword path instead of failing the retrieval.
func WithDegradeToKeyword(enabled bool) RetrieverOption {
	return func(r *Retriever) {
		r.degradeToKeyword = enabled
	}
}

// WithKeywordWeight scales normalised keyword scores before merging.
func WithKeywordWeight(w float64) RetrieverOption {
	return func(r *Retriever) {
		if w > 0 && w <= 1 {
			r.keywordWeight = w
		}
	}
}

// WithRetrievalTimeout bounds the search phase of a retrieval.
func WithRetrievalTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRetriever creates a retriever over the given vector index.
func NewRetriever(embedder QueryEmbedder, vectors driven.VectorIndex, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder:      embedder,
		vectors:       vectors,
		keywordWeight: DefaultKeywordWeight,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to k candidates ordered by descending score.
//
// An embedding failure fails the call unless keyword degradation is
// enabled. A vector search failure is replaced by the keyword path when
// one exists, except for dimension mismatch and corrupt index errors,
// which always abort. A keyword failure only marks the result degraded.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filters domain.Filters) (*domain.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = DefaultTopK
	}

	ctx, span := spans.Start(ctx, "retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Int("filters", len(filters)))

	result := &domain.RetrievalResult{}

	embedStart := time.Now()
	vec, err := r.embedder.EmbedQuery(ctx, query)
	logger.Debug("[Performance] query embedding: %v", time.Since(embedStart))
	if err != nil {
		if !r.canDegradeEmbedding(err) {
			span.RecordError(err)
			return nil, err
		}
		r.degrade(result, "query embedding failed, using keyword search only: %v", err)
		vec = nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	searchStart := time.Now()
	searchVector, searchKey := vec != nil, r.keywords != nil
	var (
		wg              sync.WaitGroup
		vecHits, kwHits []domain.Candidate
		vecErr, kwErr   error
	)
	if searchVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecHits, vecErr = r.vectors.Search(ctx, vec, k, filters)
		}()
	}
	if searchKey {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kwHits, kwErr = r.keywords.Search(ctx, query, k, filters)
		}()
	}
	wg.Wait()
	logger.Debug("[Performance] index search: %v", time.Since(searchStart))

	if searchVector && vecErr != nil {
		if isFatalIndexError(vecErr) || !searchKey || kwErr != nil {
			span.RecordError(vecErr)
			return nil, vecErr
		}
		r.degrade(result, "vector search failed, using keyword results only: %v", vecErr)
		searchVector = false
	}
	if searchKey && kwErr != nil {
		if !searchVector {
			span.RecordError(kwErr)
			return nil, kwErr
		}
		r.degrade(result, "keyword search failed: %v", kwErr)
		searchKey = false
	}

	var vecPart, kwPart []domain.Candidate
	if searchVector {
		vecPart = normaliseVector(vecHits)
	}
	if searchKey {
		kwPart = normaliseKeyword(kwHits, r.keywordWeight)
	}
	result.Candidates = merge(vecPart, kwPart, k)
	span.SetAttributes(attribute.Int("candidates", len(result.Candidates)), attribute.Bool("degraded", result.Degraded))
	return result, nil
}

func (r *Retriever) canDegradeEmbedding(err error) bool {
	return r.degradeToKeyword && r.keywords != nil &&
		errors.Is(err, domain.ErrEmbeddingUnavailable) &&
		!errors.Is(err, domain.ErrDimensionMismatch)
}

func (r *Retriever) degrade(result *domain.RetrievalResult, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("Retrieval degraded: %s", msg)
	result.Degraded = true
	result.Warnings = append(result.Warnings, msg)
}

func isFatalIndexError(err error) bool {
	return errors.Is(err, domain.ErrDimensionMismatch) || errors.Is(err, domain.ErrCorruptIndex)
}

// normaliseVector clamps cosine similarity into [0,1].
func normaliseVector(hits []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, len(hits))
	for i, h := range hits {
		h.Score = min(max(h.Score, 0), 1)
		h.Origin = domain.OriginVector
		out[i] = h
	}
	return out
}

// normaliseKeyword divides engine scores by the best score of the set and
// scales by weight, so lexical scores land in [0,weight].
func normaliseKeyword(hits []domain.Candidate, weight float64) []domain.Candidate {
	best := 0.0
	for _, h := range hits {
		best = max(best, h.Score)
	}
	out := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		if best <= 0 || h.Score <= 0 {
			continue
		}
		h.Score = h.Score / best * weight
		h.Origin = domain.OriginKeyword
		out = append(out, h)
	}
	return out
}

// merge unions both paths, keeping the higher score per chunk id, then
// orders and truncates to k.
func merge(vector, keyword []domain.Candidate, k int) []domain.Candidate {
	byID := make(map[string]int, len(vector)+len(keyword))
	out := make([]domain.Candidate, 0, len(vector)+len(keyword))
	for _, c := range vector {
		if i, ok := byID[c.Chunk.ID]; ok {
			if c.Score > out[i].Score {
				out[i] = c
			}
			continue
		}
		byID[c.Chunk.ID] = len(out)
		out = append(out, c)
	}
	for _, c := range keyword {
		i, ok := byID[c.Chunk.ID]
		if !ok {
			byID[c.Chunk.ID] = len(out)
			out = append(out, c)
			continue
		}
		if c.Score > out[i].Score {
			// Keep the vector path's chunk, which carries the embedding.
			out[i].Score = c.Score
		}
		out[i].Origin = domain.OriginHybrid
	}
	domain.SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
