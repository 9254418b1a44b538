package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure Reranker implements the interface.
var _ driving.Reranker = (*Reranker)(nil)

// Re-ranker defaults.
const (
	DefaultRerankTopN   = 30
	DefaultRerankFinalK = 5
)

// Reranker rescores the top N retrieval candidates and keeps the best FinalK.
type Reranker struct {
	scorer  driven.RerankScorer
	topN    int
	finalK  int
	timeout time.Duration
}

// NewReranker creates a re-ranker. A nil scorer only truncates.
func NewReranker(scorer driven.RerankScorer, topN, finalK int, timeout time.Duration) *Reranker {
	if topN <= 0 {
		topN = DefaultRerankTopN
	}
	if finalK <= 0 {
		finalK = DefaultRerankFinalK
	}
	return &Reranker{scorer: scorer, topN: topN, finalK: finalK, timeout: timeout}
}

// FinalK returns how many candidates a rerank keeps.
func (r *Reranker) FinalK() int {
	return r.finalK
}

// Rerank reorders candidates by scorer relevance. Equal scores keep their
// input order, so identical inputs always give identical output. When the
// scorer fails the input order is kept and the result is marked degraded.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.Candidate) domain.RerankResult {
	if len(candidates) == 0 {
		return domain.RerankResult{}
	}
	if r.scorer == nil {
		return domain.RerankResult{Candidates: r.truncate(candidates)}
	}

	ctx, span := spans.Start(ctx, "rerank")
	defer span.End()

	n := min(r.topN, len(candidates))
	head := candidates[:n]
	passages := make([]string, n)
	for i, c := range head {
		passages[i] = c.Chunk.Content
	}
	span.SetAttributes(attribute.String("scorer", r.scorer.Name()), attribute.Int("passages", n))

	scoreCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	scores, err := r.scorer.Score(scoreCtx, query, passages)
	logger.Debug("[Performance] rerank (%s): %v", r.scorer.Name(), time.Since(start))
	if err == nil && len(scores) != n {
		err = fmt.Errorf("scorer returned %d scores for %d passages: %w", len(scores), n, domain.ErrRerankUnavailable)
	}
	if err != nil {
		span.RecordError(err)
		warning := fmt.Sprintf("re-ranking unavailable, kept retrieval order: %v", err)
		logger.Warn("Rerank fallback (%s): %v", r.scorer.Name(), err)
		return domain.RerankResult{
			Candidates: r.truncate(candidates),
			Degraded:   true,
			Warning:    warning,
		}
	}

	reranked := make([]domain.Candidate, 0, len(candidates))
	for i, c := range head {
		c.Score = scores[i]
		reranked = append(reranked, c)
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	reranked = append(reranked, candidates[n:]...)
	return domain.RerankResult{Candidates: r.truncate(reranked)}
}

func (r *Reranker) truncate(candidates []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, min(r.finalK, len(candidates)))
	copy(out, candidates)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Ensure LexicalScorer implements the interface.
var _ driven.RerankScorer = LexicalScorer{}

// LexicalScorer is a deterministic in-process scorer: the share of distinct
// query terms found in the passage, with a small bonus for terms appearing
// in query order as an adjacent pair.
type LexicalScorer struct{}

// Name identifies the scorer in logs.
func (LexicalScorer) Name() string { return "lexical" }

// Score never fails.
func (LexicalScorer) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	terms := domain.Tokenize(query)
	distinct := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		distinct[t] = struct{}{}
	}
	scores := make([]float64, len(passages))
	if len(distinct) == 0 {
		return scores, nil
	}

	for i, p := range passages {
		tokens := domain.Tokenize(p)
		present := make(map[string]struct{}, len(tokens))
		pairs := make(map[[2]string]struct{}, len(tokens))
		for j, t := range tokens {
			present[t] = struct{}{}
			if j > 0 {
				pairs[[2]string{tokens[j-1], t}] = struct{}{}
			}
		}
		hits := 0
		for t := range distinct {
			if _, ok := present[t]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(distinct))
		if len(terms) > 1 {
			adjacent := 0
			for j := 1; j < len(terms); j++ {
				if _, ok := pairs[[2]string{terms[j-1], terms[j]}]; ok {
					adjacent++
				}
			}
			score += 0.25 * float64(adjacent) / float64(len(terms)-1)
		}
		scores[i] = score / 1.25
	}
	return scores, nil
}
