// Package memory provides an in-process BM25 keyword index.
package memory

import (
	"context"
	"math"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Engine implements the interface.
var _ driven.SearchEngine = (*Engine)(nil)

// BM25 parameters.
const (
	k1 = 1.2
	b  = 0.75
)

type posting struct {
	chunk  domain.Chunk
	tf     map[string]int
	length int
}

// Engine scores chunks with Okapi BM25 over an inverted view kept in memory.
// Index replaces a document's chunks under one lock, so searches never see
// a half-indexed document.
type Engine struct {
	mu       sync.RWMutex
	docs     map[string][]posting
	df       map[string]int
	chunks   int
	totalLen int
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		docs: make(map[string][]posting),
		df:   make(map[string]int),
	}
}

// Index replaces all chunks of documentID.
func (e *Engine) Index(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	staged := make([]posting, 0, len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		tokens := domain.Tokenize(c.Content)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		c.Embedding = nil
		staged = append(staged, posting{chunk: c, tf: tf, length: len(tokens)})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(documentID)
	for _, p := range staged {
		for term := range p.tf {
			e.df[term]++
		}
		e.chunks++
		e.totalLen += p.length
	}
	if len(staged) > 0 {
		e.docs[documentID] = staged
	}
	return nil
}

// Delete removes all chunks of documentID.
func (e *Engine) Delete(_ context.Context, documentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(documentID)
	return nil
}

// remove drops a document's statistics. Callers must hold mu.
func (e *Engine) remove(documentID string) {
	for _, p := range e.docs[documentID] {
		for term := range p.tf {
			if e.df[term]--; e.df[term] <= 0 {
				delete(e.df, term)
			}
		}
		e.chunks--
		e.totalLen -= p.length
	}
	delete(e.docs, documentID)
}

// Search returns up to limit chunks matching at least one query term,
// scored by BM25.
func (e *Engine) Search(_ context.Context, query string, limit int, filters domain.Filters) ([]domain.Candidate, error) {
	terms := unique(domain.Tokenize(query))
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.chunks == 0 {
		return nil, nil
	}

	avg := float64(e.totalLen) / float64(e.chunks)
	idf := make(map[string]float64, len(terms))
	for _, t := range terms {
		n := float64(e.df[t])
		idf[t] = math.Log(1 + (float64(e.chunks)-n+0.5)/(n+0.5))
	}

	var out []domain.Candidate
	for _, postings := range e.docs {
		for _, p := range postings {
			if !filters.Matches(p.chunk.Metadata) {
				continue
			}
			score := 0.0
			for _, t := range terms {
				f := float64(p.tf[t])
				if f == 0 {
					continue
				}
				score += idf[t] * f * (k1 + 1) / (f + k1*(1-b+b*float64(p.length)/avg))
			}
			if score > 0 {
				out = append(out, domain.Candidate{Chunk: p.chunk, Score: score, Origin: domain.OriginKeyword})
			}
		}
	}

	domain.SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of indexed chunks.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chunks
}

// Close is a no-op.
func (e *Engine) Close() error { return nil }

func unique(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
