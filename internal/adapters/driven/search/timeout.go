// Package search holds the keyword index backends and the limits they share.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// timed bounds every keyword index call with a timeout.
type timed struct {
	driven.SearchEngine
	timeout time.Duration
}

// WithTimeout wraps engine so Index, Delete and Search each run under
// timeout. A call that runs out of time reports ErrKeywordUnavailable;
// cancellation by the caller is returned unchanged. A zero timeout
// returns engine as is.
func WithTimeout(engine driven.SearchEngine, timeout time.Duration) driven.SearchEngine {
	if timeout <= 0 {
		return engine
	}
	return &timed{SearchEngine: engine, timeout: timeout}
}

func (t *timed) classify(ctx, callCtx context.Context, op string, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrKeywordUnavailable) {
		return fmt.Errorf("keyword %s timed out after %s: %w", op, t.timeout, domain.ErrKeywordUnavailable)
	}
	return err
}

func (t *timed) Index(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, cctx, "index", t.SearchEngine.Index(cctx, documentID, chunks))
}

func (t *timed) Delete(ctx context.Context, documentID string) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, cctx, "delete", t.SearchEngine.Delete(cctx, documentID))
}

func (t *timed) Search(ctx context.Context, query string, limit int, filters domain.Filters) ([]domain.Candidate, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.SearchEngine.Search(cctx, query, limit, filters)
	if err != nil {
		return nil, t.classify(ctx, cctx, "search", err)
	}
	return out, nil
}
