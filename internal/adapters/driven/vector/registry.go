// Package vector selects a vector index backend by name and applies the
// limits every backend shares: a maximum k and a per-call timeout.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/vector/memory"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/vector/pgvector"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/vector/qdrant"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/vector/redisvec"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Builder opens a backend for vectors of the given dimension. dims may be 0
// for backends that learn it from the first write.
type Builder func(ctx context.Context, cfg config.VectorConfig, dims int) (driven.VectorIndex, error)

// Registry maps backend names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[domain.VectorBackend]Builder
}

// NewRegistry returns a registry with the built-in backends registered.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[domain.VectorBackend]Builder)}
	r.Register(domain.VectorBackendMemory, buildMemory)
	r.Register(domain.VectorBackendPgvector, buildPgvector)
	r.Register(domain.VectorBackendRedis, buildRedis)
	r.Register(domain.VectorBackendQdrant, buildQdrant)
	return r
}

// Register adds or replaces a builder.
func (r *Registry) Register(name domain.VectorBackend, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Backends lists registered names in sorted order.
func (r *Registry) Backends() []domain.VectorBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.VectorBackend, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open builds the configured backend and wraps it with the shared limits.
func (r *Registry) Open(ctx context.Context, cfg config.VectorConfig, dims int) (driven.VectorIndex, error) {
	r.mu.RLock()
	b, ok := r.builders[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vector backend %q: %w", cfg.Backend, domain.ErrUnsupportedType)
	}

	idx, err := b(ctx, cfg, dims)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", cfg.Backend, err)
	}
	if !idx.Atomic() {
		logger.Warn("Vector backend %s replaces documents non-atomically; failed upserts report partial writes", idx.Name())
	}
	return Limit(idx, cfg.MaxK, cfg.Timeout.Duration,
		WithSearchRetry(cfg.SearchAttempts, cfg.SearchInitialBackoff.Duration, cfg.SearchMaxBackoff.Duration),
	), nil
}

func buildMemory(_ context.Context, _ config.VectorConfig, dims int) (driven.VectorIndex, error) {
	return memory.New(dims), nil
}

func buildPgvector(ctx context.Context, cfg config.VectorConfig, dims int) (driven.VectorIndex, error) {
	return pgvector.Open(ctx, pgvector.Config{DSN: cfg.DSN, Table: cfg.Table, Dimensions: dims})
}

func buildRedis(ctx context.Context, cfg config.VectorConfig, dims int) (driven.VectorIndex, error) {
	return redisvec.Open(ctx, redisvec.Config{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		IndexName:  cfg.Collection,
		Dimensions: dims,
	})
}

func buildQdrant(ctx context.Context, cfg config.VectorConfig, dims int) (driven.VectorIndex, error) {
	return qdrant.Open(ctx, qdrant.Config{
		URL:        cfg.URL,
		APIKey:     cfg.APIKey,
		Collection: cfg.Collection,
		Dimensions: dims,
		Timeout:    cfg.Timeout.Duration,
	})
}

// limited caps k, bounds every call with a timeout and retries searches.
type limited struct {
	driven.VectorIndex
	maxK    int
	timeout time.Duration

	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// LimitOption configures Limit.
type LimitOption func(*limited)

// WithSearchRetry retries Search up to attempts times while it fails with
// ErrIndexUnavailable, backing off exponentially between tries. Upsert and
// Delete are never retried.
func WithSearchRetry(attempts int, initial, maxBackoff time.Duration) LimitOption {
	return func(l *limited) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if initial > 0 {
			l.initialBackoff = initial
		}
		if maxBackoff > 0 {
			l.maxBackoff = maxBackoff
		}
	}
}

// Limit wraps idx so Search never asks for more than maxK results and each
// call is bounded by timeout. A call that runs out of time reports
// ErrIndexUnavailable; cancellation by the caller is returned unchanged.
func Limit(idx driven.VectorIndex, maxK int, timeout time.Duration, opts ...LimitOption) driven.VectorIndex {
	l := &limited{
		VectorIndex:    idx,
		maxK:           maxK,
		timeout:        timeout,
		attempts:       1,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *limited) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *limited) classify(ctx, callCtx context.Context, op string, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrIndexUnavailable) {
		return fmt.Errorf("%s timed out after %s: %w", op, l.timeout, domain.ErrIndexUnavailable)
	}
	return err
}

func (l *limited) Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	cctx, cancel := l.bound(ctx)
	defer cancel()
	return l.classify(ctx, cctx, "upsert", l.VectorIndex.Upsert(cctx, documentID, chunks))
}

func (l *limited) Delete(ctx context.Context, documentID string) error {
	cctx, cancel := l.bound(ctx)
	defer cancel()
	return l.classify(ctx, cctx, "delete", l.VectorIndex.Delete(cctx, documentID))
}

func (l *limited) Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	if l.maxK > 0 && k > l.maxK {
		logger.Debug("Capping k=%d to %d", k, l.maxK)
		k = l.maxK
	}

	tries := 0
	op := func() ([]domain.Candidate, error) {
		tries++
		cctx, cancel := l.bound(ctx)
		defer cancel()
		out, err := l.VectorIndex.Search(cctx, query, k, filters)
		if err == nil {
			return out, nil
		}
		err = l.classify(ctx, cctx, "search", err)
		if ctx.Err() != nil || !errors.Is(err, domain.ErrIndexUnavailable) {
			return nil, backoff.Permanent(err)
		}
		if tries < l.attempts {
			logger.Debug("Vector search attempt %d failed, retrying: %v", tries, err)
		}
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.initialBackoff
	eb.MaxInterval = l.maxBackoff

	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(l.attempts)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}
