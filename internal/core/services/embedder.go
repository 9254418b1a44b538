package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Embedding client defaults.
const (
	DefaultEmbedBatchSize      = 32
	DefaultEmbedMaxAttempts    = 4
	DefaultEmbedInitialBackoff = 200 * time.Millisecond
	DefaultEmbedMaxBackoff     = 5 * time.Second
	DefaultEmbedCallTimeout    = 30 * time.Second
	DefaultQueryCacheTTL       = 2 * time.Minute
	DefaultEmbedConcurrency    = 4
)

// EmbeddingClient wraps an EmbeddingService with batching, bounded retries
// of transient failures, request pacing, and a short-lived query cache.
// It never returns a placeholder vector: every failure is an error.
type EmbeddingClient struct {
	svc driven.EmbeddingService

	batchSize      int
	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	callTimeout    time.Duration
	concurrency    int
	limiter        *rate.Limiter

	queries *cache.Cache
	flight  singleflight.Group

	dims atomic.Int64
}

// EmbeddingOption configures the embedding client.
type EmbeddingOption func(*EmbeddingClient)

// WithBatchSize sets the maximum number of texts per provider request.
func WithBatchSize(n int) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRetry sets the attempt bound and the exponential backoff range.
func WithRetry(maxAttempts int, initial, maxBackoff time.Duration) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if maxAttempts > 0 {
			c.maxAttempts = uint(maxAttempts)
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithCallTimeout bounds each provider request.
func WithCallTimeout(d time.Duration) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithRateLimit paces provider requests. Zero disables pacing.
func WithRateLimit(perSecond float64, burst int) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithQueryCacheTTL sets how long query embeddings are reused. Zero disables the cache.
func WithQueryCacheTTL(ttl time.Duration) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if ttl <= 0 {
			c.queries = nil
			return
		}
		c.queries = cache.New(ttl, 2*ttl)
	}
}

// WithEmbedConcurrency bounds how many batches are in flight at once.
func WithEmbedConcurrency(n int) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewEmbeddingClient creates a client around svc.
func NewEmbeddingClient(svc driven.EmbeddingService, opts ...EmbeddingOption) *EmbeddingClient {
	c := &EmbeddingClient{
		svc:            svc,
		batchSize:      DefaultEmbedBatchSize,
		maxAttempts:    DefaultEmbedMaxAttempts,
		initialBackoff: DefaultEmbedInitialBackoff,
		maxBackoff:     DefaultEmbedMaxBackoff,
		callTimeout:    DefaultEmbedCallTimeout,
		concurrency:    DefaultEmbedConcurrency,
		queries:        cache.New(DefaultQueryCacheTTL, 2*DefaultQueryCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dims.Store(int64(svc.Dimensions()))
	return c
}

// Dimensions returns the vector size D, or 0 before the first response
// when the provider does not declare it.
func (c *EmbeddingClient) Dimensions() int {
	return int(c.dims.Load())
}

// ModelName returns the embedding model in use.
func (c *EmbeddingClient) ModelName() string {
	return c.svc.ModelName()
}

// EmbedDocuments embeds texts in batches and returns one vector per text,
// in input order. Any batch failing after retries fails the whole call.
func (c *EmbeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		batch := texts[start:end]
		offset := start
		g.Go(func() error {
			vecs, err := c.withRetry(gctx, func(actx context.Context) ([][]float32, error) {
				return c.svc.EmbedBatch(actx, batch)
			})
			if err != nil {
				return err
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("provider returned %d vectors for %d texts: %w",
					len(vecs), len(batch), domain.ErrEmbeddingUnavailable)
			}
			for i, v := range vecs {
				if err := c.checkVector(v); err != nil {
					return err
				}
				out[offset+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a single query. Identical text within the cache TTL
// is served from memory, and concurrent identical queries share one call.
// The shared call does not inherit any one caller's cancellation; each
// caller stops waiting when its own ctx is done.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := c.svc.ModelName() + "\x00" + text
	if c.queries != nil {
		if v, ok := c.queries.Get(key); ok {
			logger.Debug("Query embedding cache hit")
			return cloneVector(v.([]float32)), nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		vec, err := c.withRetry(shared, func(actx context.Context) ([][]float32, error) {
			v, err := c.svc.Embed(actx, text)
			if err != nil {
				return nil, err
			}
			return [][]float32{v}, nil
		})
		if err != nil {
			return nil, err
		}
		if err := c.checkVector(vec[0]); err != nil {
			return nil, err
		}
		if c.queries != nil {
			c.queries.SetDefault(key, vec[0])
		}
		return vec[0], nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneVector(res.Val.([]float32)), nil
	}
}

// withRetry runs call until it succeeds, fails permanently, or the attempt
// bound is reached. Only transient errors are retried.
func (c *EmbeddingClient) withRetry(ctx context.Context, call func(context.Context) ([][]float32, error)) ([][]float32, error) {
	attempts := 0
	op := func() ([][]float32, error) {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		actx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		vecs, err := call(actx)
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if isTransient(err) || errors.Is(actx.Err(), context.DeadlineExceeded) {
			logger.Debug("Embedding attempt %d failed, retrying: %v", attempts, err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = c.maxBackoff

	vecs, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(c.maxAttempts))
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, domain.ErrDimensionMismatch) {
		return nil, err
	}
	logger.Warn("Embedding failed after %d attempt(s): %v", attempts, err)
	if errors.Is(err, domain.ErrEmbeddingUnavailable) {
		return nil, fmt.Errorf("after %d attempt(s): %w", attempts, err)
	}
	return nil, fmt.Errorf("after %d attempt(s): %w: %v", attempts, domain.ErrEmbeddingUnavailable, err)
}

// checkVector enforces a single dimension D and rejects empty or all-zero vectors.
func (c *EmbeddingClient) checkVector(v []float32) error {
	if len(v) == 0 || isZero(v) {
		return fmt.Errorf("provider returned an empty vector: %w", domain.ErrEmbeddingUnavailable)
	}
	want := c.dims.Load()
	if want == 0 && c.dims.CompareAndSwap(0, int64(len(v))) {
		return nil
	}
	if want = c.dims.Load(); int64(len(v)) != want {
		return fmt.Errorf("got %d dimensions, index expects %d: %w", len(v), want, domain.ErrDimensionMismatch)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrEmbeddingUnavailable) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
