package vector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

type stubIndex struct {
	lastK int
	delay time.Duration
	err   error
}

func (s *stubIndex) Name() string    { return "stub" }
func (s *stubIndex) Atomic() bool    { return false }
func (s *stubIndex) Dimensions() int { return 2 }
func (s *stubIndex) Close() error    { return nil }
func (s *stubIndex) wait(ctx context.Context) error {
	if s.delay == 0 {
		return s.err
	}
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubIndex) Upsert(ctx context.Context, _ string, _ []domain.Chunk) error { return s.wait(ctx) }
func (s *stubIndex) Delete(ctx context.Context, _ string) error                   { return s.wait(ctx) }
func (s *stubIndex) Search(ctx context.Context, _ []float32, k int, _ domain.Filters) ([]domain.Candidate, error) {
	s.lastK = k
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return []domain.Candidate{}, nil
}

var _ driven.VectorIndex = (*stubIndex)(nil)

func TestRegistry_Backends(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []domain.VectorBackend{
		domain.VectorBackendMemory,
		domain.VectorBackendPgvector,
		domain.VectorBackendQdrant,
		domain.VectorBackendRedis,
	}, r.Backends())
}

func TestRegistry_OpenMemory(t *testing.T) {
	idx, err := NewRegistry().Open(context.Background(), config.VectorConfig{Backend: domain.VectorBackendMemory, MaxK: 10}, 3)
	require.NoError(t, err)
	assert.Equal(t, "memory", idx.Name())
	assert.Equal(t, 3, idx.Dimensions())
	assert.True(t, idx.Atomic())
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry().Open(context.Background(), config.VectorConfig{Backend: "faiss"}, 3)
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
}

func TestRegistry_BuilderError(t *testing.T) {
	_, err := NewRegistry().Open(context.Background(), config.VectorConfig{Backend: domain.VectorBackendQdrant, URL: "http://x"}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLimit_CapsK(t *testing.T) {
	stub := &stubIndex{}
	r := NewRegistry()
	r.Register("stub", func(context.Context, config.VectorConfig, int) (driven.VectorIndex, error) { return stub, nil })

	idx, err := r.Open(context.Background(), config.VectorConfig{Backend: "stub", MaxK: 5}, 2)
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stub.lastK)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stub.lastK)
}

func TestLimit_TimeoutIsUnavailable(t *testing.T) {
	idx := Limit(&stubIndex{delay: time.Second}, 10, 20*time.Millisecond)

	_, err := idx.Search(context.Background(), []float32{1, 0}, 3, nil)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)

	assert.ErrorIs(t, idx.Upsert(context.Background(), "d", nil), domain.ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Delete(context.Background(), "d"), domain.ErrIndexUnavailable)
}

func TestLimit_CallerCancellationPassesThrough(t *testing.T) {
	idx := Limit(&stubIndex{delay: time.Second}, 10, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, []float32{1, 0}, 3, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrIndexUnavailable)
}

func TestLimit_OtherErrorsUnchanged(t *testing.T) {
	idx := Limit(&stubIndex{err: domain.ErrDimensionMismatch}, 10, time.Minute)
	_, err := idx.Search(context.Background(), []float32{1, 0}, 3, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

// flakyIndex fails the first failures calls of each kind with err.
type flakyIndex struct {
	stubIndex
	failures int
	err      error
	searches int
	upserts  int
}

func (f *flakyIndex) Search(ctx context.Context, q []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	f.searches++
	if f.searches <= f.failures {
		return nil, f.err
	}
	return f.stubIndex.Search(ctx, q, k, filters)
}

func (f *flakyIndex) Upsert(context.Context, string, []domain.Chunk) error {
	f.upserts++
	if f.upserts <= f.failures {
		return f.err
	}
	return nil
}

func TestLimit_SearchRetriesUnavailable(t *testing.T) {
	t.Run("recovers after a transient failure", func(t *testing.T) {
		flaky := &flakyIndex{failures: 1, err: domain.ErrIndexUnavailable}
		idx := Limit(flaky, 10, time.Second, WithSearchRetry(3, time.Millisecond, 5*time.Millisecond))

		got, err := idx.Search(context.Background(), []float32{1, 0}, 3, nil)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Equal(t, 2, flaky.searches)
	})

	t.Run("gives up after the attempt bound", func(t *testing.T) {
		flaky := &flakyIndex{failures: 10, err: domain.ErrIndexUnavailable}
		idx := Limit(flaky, 10, time.Second, WithSearchRetry(3, time.Millisecond, 5*time.Millisecond))

		_, err := idx.Search(context.Background(), []float32{1, 0}, 3, nil)
		assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
		assert.Equal(t, 3, flaky.searches)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		flaky := &flakyIndex{failures: 10, err: domain.ErrDimensionMismatch}
		idx := Limit(flaky, 10, time.Second, WithSearchRetry(3, time.Millisecond, 5*time.Millisecond))

		_, err := idx.Search(context.Background(), []float32{1, 0}, 3, nil)
		assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
		assert.Equal(t, 1, flaky.searches)
	})

	t.Run("writes are not retried", func(t *testing.T) {
		flaky := &flakyIndex{failures: 1, err: domain.ErrIndexUnavailable}
		idx := Limit(flaky, 10, time.Second, WithSearchRetry(3, time.Millisecond, 5*time.Millisecond))

		assert.ErrorIs(t, idx.Upsert(context.Background(), "d", nil), domain.ErrIndexUnavailable)
		assert.Equal(t, 1, flaky.upserts)
	})

	t.Run("registry applies the configured attempts", func(t *testing.T) {
		flaky := &flakyIndex{failures: 1, err: domain.ErrIndexUnavailable}
		r := NewRegistry()
		r.Register("flaky", func(context.Context, config.VectorConfig, int) (driven.VectorIndex, error) { return flaky, nil })

		idx, err := r.Open(context.Background(), config.VectorConfig{
			Backend:              "flaky",
			SearchAttempts:       2,
			SearchInitialBackoff: config.Duration{Duration: time.Millisecond},
		}, 2)
		require.NoError(t, err)

		_, err = idx.Search(context.Background(), []float32{1, 0}, 3, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, flaky.searches)
	})
}
