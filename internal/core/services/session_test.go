package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSessions(t *testing.T, opts ...SessionOption) *SessionManager {
	t.Helper()
	m := NewSessionManager(append([]SessionOption{WithSweepInterval(0)}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSession_CreateAppendHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestSessions(t)

	s, err := m.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.History)

	require.NoError(t, m.Append(ctx, s.ID,
		domain.Turn{Role: domain.RoleUser, Content: "hi"},
		domain.Turn{Role: domain.RoleAssistant, Content: "hello", Sources: []string{"doc1"}},
	))

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[1].Content)
	assert.False(t, history[0].Timestamp.IsZero())

	info, err := m.Info(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TurnCount)
}

func TestSession_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := newTestSessions(t)
	s, _ := m.Create(ctx)
	require.NoError(t, m.Append(ctx, s.ID, domain.Turn{Role: domain.RoleAssistant, Content: "a", Sources: []string{"doc1"}}))

	history, _ := m.History(ctx, s.ID)
	history[0].Content = "mutated"
	history[0].Sources[0] = "mutated"

	again, _ := m.History(ctx, s.ID)
	assert.Equal(t, "a", again[0].Content)
	assert.Equal(t, "doc1", again[0].Sources[0])
}

func TestSession_MaxTurnsDropsOldest(t *testing.T) {
	ctx := context.Background()
	m := newTestSessions(t, WithMaxTurns(3))
	s, _ := m.Create(ctx)

	for i := range 5 {
		require.NoError(t, m.Append(ctx, s.ID, domain.Turn{Role: domain.RoleUser, Content: fmt.Sprint(i)}))
	}

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2", history[0].Content)
	assert.Equal(t, "4", history[2].Content)
}

func TestSession_UnknownID(t *testing.T) {
	_, err := newTestSessions(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSession_IdleExpiryOnAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestSessions(t, WithIdleTimeout(time.Minute), WithClock(clock.Now))
	s, _ := m.Create(ctx)

	clock.Advance(59 * time.Second)
	require.NoError(t, m.Append(ctx, s.ID, domain.Turn{Role: domain.RoleUser, Content: "still here"}))

	clock.Advance(61 * time.Second)
	_, err := m.History(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	// Later lookups keep reporting expiry rather than not-found.
	err = m.Append(ctx, s.ID, domain.Turn{Role: domain.RoleUser, Content: "too late"})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSession_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mirror := &recordingMirror{}
	m := newTestSessions(t, WithIdleTimeout(time.Minute), WithClock(clock.Now), WithSessionMirror(mirror))

	stale, _ := m.Create(ctx)
	clock.Advance(45 * time.Second)
	fresh, _ := m.Create(ctx)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, m.Sweep(ctx))
	_, err := m.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	_, err = m.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	last := mirror.events[len(mirror.events)-1]
	assert.Equal(t, stale.ID, last.SessionID)
	assert.Equal(t, domain.SessionExpired, last.State)
}

func TestSession_BackgroundSweeper(t *testing.T) {
	ctx := context.Background()
	m := NewSessionManager(WithIdleTimeout(time.Millisecond), WithSweepInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })

	s, _ := m.Create(ctx)
	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.sessions[s.ID]
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err := m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSession_Delete(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	m := newTestSessions(t, WithSessionMirror(mirror))
	s, _ := m.Create(ctx)

	require.NoError(t, m.Delete(ctx, s.ID))
	_, err := m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.NoError(t, m.Delete(ctx, s.ID), "deleting twice is a no-op")
	assert.NoError(t, m.Delete(ctx, "never-existed"))

	states := make([]domain.SessionState, len(mirror.events))
	for i, e := range mirror.events {
		states[i] = e.State
	}
	assert.Equal(t, []domain.SessionState{domain.SessionActive, domain.SessionDeleted}, states)
}

func TestSession_MirrorRecordsTurns(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	m := newTestSessions(t, WithSessionMirror(mirror))
	s, _ := m.Create(ctx)

	require.NoError(t, m.Append(ctx, s.ID,
		domain.Turn{Role: domain.RoleUser, Content: "q"},
		domain.Turn{Role: domain.RoleAssistant, Content: "a"},
	))

	require.Len(t, mirror.events, 3)
	require.NotNil(t, mirror.events[1].Turn)
	assert.Equal(t, "q", mirror.events[1].Turn.Content)
	assert.Equal(t, "a", mirror.events[2].Turn.Content)
}

func TestSession_ConcurrentAppendsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	m := newTestSessions(t, WithMaxTurns(1000))
	s, _ := m.Create(ctx)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				err := m.Append(ctx, s.ID,
					domain.Turn{Role: domain.RoleUser, Content: fmt.Sprintf("%d-%d", w, i)},
					domain.Turn{Role: domain.RoleAssistant, Content: fmt.Sprintf("%d-%d", w, i)},
				)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, writers*perWriter*2)

	// Pairs appended together stay adjacent.
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, domain.RoleUser, history[i].Role)
		assert.Equal(t, domain.RoleAssistant, history[i+1].Role)
		assert.Equal(t, history[i].Content, history[i+1].Content)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	m := NewSessionManager(WithSweepInterval(time.Millisecond))
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
