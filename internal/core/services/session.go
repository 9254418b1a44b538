package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure SessionManager implements the interface.
var _ driving.SessionManager = (*SessionManager)(nil)

// Session defaults.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultMaxTurns      = 50
	DefaultSweepInterval = time.Minute
	DefaultTombstoneTTL  = 24 * time.Hour
)

// SessionManager keeps sessions in memory. Mutations of one session are
// serialised by that session's lock; distinct sessions never contend
// beyond the short map lookup.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	// expired remembers ids that timed out so callers get ErrSessionExpired
	// rather than ErrSessionNotFound for a while.
	expired *cache.Cache

	idleTimeout   time.Duration
	maxTurns      int
	sweepInterval time.Duration
	tombstoneTTL  time.Duration
	mirror        driven.SessionMirror
	now           func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type sessionEntry struct {
	mu      sync.Mutex
	session domain.Session
	removed bool
}

// SessionOption configures the session manager.
type SessionOption func(*SessionManager)

// WithIdleTimeout sets how long a session may stay inactive.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithMaxTurns bounds retained history; the oldest turns are dropped first.
func WithMaxTurns(n int) SessionOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.maxTurns = n
		}
	}
}

// WithSweepInterval sets the background sweep period. Zero disables the
// sweeper; expiry is then only detected on access.
func WithSweepInterval(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.sweepInterval = d
	}
}

// WithTombstoneTTL sets how long expired ids are remembered.
func WithTombstoneTTL(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.tombstoneTTL = d
		}
	}
}

// WithSessionMirror copies every change to an audit store.
func WithSessionMirror(mirror driven.SessionMirror) SessionOption {
	return func(m *SessionManager) {
		m.mirror = mirror
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// NewSessionManager creates a manager and starts its sweeper.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		sessions:      make(map[string]*sessionEntry),
		idleTimeout:   DefaultIdleTimeout,
		maxTurns:      DefaultMaxTurns,
		sweepInterval: DefaultSweepInterval,
		tombstoneTTL:  DefaultTombstoneTTL,
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.expired = cache.New(m.tombstoneTTL, m.tombstoneTTL)

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.done)
	}
	return m
}

// Create starts an empty session.
func (m *SessionManager) Create(ctx context.Context) (*domain.Session, error) {
	now := m.now()
	entry := &sessionEntry{session: domain.Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
	}}

	m.mu.Lock()
	m.sessions[entry.session.ID] = entry
	m.mu.Unlock()

	logger.Debug("Session %s created", entry.session.ID)
	m.record(ctx, domain.SessionEvent{SessionID: entry.session.ID, State: domain.SessionActive, At: now})
	s := copySession(entry.session)
	return &s, nil
}

// Get returns a copy of the session.
func (m *SessionManager) Get(ctx context.Context, id string) (*domain.Session, error) {
	var out domain.Session
	err := m.withSession(ctx, id, func(e *sessionEntry) error {
		out = copySession(e.session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the retained turns in insertion order.
func (m *SessionManager) History(ctx context.Context, id string) ([]domain.Turn, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}

// Info returns turn count and timestamps.
func (m *SessionManager) Info(ctx context.Context, id string) (*domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := m.withSession(ctx, id, func(e *sessionEntry) error {
		info = e.session.Info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Append adds turns atomically and in order, then refreshes lastActiveAt.
func (m *SessionManager) Append(ctx context.Context, id string, turns ...domain.Turn) error {
	return m.withSession(ctx, id, func(e *sessionEntry) error {
		now := m.now()
		for _, t := range turns {
			if t.Timestamp.IsZero() {
				t.Timestamp = now
			}
			t.Sources = slices.Clone(t.Sources)
			e.session.History = append(e.session.History, t)
			turn := t
			m.record(ctx, domain.SessionEvent{SessionID: id, State: domain.SessionActive, Turn: &turn, At: now})
		}
		if over := len(e.session.History) - m.maxTurns; over > 0 {
			e.session.History = slices.Delete(e.session.History, 0, over)
		}
		e.session.LastActiveAt = now
		return nil
	})
}

// Delete removes the session. Unknown ids are a no-op.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	m.expired.Delete(id)
	if !ok {
		return nil
	}

	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()

	logger.Debug("Session %s deleted", id)
	m.record(ctx, domain.SessionEvent{SessionID: id, State: domain.SessionDeleted, At: m.now()})
	return nil
}

// Sweep expires idle sessions and returns how many expired.
func (m *SessionManager) Sweep(ctx context.Context) int {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && m.idle(e) {
			m.expire(ctx, e)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		logger.Debug("Session sweep expired %d session(s)", n)
	}
	return n
}

// Close stops the sweeper and discards all sessions.
func (m *SessionManager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.mu.Lock()
		m.sessions = make(map[string]*sessionEntry)
		m.mu.Unlock()
		m.expired.Flush()
	})
	return nil
}

// withSession runs fn under the session's lock after checking expiry.
func (m *SessionManager) withSession(ctx context.Context, id string, fn func(*sessionEntry) error) error {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return m.missing(id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return m.missing(id)
	}
	if m.idle(entry) {
		m.expire(ctx, entry)
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionExpired)
	}
	return fn(entry)
}

func (m *SessionManager) missing(id string) error {
	if _, ok := m.expired.Get(id); ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionExpired)
	}
	return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
}

func (m *SessionManager) idle(e *sessionEntry) bool {
	return m.now().Sub(e.session.LastActiveAt) > m.idleTimeout
}

// expire must be called with e.mu held.
func (m *SessionManager) expire(ctx context.Context, e *sessionEntry) {
	id := e.session.ID
	e.removed = true
	m.mu.Lock()
	if m.sessions[id] == e {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.expired.SetDefault(id, struct{}{})
	logger.Debug("Session %s expired after %v idle", id, m.idleTimeout)
	m.record(ctx, domain.SessionEvent{SessionID: id, State: domain.SessionExpired, At: m.now()})
}

func (m *SessionManager) record(ctx context.Context, event domain.SessionEvent) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Record(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("Session mirror: %v", err)
	}
}

func (m *SessionManager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

func copySession(s domain.Session) domain.Session {
	s.History = slices.Clone(s.History)
	for i := range s.History {
		s.History[i].Sources = slices.Clone(s.History[i].Sources)
	}
	return s
}
