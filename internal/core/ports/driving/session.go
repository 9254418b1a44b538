package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// SessionManager owns conversational state.
type SessionManager interface {
	// Create starts an empty session.
	Create(ctx context.Context) (*domain.Session, error)

	// Get returns a copy of the session.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// History returns the retained turns in insertion order.
	History(ctx context.Context, id string) ([]domain.Turn, error)

	// Append adds turns atomically, in order, and refreshes lastActiveAt.
	Append(ctx context.Context, id string, turns ...domain.Turn) error

	// Info returns turn count and timestamps.
	Info(ctx context.Context, id string) (*domain.SessionInfo, error)

	// Delete removes the session. Unknown ids are a no-op.
	Delete(ctx context.Context, id string) error

	// Sweep expires idle sessions and returns how many expired.
	Sweep(ctx context.Context) int

	// Close stops the background sweeper and discards all sessions.
	Close() error
}
