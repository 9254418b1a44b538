package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// SessionMirror receives a copy of every session change for audit.
// The session manager never reads from it.
type SessionMirror interface {
	// Record stores one session event.
	Record(ctx context.Context, event domain.SessionEvent) error
}
