package domain

import "time"

// Role identifies the author of a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role
	Content   string
	Sources   []string
	Timestamp time.Time

	// Incomplete marks an assistant turn whose generation failed part way.
	Incomplete bool
}

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states.
const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionDeleted SessionState = "deleted"
)

// Session is per-conversation state. History is append-only.
type Session struct {
	ID           string
	History      []Turn
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SessionInfo summarises a session without copying its history.
type SessionInfo struct {
	ID           string
	TurnCount    int
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Info returns the summary view of the session.
func (s Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		TurnCount:    len(s.History),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

// SessionEvent is mirrored to the audit store.
type SessionEvent struct {
	SessionID string
	State     SessionState
	Turn      *Turn
	At        time.Time
}
