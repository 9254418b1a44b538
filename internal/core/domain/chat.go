package domain

import (
	"strings"
	"time"
)

// ChatMode names the request variant.
type ChatMode string

// Request modes.
const (
	ModeDirect  ChatMode = "direct"
	ModeSession ChatMode = "session"
	ModeRAG     ChatMode = "rag"
)

// ChatRequest is a closed set of request variants: DirectRequest,
// SessionRequest and RagRequest. Only types in this package implement it.
type ChatRequest interface {
	Mode() ChatMode
	Text() string
	ModelOverride() string
	chatRequest()
}

// DirectRequest sends the message straight to the generator.
// No session is read or written and no retrieval is performed.
type DirectRequest struct {
	Message string
	Model   string
}

// SessionRequest continues a conversation without retrieval.
type SessionRequest struct {
	SessionID string
	Message   string
	Model     string
}

// RagRequest retrieves passages before generating. SessionID is optional;
// without it the answer is stateless.
type RagRequest struct {
	SessionID string
	Message   string
	Model     string
	TopK      int
	Filters   Filters
}

func (DirectRequest) Mode() ChatMode  { return ModeDirect }
func (SessionRequest) Mode() ChatMode { return ModeSession }
func (RagRequest) Mode() ChatMode     { return ModeRAG }

func (r DirectRequest) Text() string  { return r.Message }
func (r SessionRequest) Text() string { return r.Message }
func (r RagRequest) Text() string     { return r.Message }

func (r DirectRequest) ModelOverride() string  { return r.Model }
func (r SessionRequest) ModelOverride() string { return r.Model }
func (r RagRequest) ModelOverride() string     { return r.Model }

func (DirectRequest) chatRequest()  {}
func (SessionRequest) chatRequest() {}
func (RagRequest) chatRequest()     {}

// RawChatRequest is the flag-based shape used by the API layer.
type RawChatRequest struct {
	SessionID string
	Message   string
	UseRAG    bool
	Direct    bool
	Model     string
	TopK      int
	Filters   Filters
}

// ParseChatRequest resolves API flags into exactly one request variant.
// Setting both Direct and UseRAG is rejected with ErrConflictingModes.
// Direct requests ignore SessionID. Without a session and without RAG the
// request is direct.
func ParseChatRequest(raw RawChatRequest) (ChatRequest, error) {
	if raw.Direct && raw.UseRAG {
		return nil, ErrConflictingModes
	}
	sessionID := strings.TrimSpace(raw.SessionID)
	switch {
	case raw.Direct:
		return DirectRequest{Message: raw.Message, Model: raw.Model}, nil
	case raw.UseRAG:
		return RagRequest{
			SessionID: sessionID,
			Message:   raw.Message,
			Model:     raw.Model,
			TopK:      raw.TopK,
			Filters:   raw.Filters,
		}, nil
	case sessionID != "":
		return SessionRequest{SessionID: sessionID, Message: raw.Message, Model: raw.Model}, nil
	default:
		return DirectRequest{Message: raw.Message, Model: raw.Model}, nil
	}
}

// GenerationResult is the answer returned to the caller.
type GenerationResult struct {
	Answer    string
	Sources   []CitedSource
	ModelUsed string
	SessionID string
	Mode      ChatMode

	// Incomplete is set when generation failed after output was produced.
	Incomplete bool

	// Degraded is set when retrieval or re-ranking fell back.
	Degraded bool
	Warnings []string

	Duration time.Duration
}

// ModelList is the response for model discovery.
type ModelList struct {
	Default   string
	Available []string
}
