package driven

import (
	"context"
	"time"
)

// Index event types.
const (
	EventDocumentIndexed = "document.indexed"
	EventDocumentDeleted = "document.deleted"
)

// IndexEvent announces a change to the indexes.
type IndexEvent struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"document_id"`
	Chunks     int       `json:"chunks"`
	At         time.Time `json:"at"`
}

// EventPublisher publishes index events to a message broker.
type EventPublisher interface {
	// Publish sends one event. Failures are reported but never undo the
	// index change that caused them.
	Publish(ctx context.Context, event IndexEvent) error

	// Close releases resources.
	Close() error
}
