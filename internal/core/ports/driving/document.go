package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// IngestionService runs the ingestion path: chunk, embed, index.
type IngestionService interface {
	// Ingest indexes a document, replacing any earlier version with the
	// same id. Concurrent ingestion of one id is serialised.
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)

	// Delete removes a document and all of its chunks. Idempotent.
	Delete(ctx context.Context, documentID string) error

	// Get retrieves stored document metadata.
	Get(ctx context.Context, documentID string) (*domain.Document, error)

	// List returns all stored documents.
	List(ctx context.Context) ([]domain.Document, error)
}

// IngestRequest is a document with already extracted text.
// An empty ID is derived from Source, or from the text when Source is empty.
type IngestRequest struct {
	ID       string
	Source   string
	Title    string
	Text     string
	Metadata map[string]any
}

// IngestResult reports what was indexed.
type IngestResult struct {
	DocumentID string
	Chunks     int
	Duration   time.Duration

	// Warnings lists non-fatal problems, e.g. a keyword index failure.
	Warnings []string
}
