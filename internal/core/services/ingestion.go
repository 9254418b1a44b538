package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure IngestionService implements the interface.
var _ driving.IngestionService = (*IngestionService)(nil)

// DefaultMimeType is assumed for documents that do not declare one.
const DefaultMimeType = "text/plain"

// DocumentEmbedder turns chunk texts into vectors, one per text, in order.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// IngestionService chunks, embeds and indexes documents. Work on one
// document id is serialised; different ids proceed concurrently.
type IngestionService struct {
	pipeline driven.PostProcessorPipeline
	embedder DocumentEmbedder
	vectors  driven.VectorIndex
	keywords driven.SearchEngine
	docStore driven.DocumentStore
	events   driven.EventPublisher

	locks keyedMutex
	now   func() time.Time
}

// NewIngestionService creates the service. keywords and events may be nil.
func NewIngestionService(
	pipeline driven.PostProcessorPipeline,
	embedder DocumentEmbedder,
	vectors driven.VectorIndex,
	keywords driven.SearchEngine,
	docStore driven.DocumentStore,
	events driven.EventPublisher,
) *IngestionService {
	return &IngestionService{
		pipeline: pipeline,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		docStore: docStore,
		events:   events,
		now:      time.Now,
	}
}

// Ingest indexes a document, replacing any earlier version with the same id.
//
// The vector index write is the commit point: a failure there fails the
// ingestion. Keyword indexing and event publishing failures are reported
// as warnings.
func (s *IngestionService) Ingest(ctx context.Context, req driving.IngestRequest) (*driving.IngestResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.InPhase(domain.PhaseIngest, domain.ErrEmptyDocument)
	}
	doc := s.document(req)

	ctx, span := spans.Start(ctx, "ingest")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", doc.ID))

	unlock := s.locks.lock(doc.ID)
	defer unlock()

	logger.Section("Ingest")
	logger.Debug("Document %s (%s), %d characters", doc.ID, doc.Source, len(doc.Content))
	result := &driving.IngestResult{DocumentID: doc.ID}

	// 1. CHUNK
	chunks, err := s.pipeline.Process(ctx, doc)
	if err != nil {
		span.RecordError(err)
		return nil, domain.InPhase(domain.PhaseIngest, fmt.Errorf("chunk: %w", err))
	}
	if len(chunks) == 0 {
		return nil, domain.InPhase(domain.PhaseIngest, domain.ErrEmptyDocument)
	}

	// 2. EMBED
	embedStart := time.Now()
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, domain.InPhase(domain.PhaseIngest, fmt.Errorf("embed: %w", err))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	logger.Debug("[Performance] embedded %d chunk(s): %v", len(chunks), time.Since(embedStart))

	// 3. VECTOR INDEX (replace)
	if err := s.vectors.Upsert(ctx, doc.ID, chunks); err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrPartialUpsert) {
			logger.Warn("Document %s partially indexed on %s: %v", doc.ID, s.vectors.Name(), err)
		}
		return nil, domain.InPhase(domain.PhaseIngest, fmt.Errorf("vector upsert: %w", err))
	}

	// 4. KEYWORD INDEX
	if s.keywords != nil {
		if err := s.keywords.Index(ctx, doc.ID, chunks); err != nil {
			s.warn(result, fmt.Sprintf("keyword index: %v", err))
			// The previous version's keyword entries must not outlive it.
			if err := s.keywords.Delete(ctx, doc.ID); err != nil {
				s.warn(result, fmt.Sprintf("keyword cleanup: %v", err))
			}
		}
	}

	// 5. DOCUMENT STORE
	if err := s.docStore.SaveDocument(ctx, doc); err != nil {
		span.RecordError(err)
		return nil, domain.InPhase(domain.PhaseIngest, fmt.Errorf("save document: %w", err))
	}

	// 6. ANNOUNCE
	s.publish(ctx, result, driven.IndexEvent{
		Type:       driven.EventDocumentIndexed,
		DocumentID: doc.ID,
		Chunks:     len(chunks),
		At:         s.now(),
	})

	result.Chunks = len(chunks)
	result.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("chunks", result.Chunks))
	logger.Info("Indexed %s: %d chunk(s) in %v", doc.ID, result.Chunks, result.Duration)
	return result, nil
}

// Delete removes a document and all of its chunks. Unknown ids are a no-op.
func (s *IngestionService) Delete(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document id: %w", domain.ErrInvalidInput)
	}
	unlock := s.locks.lock(documentID)
	defer unlock()

	if err := s.vectors.Delete(ctx, documentID); err != nil {
		return domain.InPhase(domain.PhaseIngest, fmt.Errorf("vector delete: %w", err))
	}
	if s.keywords != nil {
		if err := s.keywords.Delete(ctx, documentID); err != nil {
			logger.Warn("Keyword delete for %s: %v", documentID, err)
		}
	}
	if err := s.docStore.DeleteDocument(ctx, documentID); err != nil {
		return domain.InPhase(domain.PhaseIngest, fmt.Errorf("delete document: %w", err))
	}
	s.publish(ctx, nil, driven.IndexEvent{Type: driven.EventDocumentDeleted, DocumentID: documentID, At: s.now()})
	logger.Info("Deleted %s", documentID)
	return nil
}

// Get retrieves stored document metadata.
func (s *IngestionService) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	return s.docStore.GetDocument(ctx, documentID)
}

// List returns all stored documents.
func (s *IngestionService) List(ctx context.Context) ([]domain.Document, error) {
	return s.docStore.ListDocuments(ctx)
}

func (s *IngestionService) document(req driving.IngestRequest) *domain.Document {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = domain.DocumentIDFor(req.Source, req.Text)
	}
	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	if req.Source != "" {
		meta[domain.MetaSource] = req.Source
	}
	if req.Title != "" {
		meta[domain.MetaTitle] = req.Title
	}
	if _, ok := meta[domain.MetaMimeType]; !ok {
		meta[domain.MetaMimeType] = DefaultMimeType
	}
	now := s.now().UTC()
	meta[domain.MetaIngestedAt] = now.Format(time.RFC3339)
	return &domain.Document{
		ID:        id,
		Source:    req.Source,
		Title:     req.Title,
		Content:   req.Text,
		Metadata:  meta,
		CreatedAt: now,
	}
}

func (s *IngestionService) warn(result *driving.IngestResult, msg string) {
	logger.Warn("Ingest %s: %s", result.DocumentID, msg)
	result.Warnings = append(result.Warnings, msg)
}

func (s *IngestionService) publish(ctx context.Context, result *driving.IngestResult, event driven.IndexEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		if result != nil {
			s.warn(result, fmt.Sprintf("publish %s: %v", event.Type, err))
			return
		}
		logger.Warn("Publish %s for %s: %v", event.Type, event.DocumentID, err)
	}
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
