package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/core/services"
)

type mockChatService struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	err      error
	models   *domain.ModelList
}

func (m *mockChatService) record(req domain.ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}

func (m *mockChatService) Requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.requests...)
}

func (m *mockChatService) result(req domain.ChatRequest) *domain.GenerationResult {
	res := &domain.GenerationResult{
		Answer:    "answer to " + req.Text(),
		ModelUsed: "test-model",
		Mode:      req.Mode(),
		Duration:  15 * time.Millisecond,
	}
	if req.Mode() == domain.ModeRAG {
		res.Sources = []domain.CitedSource{{DocumentID: "doc1", Title: "Capitals", Source: "/docs/capitals.txt"}}
	}
	return res
}

func (m *mockChatService) Chat(_ context.Context, req domain.ChatRequest) (*domain.GenerationResult, error) {
	m.record(req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result(req), nil
}

func (m *mockChatService) ChatStream(_ context.Context, req domain.ChatRequest, onDelta func(string) error) (*domain.GenerationResult, error) {
	m.record(req)
	if m.err != nil {
		return nil, m.err
	}
	res := m.result(req)
	for _, piece := range strings.SplitAfter(res.Answer, " ") {
		if err := onDelta(piece); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (m *mockChatService) Models(context.Context) (*domain.ModelList, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.models != nil {
		return m.models, nil
	}
	return &domain.ModelList{Default: "llama3", Available: []string{"llama3", "mistral"}}, nil
}

type mockIngestionService struct {
	mu       sync.Mutex
	requests []driving.IngestRequest
	deleted  []string
	docs     map[string]*domain.Document
}

func newMockIngestion() *mockIngestionService {
	return &mockIngestionService{docs: make(map[string]*domain.Document)}
}

func (m *mockIngestionService) Ingest(_ context.Context, req driving.IngestRequest) (*driving.IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	switch {
	case strings.TrimSpace(req.Text) == "":
		return nil, domain.InPhase(domain.PhaseIngest, domain.ErrEmptyDocument)
	case strings.Contains(req.Text, "FAIL"):
		return nil, domain.InPhase(domain.PhaseIngest, domain.ErrEmbeddingUnavailable)
	}
	id := req.ID
	if id == "" {
		id = domain.DocumentIDFor(req.Source, req.Text)
	}
	m.docs[id] = &domain.Document{ID: id, Source: req.Source, Title: req.Title, Content: req.Text, Metadata: req.Metadata}
	res := &driving.IngestResult{DocumentID: id, Chunks: 2, Duration: 3 * time.Millisecond}
	if strings.Contains(req.Text, "WARN") {
		res.Warnings = []string{"keyword index unavailable"}
	}
	return res, nil
}

func (m *mockIngestionService) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return domain.ErrInvalidInput
	}
	m.deleted = append(m.deleted, id)
	delete(m.docs, id)
	return nil
}

func (m *mockIngestionService) Get(_ context.Context, id string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (m *mockIngestionService) List(context.Context) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (m *mockIngestionService) Requests() []driving.IngestRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driving.IngestRequest(nil), m.requests...)
}

type mockSearchService struct {
	result *domain.RerankResult
	err    error
	query  string
	k      int
}

func (m *mockSearchService) Search(_ context.Context, query string, k int, _ domain.Filters) (*domain.RerankResult, error) {
	m.query, m.k = query, k
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

var errBoom = errors.New("boom")

// testServices installs mocks for the duration of a test.
type testServices struct {
	chat      *mockChatService
	ingestion *mockIngestionService
	search    *mockSearchService
	sessions  *services.SessionManager
}

func setupTestServices(t *testing.T) *testServices {
	t.Helper()
	ts := &testServices{
		chat:      &mockChatService{},
		ingestion: newMockIngestion(),
		search: &mockSearchService{result: &domain.RerankResult{Candidates: []domain.Candidate{
			{Rank: 1, Score: 0.91, Origin: domain.OriginVector, Chunk: domain.Chunk{
				ID: "c1", DocumentID: "doc1", Content: "Paris is the capital of France.",
				Metadata: map[string]any{domain.MetaTitle: "Capitals"},
			}},
		}}},
		sessions: services.NewSessionManager(services.WithSweepInterval(0)),
	}
	SetServices(&Services{
		Chat:      ts.chat,
		Ingestion: ts.ingestion,
		Sessions:  ts.sessions,
		Search:    ts.search,
	})
	resetFlags()
	t.Cleanup(func() {
		_ = ts.sessions.Close()
		SetServices(nil)
		resetFlags()
	})
	return ts
}

// resetFlags restores flag variables that persist between executions of
// the shared root command.
func resetFlags() {
	bootstrap = nil
	configPath, verbose = "", false
	ingestID, ingestTitle, ingestWatch, deletePath = "", "", false, false
	chatModel, chatTopK, chatFilters = "", 0, map[string]string{}
	chatRAG, chatLoad, chatWatch, askJSON = true, nil, false, false
	searchLimit, searchJSON, searchFilters = 10, false, map[string]string{}
	documentContent = false
}

// execute runs the root command with args and returns everything printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}
