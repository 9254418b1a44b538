package services

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

const testDims = 16

// hashEmbedder is a deterministic bag-of-words embedding service.
type hashEmbedder struct {
	mu    sync.Mutex
	calls atomic.Int32
	// errs are returned by successive calls before succeeding.
	errs []error
	// override forces every vector to this one.
	override []float32
	// batchSizes records the size of each EmbedBatch call.
	batchSizes []int
}

func (h *hashEmbedder) next() error {
	h.calls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := h.next(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if err := h.next(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.batchSizes = append(h.batchSizes, len(texts))
	h.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *hashEmbedder) vector(text string) []float32 {
	if h.override != nil {
		return append([]float32(nil), h.override...)
	}
	v := make([]float32, testDims)
	for _, tok := range domain.Tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[f.Sum32()%testDims]++
	}
	v[testDims-1] += 0.01
	return v
}

func (h *hashEmbedder) Dimensions() int              { return testDims }
func (h *hashEmbedder) ModelName() string            { return "hash" }
func (h *hashEmbedder) Ping(_ context.Context) error { return nil }
func (h *hashEmbedder) Close() error                 { return nil }

// fakeLLM answers with a fixed reply, optionally streamed in pieces.
type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	pieces   []string
	err      error
	model    string
	models   []string
	listErr  error
	calls    int
	messages [][]driven.ChatMessage
	opts     []driven.ChatOptions
}

func (f *fakeLLM) record(messages []driven.ChatMessage, opts driven.ChatOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, messages)
	f.opts = append(f.opts, opts)
}

func (f *fakeLLM) Chat(_ context.Context, messages []driven.ChatMessage, opts driven.ChatOptions) (driven.ChatResponse, error) {
	f.record(messages, opts)
	model := opts.Model
	if model == "" {
		model = f.ModelName()
	}
	if f.err != nil {
		return driven.ChatResponse{Model: model, Text: strings.Join(f.pieces, "")}, f.err
	}
	return driven.ChatResponse{Text: f.reply, Model: model}, nil
}

func (f *fakeLLM) ChatStream(
	_ context.Context,
	messages []driven.ChatMessage,
	opts driven.ChatOptions,
	onDelta func(string) error,
) (driven.ChatResponse, error) {
	f.record(messages, opts)
	model := opts.Model
	if model == "" {
		model = f.ModelName()
	}
	var text strings.Builder
	for _, p := range f.pieces {
		text.WriteString(p)
		if err := onDelta(p); err != nil {
			return driven.ChatResponse{Text: text.String(), Model: model}, err
		}
	}
	return driven.ChatResponse{Text: text.String(), Model: model}, f.err
}

func (f *fakeLLM) ListModels(_ context.Context) ([]string, error) { return f.models, f.listErr }

func (f *fakeLLM) ModelName() string {
	if f.model == "" {
		return "test-model"
	}
	return f.model
}

func (f *fakeLLM) Ping(_ context.Context) error { return nil }
func (f *fakeLLM) Close() error                 { return nil }

func (f *fakeLLM) last() []driven.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return f.messages[len(f.messages)-1]
}

// staticPrompts serves the prompt name as its own text.
type staticPrompts struct{}

func (staticPrompts) Load(name string) (string, error) { return "SYSTEM:" + name, nil }
func (staticPrompts) Reload()                          {}

// recordingMirror keeps every session event.
type recordingMirror struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (m *recordingMirror) Record(_ context.Context, e domain.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// recordingEvents keeps every published event.
type recordingEvents struct {
	mu     sync.Mutex
	events []driven.IndexEvent
	err    error
}

func (r *recordingEvents) Publish(_ context.Context, e driven.IndexEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingEvents) Close() error { return nil }

// failingVectors fails every search.
type failingVectors struct {
	driven.VectorIndex
	err error
}

func (f failingVectors) Search(context.Context, []float32, int, domain.Filters) ([]domain.Candidate, error) {
	return nil, f.err
}

// failingKeywords fails every call.
type failingKeywords struct {
	err error
}

func (f failingKeywords) Index(context.Context, string, []domain.Chunk) error { return f.err }
func (f failingKeywords) Delete(context.Context, string) error                { return f.err }
func (f failingKeywords) Search(context.Context, string, int, domain.Filters) ([]domain.Candidate, error) {
	return nil, f.err
}
func (f failingKeywords) Close() error { return nil }

// stubScorer returns fixed scores or an error.
type stubScorer struct {
	scores []float64
	err    error
	calls  int
}

func (s *stubScorer) Name() string { return "stub" }

func (s *stubScorer) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.scores[:len(passages)], nil
}

func candidate(id, doc string, ordinal int, score float64, content string) domain.Candidate {
	return domain.Candidate{
		Chunk: domain.Chunk{
			ID:         id,
			DocumentID: doc,
			Ordinal:    ordinal,
			Content:    content,
			Metadata:   map[string]any{domain.MetaTitle: "title " + doc, domain.MetaSource: doc + ".txt"},
		},
		Score: score,
	}
}
