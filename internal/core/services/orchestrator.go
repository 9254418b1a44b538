package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure ChatService implements the interface.
var _ driving.ChatService = (*ChatService)(nil)

// Orchestrator defaults.
const (
	DefaultCandidatePool     = 30
	DefaultMaxMessage        = 8000
	DefaultGenerationTimeout = 2 * time.Minute
)

// ChatService drives one request through session load, retrieval,
// re-ranking, context assembly and generation.
type ChatService struct {
	llm       driven.LLMService
	sessions  driving.SessionManager
	retriever driving.Retriever
	reranker  driving.Reranker
	assembler driving.ContextAssembler
	prompts   driven.PromptStore

	topK          int
	candidatePool int
	maxMessage    int
	policy        domain.FailurePolicy
	genTimeout    time.Duration
	maxTokens     int
	temperature   float64
	models        []string
}

// ChatOption configures the chat service.
type ChatOption func(*ChatService)

// WithRAG enables retrieval. Without it RAG requests are rejected.
func WithRAG(retriever driving.Retriever, reranker driving.Reranker) ChatOption {
	return func(s *ChatService) {
		s.retriever = retriever
		s.reranker = reranker
	}
}

// WithRetrievalLimits sets the default passage count and the candidate
// pool handed to the re-ranker.
func WithRetrievalLimits(topK, candidatePool int) ChatOption {
	return func(s *ChatService) {
		if topK > 0 {
			s.topK = topK
		}
		if candidatePool > 0 {
			s.candidatePool = candidatePool
		}
	}
}

// WithFailurePolicy decides whether a failed retrieval aborts the request.
func WithFailurePolicy(p domain.FailurePolicy) ChatOption {
	return func(s *ChatService) {
		if p.IsValid() {
			s.policy = p
		}
	}
}

// WithMaxMessage bounds the user message in runes.
func WithMaxMessage(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxMessage = n
		}
	}
}

// WithGeneration sets the generation timeout and sampling options.
func WithGeneration(timeout time.Duration, maxTokens int, temperature float64) ChatOption {
	return func(s *ChatService) {
		if timeout > 0 {
			s.genTimeout = timeout
		}
		s.maxTokens = maxTokens
		s.temperature = temperature
	}
}

// WithModels lists configured models offered for direct chat.
func WithModels(models []string) ChatOption {
	return func(s *ChatService) {
		s.models = slices.Clone(models)
	}
}

// NewChatService creates the orchestrator.
func NewChatService(
	llm driven.LLMService,
	sessions driving.SessionManager,
	assembler driving.ContextAssembler,
	prompts driven.PromptStore,
	opts ...ChatOption,
) *ChatService {
	s := &ChatService{
		llm:           llm,
		sessions:      sessions,
		assembler:     assembler,
		prompts:       prompts,
		topK:          DefaultTopK,
		candidatePool: DefaultCandidatePool,
		maxMessage:    DefaultMaxMessage,
		policy:        domain.FailurePolicyDegrade,
		genTimeout:    DefaultGenerationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chat handles one request and returns the complete answer.
func (s *ChatService) Chat(ctx context.Context, req domain.ChatRequest) (*domain.GenerationResult, error) {
	return s.handle(ctx, req, nil)
}

// ChatStream handles one request, passing output to onDelta as it arrives.
// When generation fails part way the result holds the partial answer,
// marked Incomplete, alongside the error.
func (s *ChatService) ChatStream(
	ctx context.Context,
	req domain.ChatRequest,
	onDelta func(string) error,
) (*domain.GenerationResult, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return s.handle(ctx, req, onDelta)
}

// Models lists the models available for direct chat: the provider's list
// merged with configured names. A provider listing failure falls back to
// the configured names when there are any.
func (s *ChatService) Models(ctx context.Context) (*domain.ModelList, error) {
	out := &domain.ModelList{Default: s.llm.ModelName()}
	listed, err := s.llm.ListModels(ctx)
	if err != nil {
		if len(s.models) == 0 {
			return nil, fmt.Errorf("list models: %w", err)
		}
		logger.Warn("Listing models failed, using configured list: %v", err)
	}
	names := append(slices.Clone(s.models), listed...)
	names = append(names, out.Default)
	slices.Sort(names)
	out.Available = slices.Compact(names)
	return out, nil
}

// request is the state carried between phases.
type request struct {
	mode      domain.ChatMode
	message   string
	model     string
	sessionID string
	history   []domain.Turn
	result    *domain.GenerationResult
}

func (s *ChatService) handle(ctx context.Context, req domain.ChatRequest, onDelta func(string) error) (*domain.GenerationResult, error) {
	start := time.Now()
	if req == nil {
		return nil, domain.InPhase(domain.PhaseValidate, fmt.Errorf("nil request: %w", domain.ErrInvalidInput))
	}

	ctx, span := spans.Start(ctx, "chat", trace.WithAttributes(attribute.String("mode", string(req.Mode()))))
	defer span.End()

	r := &request{
		mode:    req.Mode(),
		message: strings.TrimSpace(req.Text()),
		model:   req.ModelOverride(),
		result:  &domain.GenerationResult{Mode: req.Mode()},
	}
	logger.Section("Chat")
	logger.Debug("Mode: %s", r.mode)

	if err := s.validate(r); err != nil {
		span.RecordError(err)
		return nil, domain.InPhase(domain.PhaseValidate, err)
	}

	var messages []driven.ChatMessage
	switch req := req.(type) {
	case domain.DirectRequest:
		messages = []driven.ChatMessage{{Role: driven.RoleUser, Content: r.message}}

	case domain.SessionRequest:
		if err := s.loadSession(ctx, r, req.SessionID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		prompt, err := s.assemble(r, nil)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		messages = toMessages(prompt)

	case domain.RagRequest:
		if req.SessionID != "" {
			if err := s.loadSession(ctx, r, req.SessionID); err != nil {
				span.RecordError(err)
				return nil, err
			}
		}
		candidates, err := s.retrieve(ctx, r, req)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		prompt, err := s.assemble(r, candidates)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		r.result.Sources = prompt.Sources
		messages = toMessages(prompt)

	default:
		return nil, domain.InPhase(domain.PhaseValidate, fmt.Errorf("unknown request type %T: %w", req, domain.ErrInvalidInput))
	}

	genErr := s.generate(ctx, r, messages, onDelta)
	if genErr != nil {
		span.RecordError(genErr)
	}

	if r.sessionID != "" && (genErr == nil || r.result.Answer != "") {
		if err := s.record(ctx, r); err != nil && genErr == nil {
			r.result.Duration = time.Since(start)
			return r.result, domain.InPhase(domain.PhaseSession, err)
		}
	}

	r.result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("model", r.result.ModelUsed),
		attribute.Int("sources", len(r.result.Sources)),
		attribute.Bool("degraded", r.result.Degraded),
		attribute.Bool("incomplete", r.result.Incomplete),
	)
	logger.Debug("[Performance] total: %v", r.result.Duration)
	return r.result, genErr
}

func (s *ChatService) validate(r *request) error {
	if r.message == "" {
		return domain.ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(r.message); n > s.maxMessage {
		return fmt.Errorf("%d characters, limit %d: %w", n, s.maxMessage, domain.ErrMessageTooLarge)
	}
	return nil
}

func (s *ChatService) loadSession(ctx context.Context, r *request, id string) error {
	history, err := s.sessions.History(ctx, id)
	if err != nil {
		return domain.InPhase(domain.PhaseSession, err)
	}
	r.sessionID = id
	r.history = history
	r.result.SessionID = id
	return nil
}

// retrieve runs retrieval and re-ranking. Embedding failures and fatal
// index errors abort. Other retrieval failures abort only under the fatal
// policy; otherwise the answer proceeds without passages.
func (s *ChatService) retrieve(ctx context.Context, r *request, req domain.RagRequest) ([]domain.Candidate, error) {
	if s.retriever == nil {
		return nil, domain.InPhase(domain.PhaseRetrieval, fmt.Errorf("retrieval is not configured: %w", domain.ErrNotImplemented))
	}

	topK := s.topK
	if req.TopK > 0 {
		topK = req.TopK
	}
	pool := max(s.candidatePool, topK)

	start := time.Now()
	retrieved, err := s.retriever.Retrieve(ctx, r.message, pool, req.Filters)
	logger.Debug("[Performance] retrieval: %v", time.Since(start))
	if err != nil {
		if ctx.Err() != nil || s.policy == domain.FailurePolicyFatal ||
			errors.Is(err, domain.ErrEmbeddingUnavailable) || domain.KindOf(err) == domain.KindFatal {
			return nil, domain.InPhase(domain.PhaseRetrieval, err)
		}
		s.degrade(r, fmt.Sprintf("retrieval failed, answering without passages: %v", err))
		return nil, nil
	}
	if retrieved.Degraded {
		r.result.Degraded = true
		r.result.Warnings = append(r.result.Warnings, retrieved.Warnings...)
	}
	logger.Debug("Retrieved %d candidate(s)", len(retrieved.Candidates))

	candidates := retrieved.Candidates
	if s.reranker != nil && len(candidates) > 0 {
		start = time.Now()
		reranked := s.reranker.Rerank(ctx, r.message, candidates)
		logger.Debug("[Performance] rerank: %v", time.Since(start))
		if reranked.Degraded {
			r.result.Degraded = true
			r.result.Warnings = append(r.result.Warnings, reranked.Warning)
		}
		candidates = reranked.Candidates
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *ChatService) degrade(r *request, warning string) {
	logger.Warn("Chat degraded: %s", warning)
	r.result.Degraded = true
	r.result.Warnings = append(r.result.Warnings, warning)
}

// assemble picks the system prompt by whether passages survived retrieval:
// a RAG request with no candidates is answered like a plain conversation.
func (s *ChatService) assemble(r *request, candidates []domain.Candidate) (*domain.AssembledPrompt, error) {
	name := driven.PromptChatSystem
	if len(candidates) > 0 {
		name = driven.PromptRAGSystem
	}
	system := s.systemPrompt(name)

	prompt, err := s.assembler.Assemble(domain.AssembleInput{
		SystemPrompt: system,
		History:      r.history,
		Candidates:   candidates,
		Message:      r.message,
	})
	if err != nil {
		return nil, domain.InPhase(domain.PhaseAssembly, err)
	}
	if prompt.DroppedTurns > 0 || prompt.DroppedPassages > 0 {
		logger.Debug("Context budget dropped %d turn(s) and %d passage(s)", prompt.DroppedTurns, prompt.DroppedPassages)
	}
	return prompt, nil
}

func (s *ChatService) systemPrompt(name string) string {
	if s.prompts == nil {
		return ""
	}
	p, err := s.prompts.Load(name)
	if err != nil {
		logger.Warn("Loading prompt %q: %v", name, err)
		return ""
	}
	return p
}

// generate calls the model. On failure the partial text is kept in the
// result and marked incomplete.
func (s *ChatService) generate(ctx context.Context, r *request, messages []driven.ChatMessage, onDelta func(string) error) error {
	ctx, span := spans.Start(ctx, "generate")
	defer span.End()

	genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()

	opts := driven.ChatOptions{Model: r.model, MaxTokens: s.maxTokens, Temperature: s.temperature}
	start := time.Now()
	var (
		resp driven.ChatResponse
		err  error
	)
	if onDelta != nil {
		resp, err = s.llm.ChatStream(genCtx, messages, opts, onDelta)
	} else {
		resp, err = s.llm.Chat(genCtx, messages, opts)
	}
	logger.Debug("[Performance] generation: %v", time.Since(start))

	r.result.Answer = resp.Text
	r.result.ModelUsed = resp.Model
	if r.result.ModelUsed == "" {
		r.result.ModelUsed = r.model
	}
	if r.result.ModelUsed == "" {
		r.result.ModelUsed = s.llm.ModelName()
	}
	if err == nil {
		return nil
	}

	span.RecordError(err)
	r.result.Incomplete = true
	logger.Warn("Generation failed after %d character(s): %v", utf8.RuneCountInString(resp.Text), err)
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %v: %w", s.genTimeout, err)
	}
	if !errors.Is(err, domain.ErrGenerationFailed) {
		err = fmt.Errorf("%w: %w", domain.ErrGenerationFailed, err)
	}
	return domain.InPhase(domain.PhaseGeneration, err)
}

// record appends the user turn and the reply in one step.
func (s *ChatService) record(ctx context.Context, r *request) error {
	sources := make([]string, len(r.result.Sources))
	for i, src := range r.result.Sources {
		sources[i] = src.DocumentID
	}
	now := time.Now()
	return s.sessions.Append(context.WithoutCancel(ctx), r.sessionID,
		domain.Turn{Role: domain.RoleUser, Content: r.message, Timestamp: now},
		domain.Turn{
			Role:       domain.RoleAssistant,
			Content:    r.result.Answer,
			Sources:    sources,
			Timestamp:  now,
			Incomplete: r.result.Incomplete,
		},
	)
}

func toMessages(p *domain.AssembledPrompt) []driven.ChatMessage {
	messages := make([]driven.ChatMessage, 0, len(p.History)+2)
	if p.System != "" {
		messages = append(messages, driven.ChatMessage{Role: driven.RoleSystem, Content: p.System})
	}
	for _, t := range p.History {
		messages = append(messages, driven.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return append(messages, driven.ChatMessage{Role: driven.RoleUser, Content: p.User})
}
