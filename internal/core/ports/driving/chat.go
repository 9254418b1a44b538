package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// ChatService is the generation orchestrator.
type ChatService interface {
	// Chat handles one request and returns the complete answer.
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.GenerationResult, error)

	// ChatStream handles one request and calls onDelta as output arrives.
	// On generation failure the result is still returned, marked Incomplete.
	ChatStream(ctx context.Context, req domain.ChatRequest, onDelta func(string) error) (*domain.GenerationResult, error)

	// Models lists the models available for direct chat.
	Models(ctx context.Context) (*domain.ModelList, error)
}

// ContextAssembler builds a bounded prompt from history, passages and the
// new message.
type ContextAssembler interface {
	// Assemble fails with domain.ErrContextBudget when the system prompt and
	// message alone exceed the budget.
	Assemble(in domain.AssembleInput) (*domain.AssembledPrompt, error)
}
