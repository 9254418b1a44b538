package driven

import "context"

// LLMService generates answers from a message list.
//
// Implementations may include:
//   - OpenAI and OpenAI-compatible servers
//   - Anthropic (Claude)
//   - Ollama (local models)
type LLMService interface {
	// Chat conducts a multi-turn conversation and returns the full reply.
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResponse, error)

	// ChatStream conducts a conversation and calls onDelta for each piece of
	// output as it arrives. On failure the returned response holds whatever
	// text was produced before the error.
	ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions, onDelta func(string) error) (ChatResponse, error)

	// ListModels returns the models the provider can serve.
	ListModels(ctx context.Context) ([]string, error)

	// ModelName returns the default model.
	ModelName() string

	// Ping validates the service is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a single message in a conversation.
type ChatMessage struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// ChatOptions configures chat behaviour.
type ChatOptions struct {
	// Model overrides the default model when set.
	Model string

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int

	// Temperature controls randomness (0.0 = deterministic, 1.0 = creative).
	Temperature float64
}

// ChatResponse is the generated reply.
type ChatResponse struct {
	Text  string
	Model string
}
