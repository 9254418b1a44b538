// Package openai provides an LLM service adapter for the OpenAI API and
// OpenAI-compatible servers.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/provider"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure LLMService implements the interface.
var _ driven.LLMService = (*LLMService)(nil)

// Default configuration values.
const (
	DefaultLLMModel   = "gpt-4o-mini"
	DefaultLLMTimeout = 120 * time.Second
)

const service = "openai chat"

// LLMConfig holds configuration for the OpenAI LLM service.
type LLMConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// BaseURL overrides the API base URL for Azure or compatible servers.
	BaseURL string

	// Model is the LLM model to use (default: gpt-4o-mini).
	Model string

	// Timeout is the HTTP client timeout (default: 120s).
	Timeout time.Duration
}

// LLMService provides LLM operations using go-openai.
type LLMService struct {
	client *goopenai.Client
	model  string
}

// NewLLMService creates a new OpenAI LLM service.
func NewLLMService(cfg LLMConfig) (*LLMService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required: %w", domain.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultLLMModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultLLMTimeout
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &LLMService{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

func (s *LLMService) request(messages []driven.ChatMessage, opts driven.ChatOptions) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    s.model,
		Messages: make([]goopenai.ChatCompletionMessage, len(messages)),
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	for i, msg := range messages {
		req.Messages[i] = goopenai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	return req
}

// Chat conducts a multi-turn conversation.
func (s *LLMService) Chat(ctx context.Context, messages []driven.ChatMessage, opts driven.ChatOptions) (driven.ChatResponse, error) {
	req := s.request(messages, opts)
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return driven.ChatResponse{Model: req.Model}, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return driven.ChatResponse{Model: req.Model}, fmt.Errorf("%s: no choices returned: %w", service, domain.ErrGenerationFailed)
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return driven.ChatResponse{Text: resp.Choices[0].Message.Content, Model: model}, nil
}

// ChatStream streams the reply through onDelta. Text received before a
// failure is returned alongside the error.
func (s *LLMService) ChatStream(
	ctx context.Context,
	messages []driven.ChatMessage,
	opts driven.ChatOptions,
	onDelta func(string) error,
) (driven.ChatResponse, error) {
	req := s.request(messages, opts)
	req.Stream = true
	out := driven.ChatResponse{Model: req.Model}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return out, classify(ctx, err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Text = text.String()
			return out, fmt.Errorf("%s: stream interrupted: %w: %v", service, domain.ErrGenerationFailed, classify(ctx, err))
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		text.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				out.Text = text.String()
				return out, err
			}
		}
	}
	out.Text = text.String()
	return out, nil
}

// ListModels returns the model IDs reported by /models, sorted.
func (s *LLMService) ListModels(ctx context.Context) ([]string, error) {
	list, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ModelName returns the name of the LLM model being used.
func (s *LLMService) ModelName() string {
	return s.model
}

// Ping validates the API key through the /models endpoint without running inference.
func (s *LLMService) Ping(ctx context.Context) error {
	_, err := s.ListModels(ctx)
	return err
}

// Close releases resources.
func (s *LLMService) Close() error {
	return nil
}

func classify(ctx context.Context, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return provider.StatusError(service, apiErr.HTTPStatusCode, apiErr.Message, domain.ErrLLMUnavailable)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return provider.StatusError(service, reqErr.HTTPStatusCode, string(reqErr.Body), domain.ErrLLMUnavailable)
	}
	return provider.TransportError(ctx, service, err, domain.ErrLLMUnavailable)
}
