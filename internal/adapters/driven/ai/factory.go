// Package ai builds the embedding and generation adapters named in the
// configuration and checks that they answer.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	ollamaembed "github.com/custodia-labs/sercha-rag/internal/adapters/driven/embedding/ollama"
	openaiembed "github.com/custodia-labs/sercha-rag/internal/adapters/driven/embedding/openai"
	anthropicllm "github.com/custodia-labs/sercha-rag/internal/adapters/driven/llm/anthropic"
	ollamallm "github.com/custodia-labs/sercha-rag/internal/adapters/driven/llm/ollama"
	openaillm "github.com/custodia-labs/sercha-rag/internal/adapters/driven/llm/openai"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// pingTimeout bounds each connectivity check.
const pingTimeout = 5 * time.Second

// InitResult holds the model adapters.
type InitResult struct {
	Embedding driven.EmbeddingService
	LLM       driven.LLMService
	// Warnings lists services that were built but did not answer a ping.
	Warnings []string
}

// Close releases both services.
func (r *InitResult) Close() error {
	var errs []error
	if r.Embedding != nil {
		errs = append(errs, r.Embedding.Close())
	}
	if r.LLM != nil {
		errs = append(errs, r.LLM.Close())
	}
	return errors.Join(errs...)
}

// Init builds the embedding and generation services. A configuration the
// adapters reject is an error. A service that does not answer is only a
// warning: direct chat needs no embeddings, and a local model server may
// still be starting.
func Init(ctx context.Context, embedding config.EmbeddingConfig, generation config.GenerationConfig) (*InitResult, error) {
	embed, err := NewEmbeddingService(embedding)
	if err != nil {
		return nil, err
	}
	llm, err := NewLLMService(generation)
	if err != nil {
		_ = embed.Close()
		return nil, err
	}

	res := &InitResult{Embedding: embed, LLM: llm}
	if err := Ping(ctx, embed); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("embedding service %s: %v", embed.ModelName(), err))
	}
	if err := Ping(ctx, llm); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("generation service %s: %v", llm.ModelName(), err))
	}
	for _, w := range res.Warnings {
		logger.Warn("%s", w)
	}
	return res, nil
}

// Pinger is any adapter with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks connectivity within pingTimeout.
func Ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// NewEmbeddingService creates the configured embedding adapter. It does
// not contact the provider.
func NewEmbeddingService(cfg config.EmbeddingConfig) (driven.EmbeddingService, error) {
	switch cfg.Provider {
	case domain.AIProviderOllama:
		return ollamaembed.NewEmbeddingService(ollamaembed.Config{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout.Duration,
			Dimensions: cfg.Dimensions,
		}), nil

	case domain.AIProviderOpenAI:
		svc, err := openaiembed.NewEmbeddingService(openaiembed.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout.Duration,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		return svc, nil

	case domain.AIProviderAnthropic:
		return nil, fmt.Errorf("anthropic does not offer embeddings, use ollama or openai: %w", domain.ErrUnsupportedType)

	default:
		return nil, fmt.Errorf("embedding provider %q: %w", cfg.Provider, domain.ErrUnsupportedType)
	}
}

// NewLLMService creates the configured generation adapter. It does not
// contact the provider.
func NewLLMService(cfg config.GenerationConfig) (driven.LLMService, error) {
	switch cfg.Provider {
	case domain.AIProviderOllama:
		return ollamallm.NewLLMService(ollamallm.LLMConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Duration,
		}), nil

	case domain.AIProviderOpenAI:
		svc, err := openaillm.NewLLMService(openaillm.LLMConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return svc, nil

	case domain.AIProviderAnthropic:
		svc, err := anthropicllm.NewLLMService(anthropicllm.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return svc, nil

	default:
		return nil, fmt.Errorf("generation provider %q: %w", cfg.Provider, domain.ErrUnsupportedType)
	}
}
