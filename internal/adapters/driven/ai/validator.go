package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-labs/sercha-rag/internal/config"
)

// Check is the outcome of probing one service.
type Check struct {
	Service string
	Name    string
	Err     error
}

// OK reports whether the service answered.
func (c Check) OK() bool { return c.Err == nil }

// Validate builds each model service from cfg and pings it. Unlike Init it
// reports unreachable services as failures.
func Validate(ctx context.Context, cfg *config.Config) ([]Check, error) {
	var (
		checks []Check
		errs   []error
	)

	embed, err := NewEmbeddingService(cfg.Embedding)
	if err != nil {
		checks = append(checks, Check{Service: "embedding", Name: string(cfg.Embedding.Provider), Err: err})
		errs = append(errs, fmt.Errorf("embedding: %w", err))
	} else {
		defer embed.Close()
		err = Ping(ctx, embed)
		checks = append(checks, Check{Service: "embedding", Name: embed.ModelName(), Err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("embedding: %w", err))
		}
	}

	llm, err := NewLLMService(cfg.Generation)
	if err != nil {
		checks = append(checks, Check{Service: "generation", Name: string(cfg.Generation.Provider), Err: err})
		errs = append(errs, fmt.Errorf("generation: %w", err))
	} else {
		defer llm.Close()
		err = Ping(ctx, llm)
		checks = append(checks, Check{Service: "generation", Name: llm.ModelName(), Err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("generation: %w", err))
		}
	}

	return checks, errors.Join(errs...)
}
