package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestCheckCmd(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		setupTestServices(t)
		healthCheck = func(context.Context) ([]HealthCheck, error) {
			return []HealthCheck{
				{Service: "embedding", Name: "ollama/nomic-embed-text"},
				{Service: "llm", Name: "ollama/llama3"},
			}, nil
		}

		out, err := execute(t, "", "check")
		require.NoError(t, err)
		assert.Regexp(t, `embedding\s+ollama/nomic-embed-text\s+ok`, out)
		assert.Regexp(t, `llm\s+ollama/llama3\s+ok`, out)
	})

	t.Run("failure is reported and returned", func(t *testing.T) {
		setupTestServices(t)
		down := errors.Join(domain.ErrLLMUnavailable, errors.New("connection refused"))
		healthCheck = func(context.Context) ([]HealthCheck, error) {
			return []HealthCheck{
				{Service: "embedding", Name: "ollama/nomic-embed-text"},
				{Service: "llm", Name: "ollama/llama3", Err: down},
			}, down
		}

		out, err := execute(t, "", "check")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrLLMUnavailable)
		assert.Contains(t, out, "FAILED")
	})

	t.Run("not configured", func(t *testing.T) {
		setupTestServices(t)

		_, err := execute(t, "", "check")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "health check not configured")
	})
}
