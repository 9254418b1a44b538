package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// ollamaServer answers the tags endpoint used by both Ollama pings.
func ollamaServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewEmbeddingService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmbeddingConfig
		model   string
		dims    int
		wantErr error
	}{
		{
			name:  "ollama known model",
			cfg:   config.EmbeddingConfig{Provider: domain.AIProviderOllama, Model: "nomic-embed-text"},
			model: "nomic-embed-text",
			dims:  768,
		},
		{
			name:  "ollama explicit dimensions",
			cfg:   config.EmbeddingConfig{Provider: domain.AIProviderOllama, Model: "custom", Dimensions: 512},
			model: "custom",
			dims:  512,
		},
		{
			name:  "openai",
			cfg:   config.EmbeddingConfig{Provider: domain.AIProviderOpenAI, APIKey: "k", Model: "text-embedding-3-small"},
			model: "text-embedding-3-small",
			dims:  1536,
		},
		{
			name:    "openai without key",
			cfg:     config.EmbeddingConfig{Provider: domain.AIProviderOpenAI},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "anthropic has no embeddings",
			cfg:     config.EmbeddingConfig{Provider: domain.AIProviderAnthropic, APIKey: "k"},
			wantErr: domain.ErrUnsupportedType,
		},
		{
			name:    "unknown provider",
			cfg:     config.EmbeddingConfig{Provider: "cohere"},
			wantErr: domain.ErrUnsupportedType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewEmbeddingService(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.model, svc.ModelName())
			assert.Equal(t, tt.dims, svc.Dimensions())
		})
	}
}

func TestNewLLMService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.GenerationConfig
		model   string
		wantErr error
	}{
		{"ollama default model", config.GenerationConfig{Provider: domain.AIProviderOllama}, "llama3.2", nil},
		{"openai", config.GenerationConfig{Provider: domain.AIProviderOpenAI, APIKey: "k", Model: "gpt-4o"}, "gpt-4o", nil},
		{"anthropic", config.GenerationConfig{Provider: domain.AIProviderAnthropic, APIKey: "k"}, "claude-3-5-sonnet-latest", nil},
		{"openai without key", config.GenerationConfig{Provider: domain.AIProviderOpenAI}, "", domain.ErrInvalidInput},
		{"anthropic without key", config.GenerationConfig{Provider: domain.AIProviderAnthropic}, "", domain.ErrInvalidInput},
		{"unknown provider", config.GenerationConfig{Provider: "bard"}, "", domain.ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewLLMService(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.model, svc.ModelName())
		})
	}
}

func TestInit_Reachable(t *testing.T) {
	srv := ollamaServer(t, http.StatusOK)
	embedding := config.EmbeddingConfig{Provider: domain.AIProviderOllama, BaseURL: srv.URL, Model: "all-minilm"}
	generation := config.GenerationConfig{Provider: domain.AIProviderOllama, BaseURL: srv.URL}

	res, err := Init(context.Background(), embedding, generation)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	assert.Empty(t, res.Warnings)
	assert.Equal(t, 384, res.Embedding.Dimensions())
	assert.Equal(t, "llama3.2", res.LLM.ModelName())
}

func TestInit_UnreachableIsWarning(t *testing.T) {
	srv := ollamaServer(t, http.StatusServiceUnavailable)
	embedding := config.EmbeddingConfig{Provider: domain.AIProviderOllama, BaseURL: srv.URL}
	generation := config.GenerationConfig{Provider: domain.AIProviderOllama, BaseURL: srv.URL}

	res, err := Init(context.Background(), embedding, generation)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	assert.NoError(t, res.Close())
}

func TestInit_BadConfigIsError(t *testing.T) {
	_, err := Init(context.Background(),
		config.EmbeddingConfig{Provider: domain.AIProviderOllama},
		config.GenerationConfig{Provider: domain.AIProviderOpenAI},
	)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInitResult_CloseEmpty(t *testing.T) {
	assert.NoError(t, (&InitResult{}).Close())
}

type slowPinger struct{}

func (slowPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPing_Bounded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Ping(ctx, slowPinger{}), context.DeadlineExceeded)
}

func TestValidate(t *testing.T) {
	up := ollamaServer(t, http.StatusOK)
	down := ollamaServer(t, http.StatusInternalServerError)

	cfg := config.Default()
	cfg.Embedding.BaseURL = up.URL
	cfg.Generation.BaseURL = up.URL
	checks, err := Validate(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].OK())
	assert.Equal(t, "embedding", checks[0].Service)
	assert.Equal(t, "generation", checks[1].Service)

	cfg.Generation.BaseURL = down.URL
	checks, err = Validate(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrLLMUnavailable)
	assert.True(t, checks[0].OK())
	assert.False(t, checks[1].OK())

	cfg.Embedding.Provider = domain.AIProviderAnthropic
	checks, err = Validate(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
	assert.False(t, checks[0].OK())
}
