package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap at one", func(c *Config) { c.Chunking.OverlapFraction = 1 }},
		{"zero budget", func(c *Config) { c.Context.Budget = 0 }},
		{"unknown vector backend", func(c *Config) { c.Vector.Backend = "faiss" }},
		{"pgvector without dsn", func(c *Config) {
			c.Vector.Backend = domain.VectorBackendPgvector
			c.Embedding.Dimensions = 768
		}},
		{"qdrant without dimensions", func(c *Config) {
			c.Vector.Backend = domain.VectorBackendQdrant
			c.Vector.URL = "http://localhost:6333"
		}},
		{"anthropic embeddings", func(c *Config) { c.Embedding.Provider = domain.AIProviderAnthropic }},
		{"openai without key", func(c *Config) { c.Generation.Provider = domain.AIProviderOpenAI }},
		{"unknown failure policy", func(c *Config) { c.Retrieval.FailurePolicy = "maybe" }},
		{"pool below top k", func(c *Config) { c.Retrieval.CandidatePool = 1 }},
		{"final k above top n", func(c *Config) { c.Rerank.FinalK = 100 }},
		{"http rerank without url", func(c *Config) { c.Rerank.Provider = domain.RerankHTTP }},
		{"keyword degrade without keyword", func(c *Config) {
			c.Keyword.Backend = domain.KeywordBackendNone
			c.Retrieval.DegradeToKeyword = true
		}},
		{"mirror without storage", func(c *Config) { c.Session.Mirror = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestValidate_ListsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Context.Budget = 0
	cfg.Session.MaxTurns = 0

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Len(t, verr.Problems, 2)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[chunking]
max_size = 500

[session]
idle_timeout = "10m"

[retrieval]
failure_policy = "fatal"
`), 0600))

	t.Setenv("SERCHA_RAG_CHUNKING_OVERLAP_FRACTION", "0.1")
	t.Setenv("SERCHA_RAG_GENERATION_MODELS", "llama3.2, mistral")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunking.MaxSize)
	assert.InDelta(t, 0.1, cfg.Chunking.OverlapFraction, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout.Duration)
	assert.Equal(t, domain.FailurePolicyFatal, cfg.Retrieval.FailurePolicy)
	assert.Equal(t, []string{"llama3.2", "mistral"}, cfg.Generation.Models)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SERCHA_RAG_CONTEXT_BUDGET=4321\n"), 0600))
	t.Cleanup(func() { _ = os.Unsetenv("SERCHA_RAG_CONTEXT_BUDGET") })

	cfg, err := Load(filepath.Join(dir, "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.Context.Budget)
}

func TestLoad_Errors(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknown, []byte("[chunking]\nwindow = 3\n"), 0600))
	_, err := Load(unknown)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	broken := filepath.Join(dir, "broken.toml")
	require.NoError(t, os.WriteFile(broken, []byte("[chunking\n"), 0600))
	_, err = Load(broken)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	t.Setenv("SERCHA_RAG_CONTEXT_BUDGET", "lots")
	_, err = Load(filepath.Join(dir, "absent.toml"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSave_RoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Chunking.MaxSize = 640
	cfg.Generation.Models = []string{"a", "b"}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPipelineConfig(t *testing.T) {
	cfg := Default()
	cfg.Chunking.MaxSize = 300

	p := cfg.PipelineConfig()
	assert.Equal(t, []string{"markdown", "normaliser", "chunker"}, p.Processors)
	assert.Equal(t, 300, p.GetProcessorConfig("chunker")["max_size"])
}
