package domain

const unknownDescription = "Unknown"

// AIProvider identifies an AI service provider for embeddings or generation.
type AIProvider string

// Available AI providers.
const (
	// AIProviderOllama is local Ollama instance.
	AIProviderOllama AIProvider = "ollama"

	// AIProviderOpenAI is OpenAI cloud API or any OpenAI-compatible server.
	AIProviderOpenAI AIProvider = "openai"

	// AIProviderAnthropic is Anthropic cloud API. Generation only.
	AIProviderAnthropic AIProvider = "anthropic"
)

// IsValid returns true if the AI provider is recognised.
func (p AIProvider) IsValid() bool {
	switch p {
	case AIProviderOllama, AIProviderOpenAI, AIProviderAnthropic:
		return true
	default:
		return false
	}
}

// RequiresAPIKey returns true if this provider needs an API key.
func (p AIProvider) RequiresAPIKey() bool {
	return p == AIProviderOpenAI || p == AIProviderAnthropic
}

// String returns the string representation.
func (p AIProvider) String() string {
	return string(p)
}

// Description returns a human-readable description of the provider.
func (p AIProvider) Description() string {
	switch p {
	case AIProviderOllama:
		return "Ollama (local)"
	case AIProviderOpenAI:
		return "OpenAI (cloud)"
	case AIProviderAnthropic:
		return "Anthropic (cloud)"
	default:
		return unknownDescription
	}
}

// VectorBackend names a vector index implementation.
type VectorBackend string

// Vector index backends.
const (
	VectorBackendMemory   VectorBackend = "memory"
	VectorBackendPgvector VectorBackend = "pgvector"
	VectorBackendRedis    VectorBackend = "redis"
	VectorBackendQdrant   VectorBackend = "qdrant"
)

// KeywordBackend names a keyword index implementation.
type KeywordBackend string

// Keyword index backends.
const (
	KeywordBackendNone   KeywordBackend = "none"
	KeywordBackendMemory KeywordBackend = "memory"
	KeywordBackendSQLite KeywordBackend = "sqlite"
)

// RerankProvider names a re-ranking scorer.
type RerankProvider string

// Re-ranking scorers.
const (
	RerankNone    RerankProvider = "none"
	RerankLexical RerankProvider = "lexical"
	RerankHTTP    RerankProvider = "http"
)

// FailurePolicy decides what a total retrieval failure does to a RAG request.
type FailurePolicy string

// Failure policies.
const (
	// FailurePolicyDegrade answers with zero passages.
	FailurePolicyDegrade FailurePolicy = "degrade"

	// FailurePolicyFatal fails the request.
	FailurePolicyFatal FailurePolicy = "fatal"
)

// IsValid returns true if the policy is recognised.
func (p FailurePolicy) IsValid() bool {
	return p == FailurePolicyDegrade || p == FailurePolicyFatal
}

// DefaultEmbeddingModels returns default models for each embedding provider.
func DefaultEmbeddingModels() map[AIProvider]string {
	return map[AIProvider]string{
		AIProviderOllama: "nomic-embed-text",
		AIProviderOpenAI: "text-embedding-3-small",
	}
}

// DefaultLLMModels returns default models for each generation provider.
func DefaultLLMModels() map[AIProvider]string {
	return map[AIProvider]string{
		AIProviderOllama:    "llama3.2",
		AIProviderOpenAI:    "gpt-4o-mini",
		AIProviderAnthropic: "claude-3-5-sonnet-latest",
	}
}

// EmbeddingDimensions returns the vector dimensions for known models.
func EmbeddingDimensions() map[string]int {
	return map[string]int{
		// Ollama models
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
		// OpenAI models
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	}
}

// PipelineConfig holds post-processor pipeline configuration.
// Uses generic map-based config so new processors can be added
// without modifying this struct.
type PipelineConfig struct {
	// Processors is the ordered list of processor names to run.
	Processors []string

	// ProcessorConfigs holds per-processor configuration as generic maps.
	ProcessorConfigs map[string]map[string]any
}

// GetProcessorConfig returns config for a specific processor, or nil if not set.
func (c *PipelineConfig) GetProcessorConfig(name string) map[string]any {
	if c.ProcessorConfigs == nil {
		return nil
	}
	return c.ProcessorConfigs[name]
}

// DefaultPipelineConfig returns the default pipeline: strip Markdown,
// normalise, then chunk.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Processors: []string{"markdown", "normaliser", "chunker"},
		ProcessorConfigs: map[string]map[string]any{
			"chunker": {
				"max_size":          1000,
				"overlap_fraction":  0.2,
				"boundary_lookback": 200,
			},
		},
	}
}
