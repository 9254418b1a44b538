// Package config holds the typed sercha-rag configuration.
//
// Values come from three layers, later layers winning: built-in defaults,
// a TOML file (default ~/.sercha-rag/config.toml), and SERCHA_RAG_*
// environment variables (optionally read from a .env file).
package config

import (
	"fmt"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full service configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Chunking   ChunkingConfig   `toml:"chunking"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Generation GenerationConfig `toml:"generation"`
	Vector     VectorConfig     `toml:"vector"`
	Keyword    KeywordConfig    `toml:"keyword"`
	Retrieval  RetrievalConfig  `toml:"retrieval"`
	Rerank     RerankConfig     `toml:"rerank"`
	Session    SessionConfig    `toml:"session"`
	Context    ContextConfig    `toml:"context"`
	Storage    StorageConfig    `toml:"storage"`
	Events     EventsConfig     `toml:"events"`
	Tracing    TracingConfig    `toml:"tracing"`
}

// LoggingConfig controls console verbosity and the rotating JSON log file.
type LoggingConfig struct {
	Verbose    bool   `toml:"verbose"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ChunkingConfig sizes the chunker windows, in characters.
type ChunkingConfig struct {
	MaxSize          int     `toml:"max_size"`
	OverlapFraction  float64 `toml:"overlap_fraction"`
	BoundaryLookback int     `toml:"boundary_lookback"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider          domain.AIProvider `toml:"provider"`
	Model             string            `toml:"model"`
	BaseURL           string            `toml:"base_url"`
	APIKey            string            `toml:"api_key"`
	Dimensions        int               `toml:"dimensions"`
	BatchSize         int               `toml:"batch_size"`
	Concurrency       int               `toml:"concurrency"`
	MaxAttempts       int               `toml:"max_attempts"`
	InitialBackoff    Duration          `toml:"initial_backoff"`
	MaxBackoff        Duration          `toml:"max_backoff"`
	QueryCacheTTL     Duration          `toml:"query_cache_ttl"`
	RequestsPerSecond float64           `toml:"requests_per_second"`
	Timeout           Duration          `toml:"timeout"`
}

// GenerationConfig selects the generation provider.
type GenerationConfig struct {
	Provider    domain.AIProvider `toml:"provider"`
	Model       string            `toml:"model"`
	BaseURL     string            `toml:"base_url"`
	APIKey      string            `toml:"api_key"`
	Timeout     Duration          `toml:"timeout"`
	MaxTokens   int               `toml:"max_tokens"`
	Temperature float64           `toml:"temperature"`
	// Models lists the names offered for direct chat when the provider
	// cannot enumerate them.
	Models []string `toml:"models"`
}

// VectorConfig selects the vector backend. Only the fields of the chosen
// backend are read.
type VectorConfig struct {
	Backend    domain.VectorBackend `toml:"backend"`
	DSN        string               `toml:"dsn"`
	Table      string               `toml:"table"`
	Addr       string               `toml:"addr"`
	Password   string               `toml:"password"`
	DB         int                  `toml:"db"`
	URL        string               `toml:"url"`
	APIKey     string               `toml:"api_key"`
	Collection string               `toml:"collection"`
	MaxK       int                  `toml:"max_k"`
	Timeout    Duration             `toml:"timeout"`

	// Search retries transient ErrIndexUnavailable failures. Writes are
	// never retried.
	SearchAttempts       int      `toml:"search_attempts"`
	SearchInitialBackoff Duration `toml:"search_initial_backoff"`
	SearchMaxBackoff     Duration `toml:"search_max_backoff"`
}

// KeywordConfig selects the lexical search path.
type KeywordConfig struct {
	Backend domain.KeywordBackend `toml:"backend"`
	Path    string                `toml:"path"`
	Timeout Duration              `toml:"timeout"`
}

// RetrievalConfig tunes candidate retrieval.
type RetrievalConfig struct {
	TopK             int                  `toml:"top_k"`
	CandidatePool    int                  `toml:"candidate_pool"`
	DegradeToKeyword bool                 `toml:"degrade_to_keyword"`
	FailurePolicy    domain.FailurePolicy `toml:"failure_policy"`
	Timeout          Duration             `toml:"timeout"`
}

// RerankConfig selects the re-ranking scorer.
type RerankConfig struct {
	Provider domain.RerankProvider `toml:"provider"`
	BaseURL  string                `toml:"base_url"`
	APIKey   string                `toml:"api_key"`
	Model    string                `toml:"model"`
	TopN     int                   `toml:"top_n"`
	FinalK   int                   `toml:"final_k"`
	Timeout  Duration              `toml:"timeout"`
}

// SessionConfig bounds session lifetime and size.
type SessionConfig struct {
	IdleTimeout   Duration `toml:"idle_timeout"`
	MaxTurns      int      `toml:"max_turns"`
	SweepInterval Duration `toml:"sweep_interval"`
	TombstoneTTL  Duration `toml:"tombstone_ttl"`
	// Mirror records session events to the SQLite store when true.
	Mirror bool `toml:"mirror"`
}

// ContextConfig sizes the assembled prompt, in characters.
type ContextConfig struct {
	Budget       int     `toml:"budget"`
	HistoryShare float64 `toml:"history_share"`
	MaxMessage   int     `toml:"max_message"`
	PromptDir    string  `toml:"prompt_dir"`
}

// StorageConfig points at the SQLite database for documents and the session mirror.
// An empty path keeps documents in memory.
type StorageConfig struct {
	Path string `toml:"path"`
}

// EventsConfig enables index change events on NATS. An empty URL disables them.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Stream        string `toml:"stream"`
}

// TracingConfig enables OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns the built-in configuration: local Ollama, in-memory
// vector and keyword indexes, lexical re-ranking.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30, Compress: true},
		Chunking: ChunkingConfig{
			MaxSize:          1000,
			OverlapFraction:  0.2,
			BoundaryLookback: 200,
		},
		Embedding: EmbeddingConfig{
			Provider:       domain.AIProviderOllama,
			Model:          domain.DefaultEmbeddingModels()[domain.AIProviderOllama],
			BatchSize:      32,
			Concurrency:    4,
			MaxAttempts:    4,
			InitialBackoff: Duration{200 * time.Millisecond},
			MaxBackoff:     Duration{5 * time.Second},
			QueryCacheTTL:  Duration{2 * time.Minute},
			Timeout:        Duration{30 * time.Second},
		},
		Generation: GenerationConfig{
			Provider:    domain.AIProviderOllama,
			Model:       domain.DefaultLLMModels()[domain.AIProviderOllama],
			Timeout:     Duration{2 * time.Minute},
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		Vector: VectorConfig{
			Backend: domain.VectorBackendMemory,
			MaxK:    100,
			Timeout: Duration{5 * time.Second},

			SearchAttempts:       3,
			SearchInitialBackoff: Duration{100 * time.Millisecond},
			SearchMaxBackoff:     Duration{time.Second},
		},
		Keyword: KeywordConfig{
			Backend: domain.KeywordBackendMemory,
			Timeout: Duration{5 * time.Second},
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			CandidatePool: 30,
			FailurePolicy: domain.FailurePolicyDegrade,
			Timeout:       Duration{15 * time.Second},
		},
		Rerank: RerankConfig{
			Provider: domain.RerankLexical,
			TopN:     30,
			FinalK:   5,
			Timeout:  Duration{5 * time.Second},
		},
		Session: SessionConfig{
			IdleTimeout:   Duration{30 * time.Minute},
			MaxTurns:      50,
			SweepInterval: Duration{time.Minute},
			TombstoneTTL:  Duration{24 * time.Hour},
		},
		Context: ContextConfig{
			Budget:       12000,
			HistoryShare: 0.3,
			MaxMessage:   8000,
		},
		Events:  EventsConfig{SubjectPrefix: "sercha.index", Stream: "SERCHA_INDEX"},
		Tracing: TracingConfig{ServiceName: "sercha-rag", SampleRatio: 1},
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Chunking.MaxSize <= 0 {
		add("chunking.max_size must be positive")
	}
	if c.Chunking.OverlapFraction < 0 || c.Chunking.OverlapFraction >= 1 {
		add("chunking.overlap_fraction must be in [0, 1)")
	}
	if c.Chunking.BoundaryLookback < 0 {
		add("chunking.boundary_lookback must not be negative")
	}
	if !c.Embedding.Provider.IsValid() || c.Embedding.Provider == domain.AIProviderAnthropic {
		add("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Embedding.Provider.RequiresAPIKey() && c.Embedding.APIKey == "" {
		add("embedding.api_key is required for %s", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 0 {
		add("embedding.dimensions must not be negative")
	}
	if !c.Generation.Provider.IsValid() {
		add("generation.provider %q is not supported", c.Generation.Provider)
	}
	if c.Generation.Provider.RequiresAPIKey() && c.Generation.APIKey == "" {
		add("generation.api_key is required for %s", c.Generation.Provider)
	}
	switch c.Vector.Backend {
	case domain.VectorBackendMemory:
	case domain.VectorBackendPgvector:
		if c.Vector.DSN == "" {
			add("vector.dsn is required for pgvector")
		}
	case domain.VectorBackendRedis:
		if c.Vector.Addr == "" {
			add("vector.addr is required for redis")
		}
	case domain.VectorBackendQdrant:
		if c.Vector.URL == "" {
			add("vector.url is required for qdrant")
		}
	default:
		add("vector.backend %q is unknown", c.Vector.Backend)
	}
	if c.Vector.Backend != domain.VectorBackendMemory && c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions is required for the %s backend", c.Vector.Backend)
	}
	if c.Vector.MaxK <= 0 {
		add("vector.max_k must be positive")
	}
	switch c.Keyword.Backend {
	case domain.KeywordBackendNone, domain.KeywordBackendMemory:
	case domain.KeywordBackendSQLite:
		if c.Keyword.Path == "" {
			add("keyword.path is required for sqlite")
		}
	default:
		add("keyword.backend %q is unknown", c.Keyword.Backend)
	}
	if c.Retrieval.TopK <= 0 {
		add("retrieval.top_k must be positive")
	}
	if c.Retrieval.CandidatePool < c.Retrieval.TopK {
		add("retrieval.candidate_pool must be at least top_k")
	}
	if !c.Retrieval.FailurePolicy.IsValid() {
		add("retrieval.failure_policy %q is unknown", c.Retrieval.FailurePolicy)
	}
	if c.Retrieval.DegradeToKeyword && c.Keyword.Backend == domain.KeywordBackendNone {
		add("retrieval.degrade_to_keyword needs a keyword backend")
	}
	switch c.Rerank.Provider {
	case domain.RerankNone, domain.RerankLexical:
	case domain.RerankHTTP:
		if c.Rerank.BaseURL == "" {
			add("rerank.base_url is required for http")
		}
	default:
		add("rerank.provider %q is unknown", c.Rerank.Provider)
	}
	if c.Rerank.FinalK <= 0 || c.Rerank.TopN < c.Rerank.FinalK {
		add("rerank.final_k must be positive and not exceed top_n")
	}
	if c.Session.IdleTimeout.Duration <= 0 {
		add("session.idle_timeout must be positive")
	}
	if c.Session.MaxTurns <= 0 {
		add("session.max_turns must be positive")
	}
	if c.Session.Mirror && c.Storage.Path == "" {
		add("session.mirror needs storage.path")
	}
	if c.Context.Budget <= 0 {
		add("context.budget must be positive")
	}
	if c.Context.HistoryShare < 0 || c.Context.HistoryShare >= 1 {
		add("context.history_share must be in [0, 1)")
	}
	if c.Context.MaxMessage <= 0 {
		add("context.max_message must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidationError lists every invalid setting.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := "invalid configuration:"
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}
	return msg
}

// Unwrap makes ValidationError match domain.ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return domain.ErrInvalidInput
}

// PipelineConfig derives the document pipeline from the chunking settings.
func (c *Config) PipelineConfig() domain.PipelineConfig {
	p := domain.DefaultPipelineConfig()
	p.ProcessorConfigs["chunker"] = map[string]any{
		"max_size":          c.Chunking.MaxSize,
		"overlap_fraction":  c.Chunking.OverlapFraction,
		"boundary_lookback": c.Chunking.BoundaryLookback,
	}
	return p
}
