package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SERCHA_RAG_"

// DefaultDir returns ~/.sercha-rag.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".sercha-rag"), nil
}

// DefaultPath returns ~/.sercha-rag/config.toml.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error. An empty path means
// DefaultPath. A .env file in the working directory, if present, is read
// first; variables already set in the environment win over it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config %s: %s: %w", path, strict.String(), domain.ErrInvalidInput)
		}
		var decErr *toml.DecodeError
		if errors.As(err, &decErr) {
			row, col := decErr.Position()
			return fmt.Errorf("config %s:%d:%d: %s: %w", path, row, col, decErr.Error(), domain.ErrInvalidInput)
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as TOML with owner-only permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// binding ties one environment variable to one setting.
type binding struct {
	name string
	set  func(string) error
}

func str(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func integer(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func float(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
		return nil
	}
}

func boolean(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func duration(p *Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		p.Duration = d
		return nil
	}
}

func list(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*p = out
		return nil
	}
}

func typed[T ~string](p *T) func(string) error {
	return func(v string) error { *p = T(v); return nil }
}

func (c *Config) bindings() []binding {
	return []binding{
		{"LOGGING_VERBOSE", boolean(&c.Logging.Verbose)},
		{"LOGGING_FILE", str(&c.Logging.File)},

		{"CHUNKING_MAX_SIZE", integer(&c.Chunking.MaxSize)},
		{"CHUNKING_OVERLAP_FRACTION", float(&c.Chunking.OverlapFraction)},
		{"CHUNKING_BOUNDARY_LOOKBACK", integer(&c.Chunking.BoundaryLookback)},

		{"EMBEDDING_PROVIDER", typed(&c.Embedding.Provider)},
		{"EMBEDDING_MODEL", str(&c.Embedding.Model)},
		{"EMBEDDING_BASE_URL", str(&c.Embedding.BaseURL)},
		{"EMBEDDING_API_KEY", str(&c.Embedding.APIKey)},
		{"EMBEDDING_DIMENSIONS", integer(&c.Embedding.Dimensions)},
		{"EMBEDDING_BATCH_SIZE", integer(&c.Embedding.BatchSize)},
		{"EMBEDDING_MAX_ATTEMPTS", integer(&c.Embedding.MaxAttempts)},
		{"EMBEDDING_REQUESTS_PER_SECOND", float(&c.Embedding.RequestsPerSecond)},
		{"EMBEDDING_QUERY_CACHE_TTL", duration(&c.Embedding.QueryCacheTTL)},
		{"EMBEDDING_TIMEOUT", duration(&c.Embedding.Timeout)},

		{"GENERATION_PROVIDER", typed(&c.Generation.Provider)},
		{"GENERATION_MODEL", str(&c.Generation.Model)},
		{"GENERATION_BASE_URL", str(&c.Generation.BaseURL)},
		{"GENERATION_API_KEY", str(&c.Generation.APIKey)},
		{"GENERATION_TIMEOUT", duration(&c.Generation.Timeout)},
		{"GENERATION_MODELS", list(&c.Generation.Models)},

		{"VECTOR_BACKEND", typed(&c.Vector.Backend)},
		{"VECTOR_DSN", str(&c.Vector.DSN)},
		{"VECTOR_ADDR", str(&c.Vector.Addr)},
		{"VECTOR_PASSWORD", str(&c.Vector.Password)},
		{"VECTOR_URL", str(&c.Vector.URL)},
		{"VECTOR_API_KEY", str(&c.Vector.APIKey)},
		{"VECTOR_COLLECTION", str(&c.Vector.Collection)},
		{"VECTOR_MAX_K", integer(&c.Vector.MaxK)},
		{"VECTOR_TIMEOUT", duration(&c.Vector.Timeout)},
		{"VECTOR_SEARCH_ATTEMPTS", integer(&c.Vector.SearchAttempts)},

		{"KEYWORD_BACKEND", typed(&c.Keyword.Backend)},
		{"KEYWORD_PATH", str(&c.Keyword.Path)},
		{"KEYWORD_TIMEOUT", duration(&c.Keyword.Timeout)},

		{"RETRIEVAL_TOP_K", integer(&c.Retrieval.TopK)},
		{"RETRIEVAL_CANDIDATE_POOL", integer(&c.Retrieval.CandidatePool)},
		{"RETRIEVAL_DEGRADE_TO_KEYWORD", boolean(&c.Retrieval.DegradeToKeyword)},
		{"RETRIEVAL_FAILURE_POLICY", typed(&c.Retrieval.FailurePolicy)},

		{"RERANK_PROVIDER", typed(&c.Rerank.Provider)},
		{"RERANK_BASE_URL", str(&c.Rerank.BaseURL)},
		{"RERANK_API_KEY", str(&c.Rerank.APIKey)},
		{"RERANK_MODEL", str(&c.Rerank.Model)},
		{"RERANK_TOP_N", integer(&c.Rerank.TopN)},
		{"RERANK_FINAL_K", integer(&c.Rerank.FinalK)},

		{"SESSION_IDLE_TIMEOUT", duration(&c.Session.IdleTimeout)},
		{"SESSION_MAX_TURNS", integer(&c.Session.MaxTurns)},
		{"SESSION_MIRROR", boolean(&c.Session.Mirror)},

		{"CONTEXT_BUDGET", integer(&c.Context.Budget)},
		{"CONTEXT_HISTORY_SHARE", float(&c.Context.HistoryShare)},
		{"CONTEXT_PROMPT_DIR", str(&c.Context.PromptDir)},

		{"STORAGE_PATH", str(&c.Storage.Path)},

		{"EVENTS_NATS_URL", str(&c.Events.NATSURL)},
		{"EVENTS_SUBJECT_PREFIX", str(&c.Events.SubjectPrefix)},

		{"TRACING_ENABLED", boolean(&c.Tracing.Enabled)},
		{"TRACING_ENDPOINT", str(&c.Tracing.Endpoint)},
		{"TRACING_INSECURE", boolean(&c.Tracing.Insecure)},
	}
}

// applyEnv overrides settings from SERCHA_RAG_<SECTION>_<KEY> variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, b.name, v, domain.ErrInvalidInput)
		}
	}
	return nil
}
