package postprocessors

import (
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/normalisers/markdown"
	"github.com/custodia-labs/sercha-rag/internal/normalisers/plaintext"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors/chunker"
)

// RegisterDefaults registers all built-in processors with the registry.
// Call this during application initialisation to enable standard processors.
func RegisterDefaults(r *Registry) {
	r.Register("markdown", buildMarkdown)
	r.Register("normaliser", buildNormaliser)
	r.Register("chunker", buildChunker)
}

func buildMarkdown(_ map[string]any) (driven.PostProcessor, error) {
	return markdown.New(), nil
}

func buildNormaliser(_ map[string]any) (driven.PostProcessor, error) {
	return plaintext.New(), nil
}

// buildChunker creates a chunker processor from generic config.
// Supported config keys:
//   - max_size (int): Characters per chunk (default: 1000)
//   - overlap_fraction (float): Share of a window repeated in the next (default: 0.2)
//   - boundary_lookback (int): Characters searched for a boundary (default: 200)
func buildChunker(cfg map[string]any) (driven.PostProcessor, error) {
	var opts []chunker.Option

	if cfg != nil {
		if size := getIntFromConfig(cfg, "max_size"); size > 0 {
			opts = append(opts, chunker.WithMaxSize(size))
		}
		if f, ok := getFloatFromConfig(cfg, "overlap_fraction"); ok {
			opts = append(opts, chunker.WithOverlapFraction(f))
		}
		if _, ok := cfg["boundary_lookback"]; ok {
			opts = append(opts, chunker.WithBoundaryLookback(getIntFromConfig(cfg, "boundary_lookback")))
		}
	}

	return chunker.New(opts...), nil
}

// getIntFromConfig safely extracts an int from generic config map.
// Handles int, int64, and float64 types that may come from TOML/JSON parsing.
func getIntFromConfig(cfg map[string]any, key string) int {
	val, ok := cfg[key]
	if !ok {
		return 0
	}

	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getFloatFromConfig(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
