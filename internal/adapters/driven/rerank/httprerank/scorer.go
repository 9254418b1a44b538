// Package httprerank scores passages with a cross-encoder served behind a
// Jina or Cohere style /rerank endpoint.
package httprerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/provider"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Scorer implements the interface.
var _ driven.RerankScorer = (*Scorer)(nil)

// DefaultTimeout bounds one scoring call.
const DefaultTimeout = 10 * time.Second

const service = "rerank"

// Config holds connection settings.
type Config struct {
	// BaseURL is the service root; requests go to BaseURL + "/rerank".
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Scorer calls an external re-ranking service.
type Scorer struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// New creates a scorer. BaseURL is required.
func New(cfg Config) (*Scorer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rerank: base URL is required: %w", domain.ErrInvalidInput)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Scorer{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}, nil
}

// Name identifies the scorer in logs.
func (s *Scorer) Name() string {
	return "http:" + s.baseURL
}

// Score returns one relevance score per passage, in passage order. The
// service must score every passage; a partial reply is an error so the
// caller can fall back to the original ordering.
func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	jsonBody, err := json.Marshal(rerankRequest{
		Model:     s.model,
		Query:     query,
		Documents: passages,
		TopN:      len(passages),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(ctx, service, err, domain.ErrRerankUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := provider.StatusError(service, resp.StatusCode, string(body), domain.ErrRerankUnavailable)
		if !errors.Is(err, domain.ErrRerankUnavailable) {
			// Any failure means falling back to the original order.
			err = fmt.Errorf("%w: %w", domain.ErrRerankUnavailable, err)
		}
		return nil, err
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w: %v", service, domain.ErrRerankUnavailable, err)
	}

	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, r := range rr.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("%s: result index %d out of range: %w", service, r.Index, domain.ErrRerankUnavailable)
		}
		scores[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%s: passage %d not scored: %w", service, i, domain.ErrRerankUnavailable)
		}
	}
	return scores, nil
}
