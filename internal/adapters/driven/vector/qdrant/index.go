// Package qdrant provides a vector index backed by the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure Index implements the interface.
var _ driven.VectorIndex = (*Index)(nil)

const (
	defaultCollection = "sercha_chunks"
	defaultTimeout    = 15 * time.Second
)

// Config holds connection settings.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// Index stores chunks as Qdrant points keyed by chunk id.
// Replacement takes two requests (upsert new points, then delete stale
// ones), so it is not atomic: a failure between them reports ErrPartialUpsert.
type Index struct {
	url        string
	apiKey     string
	collection string
	dims       int
	client     *http.Client
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type condition struct {
	Key   string         `json:"key,omitempty"`
	Match map[string]any `json:"match,omitempty"`
	HasID []string       `json:"has_id,omitempty"`
}

type filter struct {
	Must    []condition `json:"must,omitempty"`
	MustNot []condition `json:"must_not,omitempty"`
}

// Open creates the collection if it does not exist.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant index needs a fixed dimension: %w", domain.ErrInvalidInput)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required: %w", domain.ErrInvalidInput)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	x := &Index{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: collection,
		dims:       cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}
	if err := x.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) ensureCollection(ctx context.Context) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := x.do(ctx, http.MethodGet, x.collectionPath(""), nil, &info)
	if err == nil {
		if size := info.Result.Config.Params.Vectors.Size; size != x.dims {
			return fmt.Errorf("collection %s has %d dimensions, configured %d: %w",
				x.collection, size, x.dims, domain.ErrDimensionMismatch)
		}
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{"size": x.dims, "distance": "Cosine"},
	}
	if _, err := x.do(ctx, http.MethodPut, x.collectionPath(""), body, nil); err != nil {
		return err
	}
	// document_id is the delete filter, keep it indexed.
	index := map[string]any{"field_name": "document_id", "field_schema": "keyword"}
	if _, err := x.do(ctx, http.MethodPut, x.collectionPath("/index?wait=true"), index, nil); err != nil {
		return err
	}
	logger.Info("Created qdrant collection %s (%d dimensions)", x.collection, x.dims)
	return nil
}

// Name returns the backend name.
func (x *Index) Name() string { return string(domain.VectorBackendQdrant) }

// Atomic is false: replacement spans two requests.
func (x *Index) Atomic() bool { return false }

// Dimensions returns the configured vector size.
func (x *Index) Dimensions() int { return x.dims }

// Upsert writes the new chunks, then removes points of documentID that are
// not part of the new set.
func (x *Index) Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	points := make([]point, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s: %w", c.ID, c.DocumentID, domain.ErrInvalidInput)
		}
		if len(c.Embedding) != x.dims {
			return fmt.Errorf("chunk %s has %d dimensions, index has %d: %w", c.ID, len(c.Embedding), x.dims, domain.ErrDimensionMismatch)
		}
		points = append(points, point{
			ID:     c.ID,
			Vector: c.Embedding,
			Payload: map[string]any{
				"document_id": c.DocumentID,
				"ordinal":     c.Ordinal,
				"content":     c.Content,
				"metadata":    c.Metadata,
			},
		})
		ids = append(ids, c.ID)
	}

	if len(points) > 0 {
		if _, err := x.do(ctx, http.MethodPut, x.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}

	stale := filter{Must: []condition{{Key: "document_id", Match: map[string]any{"value": documentID}}}}
	if len(ids) > 0 {
		stale.MustNot = []condition{{HasID: ids}}
	}
	if _, err := x.do(ctx, http.MethodPost, x.collectionPath("/points/delete?wait=true"), map[string]any{"filter": stale}, nil); err != nil {
		if len(points) == 0 {
			return err
		}
		logger.Warn("Qdrant upsert of %s left stale chunks: %v", documentID, err)
		return fmt.Errorf("remove stale chunks of %s: %w: %v", documentID, domain.ErrPartialUpsert, err)
	}
	return nil
}

// Delete removes all points of documentID.
func (x *Index) Delete(ctx context.Context, documentID string) error {
	f := filter{Must: []condition{{Key: "document_id", Match: map[string]any{"value": documentID}}}}
	_, err := x.do(ctx, http.MethodPost, x.collectionPath("/points/delete?wait=true"), map[string]any{"filter": f}, nil)
	return err
}

// Search returns the k most similar chunks. Filters match payload metadata
// values as strings.
func (x *Index) Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(query), x.dims, domain.ErrDimensionMismatch)
	}

	req := map[string]any{
		"vector":       query,
		"limit":        k,
		"with_payload": true,
	}
	if f := metadataFilter(filters); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	if _, err := x.do(ctx, http.MethodPost, x.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.Candidate, 0, len(resp.Result))
	for _, p := range resp.Result {
		out = append(out, domain.Candidate{Chunk: pointChunk(p), Score: p.Score, Origin: domain.OriginVector})
	}
	domain.SortCandidates(out)
	return out, nil
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (x *Index) Close() error { return nil }

func (x *Index) collectionPath(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", x.url, x.collection, suffix)
}

// do sends a JSON request and decodes the reply into out. It returns the
// HTTP status (0 when the request never completed).
func (x *Index) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("api-key", x.apiKey)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant %s: %w: %v", method, domain.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, statusError(method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode qdrant reply: %w", domain.ErrCorruptIndex)
		}
	}
	return resp.StatusCode, nil
}

func statusError(method string, status int, msg string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("qdrant %s: %w: %s", method, domain.ErrNotFound, msg)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "dimension"):
		return fmt.Errorf("qdrant %s: %w: %s", method, domain.ErrDimensionMismatch, msg)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("qdrant %s: %w: status %d", method, domain.ErrIndexUnavailable, status)
	default:
		return fmt.Errorf("qdrant %s returned %d: %s", method, status, msg)
	}
}

func metadataFilter(filters domain.Filters) *filter {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := &filter{}
	for _, k := range keys {
		f.Must = append(f.Must, condition{Key: "metadata." + k, Match: map[string]any{"value": filters[k]}})
	}
	return f
}

func pointChunk(p scoredPoint) domain.Chunk {
	c := domain.Chunk{ID: fmt.Sprint(p.ID)}
	if v, ok := p.Payload["document_id"].(string); ok {
		c.DocumentID = v
	}
	if v, ok := p.Payload["ordinal"].(float64); ok {
		c.Ordinal = int(v)
	}
	if v, ok := p.Payload["content"].(string); ok {
		c.Content = v
	}
	if v, ok := p.Payload["metadata"].(map[string]any); ok {
		c.Metadata = v
	}
	return c
}
