package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

type fakeQdrant struct {
	mu         sync.Mutex
	exists     bool
	size       int
	failDelete bool
	calls      []string
	bodies     map[string]map[string]any
	searchHits []scoredPoint
}

func (f *fakeQdrant) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		f.calls = append(f.calls, key)
		if r.Body != nil {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if f.bodies == nil {
				f.bodies = map[string]map[string]any{}
			}
			f.bodies[key] = body
		}

		switch key {
		case "GET /collections/c":
			if !f.exists {
				http.Error(w, `{"status":"not found"}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":` + itoa(f.size) + `}}}}}`))
		case "PUT /collections/c":
			f.exists = true
			_, _ = w.Write([]byte(`{"result":true}`))
		case "POST /collections/c/points/delete":
			if f.failDelete {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"result":{}}`))
		case "POST /collections/c/points/search":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": f.searchHits}))
		default:
			_, _ = w.Write([]byte(`{"result":{}}`))
		}
	})
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func open(t *testing.T, f *fakeQdrant) *Index {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	x, err := Open(context.Background(), Config{URL: srv.URL + "/", Collection: "c", Dimensions: 3})
	require.NoError(t, err)
	return x
}

func chunk(id, doc string, ordinal int) domain.Chunk {
	return domain.Chunk{ID: id, DocumentID: doc, Ordinal: ordinal, Content: id, Embedding: []float32{1, 0, 0}}
}

func TestOpen_CreatesCollection(t *testing.T) {
	f := &fakeQdrant{}
	x := open(t, f)

	assert.False(t, x.Atomic())
	assert.Equal(t, "qdrant", x.Name())
	assert.Contains(t, f.calls, "PUT /collections/c")
	assert.Contains(t, f.calls, "PUT /collections/c/index")

	vectors := f.bodies["PUT /collections/c"]["vectors"].(map[string]any)
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.EqualValues(t, 3, vectors["size"])
}

func TestOpen_DimensionMismatch(t *testing.T) {
	f := &fakeQdrant{exists: true, size: 8}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	_, err := Open(context.Background(), Config{URL: srv.URL, Collection: "c", Dimensions: 3})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "http://x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Open(context.Background(), Config{Dimensions: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpsert_WritesThenRemovesStale(t *testing.T) {
	f := &fakeQdrant{}
	x := open(t, f)
	f.calls = nil

	err := x.Upsert(context.Background(), "d1", []domain.Chunk{chunk("a", "d1", 0), chunk("b", "d1", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"PUT /collections/c/points", "POST /collections/c/points/delete"}, f.calls)

	del := f.bodies["POST /collections/c/points/delete"]["filter"].(map[string]any)
	mustNot := del["must_not"].([]any)[0].(map[string]any)
	assert.ElementsMatch(t, []any{"a", "b"}, mustNot["has_id"])
}

func TestUpsert_PartialFailure(t *testing.T) {
	f := &fakeQdrant{}
	x := open(t, f)
	f.failDelete = true

	err := x.Upsert(context.Background(), "d1", []domain.Chunk{chunk("a", "d1", 0)})
	assert.ErrorIs(t, err, domain.ErrPartialUpsert)
}

func TestUpsert_Validation(t *testing.T) {
	x := open(t, &fakeQdrant{})

	err := x.Upsert(context.Background(), "d1", []domain.Chunk{chunk("a", "other", 0)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := chunk("a", "d1", 0)
	bad.Embedding = []float32{1}
	err = x.Upsert(context.Background(), "d1", []domain.Chunk{bad})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestDelete_Unavailable(t *testing.T) {
	f := &fakeQdrant{}
	x := open(t, f)
	f.failDelete = true

	assert.ErrorIs(t, x.Delete(context.Background(), "d1"), domain.ErrIndexUnavailable)
}

func TestSearch_SortsAndDecodes(t *testing.T) {
	f := &fakeQdrant{searchHits: []scoredPoint{
		{ID: "b", Score: 0.5, Payload: map[string]any{"document_id": "d", "ordinal": 1, "content": "two"}},
		{ID: "a", Score: 0.9, Payload: map[string]any{"document_id": "d", "ordinal": 0, "content": "one",
			"metadata": map[string]any{"source": "s.txt"}}},
		{ID: "c", Score: 0.5, Payload: map[string]any{"document_id": "d", "ordinal": 0, "content": "three"}},
	}}
	x := open(t, f)

	got, err := x.Search(context.Background(), []float32{1, 0, 0}, 3, domain.Filters{"source": "s.txt"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"a", "c", "b"}, []string{got[0].Chunk.ID, got[1].Chunk.ID, got[2].Chunk.ID})
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, "s.txt", got[0].Chunk.Metadata["source"])
	assert.Equal(t, domain.OriginVector, got[0].Origin)

	req := f.bodies["POST /collections/c/points/search"]
	must := req["filter"].(map[string]any)["must"].([]any)[0].(map[string]any)
	assert.Equal(t, "metadata.source", must["key"])
}

func TestSearch_DimensionMismatch(t *testing.T) {
	x := open(t, &fakeQdrant{})
	_, err := x.Search(context.Background(), []float32{1}, 3, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestMetadataFilter(t *testing.T) {
	assert.Nil(t, metadataFilter(nil))
	f := metadataFilter(domain.Filters{"b": "2", "a": "1"})
	require.Len(t, f.Must, 2)
	assert.Equal(t, "metadata.a", f.Must[0].Key)
	assert.Equal(t, "metadata.b", f.Must[1].Key)
}
