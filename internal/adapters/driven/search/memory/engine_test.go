package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func chunk(id, doc string, ordinal int, text string, meta map[string]any) domain.Chunk {
	return domain.Chunk{ID: id, DocumentID: doc, Ordinal: ordinal, Content: text, Metadata: meta}
}

func seeded(t *testing.T) *Engine {
	t.Helper()
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, "geo", []domain.Chunk{
		chunk("g0", "geo", 0, "Paris is the capital of France.", map[string]any{"source": "geo.txt"}),
		chunk("g1", "geo", 1, "Berlin is the capital of Germany.", map[string]any{"source": "geo.txt"}),
	}))
	require.NoError(t, e.Index(ctx, "food", []domain.Chunk{
		chunk("f0", "food", 0, "France is known for cheese and bread. Paris bakeries open early.", map[string]any{"source": "food.txt"}),
	}))
	return e
}

func TestSearch_RanksByBM25(t *testing.T) {
	e := seeded(t)

	got, err := e.Search(context.Background(), "capital of France", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "g0", got[0].Chunk.ID)
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, domain.OriginKeyword, got[0].Origin)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	e := seeded(t)
	first, err := e.Search(context.Background(), "paris france capital", 10, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Search(context.Background(), "paris france capital", 10, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearch_FiltersAndLimit(t *testing.T) {
	e := seeded(t)

	got, err := e.Search(context.Background(), "paris", 10, domain.Filters{"source": "food.txt"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f0", got[0].Chunk.ID)

	got, err = e.Search(context.Background(), "capital", 1, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSearch_NoTerms(t *testing.T) {
	e := seeded(t)
	got, err := e.Search(context.Background(), "the of ?", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = New().Search(context.Background(), "paris", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndex_ReplacesDocument(t *testing.T) {
	e := seeded(t)
	ctx := context.Background()
	require.Equal(t, 3, e.Len())

	require.NoError(t, e.Index(ctx, "geo", []domain.Chunk{
		chunk("g0b", "geo", 0, "Rome is the capital of Italy.", nil),
	}))
	assert.Equal(t, 2, e.Len())

	got, err := e.Search(ctx, "berlin", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.Search(ctx, "rome", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "g0b", got[0].Chunk.ID)
}

func TestDelete_Idempotent(t *testing.T) {
	e := seeded(t)
	ctx := context.Background()

	require.NoError(t, e.Delete(ctx, "geo"))
	require.NoError(t, e.Delete(ctx, "geo"))
	assert.Equal(t, 1, e.Len())
	assert.NotContains(t, e.df, "berlin")
}
