package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestNew(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		p := New()
		assert.Equal(t, DefaultMaxSize, p.maxSize)
		assert.Equal(t, DefaultOverlapFraction, p.overlap)
		assert.Equal(t, DefaultBoundaryLookback, p.lookback)
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		p := New(WithMaxSize(0), WithOverlapFraction(1.5), WithBoundaryLookback(-1))
		assert.Equal(t, DefaultMaxSize, p.maxSize)
		assert.Equal(t, DefaultOverlapFraction, p.overlap)
		assert.Equal(t, DefaultBoundaryLookback, p.lookback)
	})

	t.Run("lookback capped at half window", func(t *testing.T) {
		p := New(WithMaxSize(100), WithBoundaryLookback(80))
		assert.Equal(t, 50, p.lookback)
	})

	t.Run("overlap stays below window", func(t *testing.T) {
		p := New(WithMaxSize(10), WithOverlapFraction(0.99))
		assert.Less(t, p.OverlapChars(), p.MaxSize())
	})
}

func TestProcessor_Name(t *testing.T) {
	assert.Equal(t, "chunker", New().Name())
}

func TestProcess_EmptyDocumentIsError(t *testing.T) {
	p := New()
	for _, content := range []string{"", "   ", "\n\t\n"} {
		chunks, err := p.Process(context.Background(), &domain.Document{ID: "d", Content: content}, nil)
		assert.ErrorIs(t, err, domain.ErrEmptyDocument)
		assert.Nil(t, chunks)
	}
}

func TestProcess_SingleChunk(t *testing.T) {
	doc := &domain.Document{
		ID:      "doc1",
		Source:  "geo.txt",
		Content: "Paris is the capital of France. It has a population of over 2 million.",
		Metadata: map[string]any{
			domain.MetaMimeType: "text/plain",
			"internal":          "not inherited",
		},
	}

	chunks, err := New().Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, doc.Content, c.Content)
	assert.Equal(t, "doc1", c.DocumentID)
	assert.Equal(t, 0, c.Ordinal)
	assert.Equal(t, 0, c.Start())
	assert.Equal(t, len([]rune(doc.Content)), c.End())
	assert.Equal(t, "geo.txt", c.Metadata[domain.MetaSource])
	assert.Equal(t, "text/plain", c.Metadata[domain.MetaMimeType])
	assert.NotContains(t, c.Metadata, "internal")
}

func TestProcess_SnapsToSentence(t *testing.T) {
	doc := &domain.Document{ID: "d", Content: "Hello world. Goodbye world."}

	chunks, err := New(WithMaxSize(20), WithOverlapFraction(0), WithBoundaryLookback(10)).
		Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Hello world. ", chunks[0].Content)
	assert.Equal(t, "Goodbye world.", chunks[1].Content)
}

func TestProcess_PrefersParagraph(t *testing.T) {
	doc := &domain.Document{ID: "d", Content: "Alpha beta.\n\nGamma delta. Epsilon zeta eta theta"}

	chunks, err := New(WithMaxSize(24), WithOverlapFraction(0), WithBoundaryLookback(12)).
		Process(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, "Alpha beta.\n\n", chunks[0].Content)
}

func TestProcess_HardCutWithoutBoundary(t *testing.T) {
	doc := &domain.Document{ID: "d", Content: strings.Repeat("x", 25)}

	chunks, err := New(WithMaxSize(10), WithOverlapFraction(0)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{10, 10, 5}, []int{len(chunks[0].Content), len(chunks[1].Content), len(chunks[2].Content)})
}

func TestProcess_Properties(t *testing.T) {
	texts := []string{
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		strings.Repeat("Zürich läuft. Ça va très bien! 東京は大きい。\n\n", 25),
		"no-boundaries-" + strings.Repeat("abcdefghij", 60),
		"Short.",
	}
	configs := []*Processor{
		New(),
		New(WithMaxSize(64), WithOverlapFraction(0.25), WithBoundaryLookback(16)),
		New(WithMaxSize(17), WithOverlapFraction(0.9)),
		New(WithMaxSize(50), WithOverlapFraction(0), WithBoundaryLookback(0)),
	}

	for _, text := range texts {
		for _, p := range configs {
			doc := &domain.Document{ID: "doc", Content: text}
			chunks, err := p.Process(context.Background(), doc, nil)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			// round trip
			assert.Equal(t, text, Reconstruct(chunks))

			for i, c := range chunks {
				// contiguous, strictly increasing ordinals
				assert.Equal(t, i, c.Ordinal)
				assert.LessOrEqual(t, len([]rune(c.Content)), p.MaxSize())
				// exact substring at recorded offsets
				assert.Equal(t, string([]rune(text)[c.Start():c.End()]), c.Content)
				if i > 0 {
					assert.Greater(t, c.Start(), chunks[i-1].Start())
					assert.LessOrEqual(t, chunks[i-1].End()-c.Start(), p.OverlapChars())
				}
			}
		}
	}
}

func TestProcess_DeterministicIDs(t *testing.T) {
	doc := &domain.Document{ID: "doc", Content: strings.Repeat("Sentence number one. ", 30)}
	p := New(WithMaxSize(100))

	first, err := p.Process(context.Background(), doc, nil)
	require.NoError(t, err)
	second, err := p.Process(context.Background(), doc, nil)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	seen := map[string]bool{}
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.False(t, seen[first[i].ID], "duplicate chunk id")
		seen[first[i].ID] = true
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Process(ctx, &domain.Document{ID: "d", Content: "text"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, ChunkID("d", 1, "h"), ChunkID("d", 1, "h"))
	assert.NotEqual(t, ChunkID("d", 1, "h"), ChunkID("d", 2, "h"))
	assert.NotEqual(t, ChunkID("d", 1, "h"), ChunkID("e", 1, "h"))
}
