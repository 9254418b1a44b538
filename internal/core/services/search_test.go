package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestSearch_RetrievesAndReranks(t *testing.T) {
	c := newCorpus(t, sampleDocs)
	retriever := NewRetriever(NewEmbeddingClient(c.embedder), c.vectors, WithKeywordSearch(c.keywords))
	svc := NewSearchService(retriever, NewReranker(LexicalScorer{}, 10, 10, 0), 10)

	res, err := svc.Search(context.Background(), "capital of Germany", 2, nil)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "doc2-a", res.Candidates[0].Chunk.ID)
	assert.False(t, res.Degraded)
}

func TestSearch_Filters(t *testing.T) {
	c := newCorpus(t, sampleDocs)
	svc := NewSearchService(NewRetriever(NewEmbeddingClient(c.embedder), c.vectors), nil, 0)

	res, err := svc.Search(context.Background(), "capital", 5, domain.Filters{domain.MetaSource: "doc2.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	for _, cand := range res.Candidates {
		assert.Equal(t, "doc2", cand.Chunk.DocumentID)
	}
}

func TestSearch_DegradedReranker(t *testing.T) {
	c := newCorpus(t, sampleDocs)
	retriever := NewRetriever(NewEmbeddingClient(c.embedder), c.vectors)
	svc := NewSearchService(retriever, NewReranker(&stubScorer{err: domain.ErrRerankUnavailable}, 0, 0, 0), 0)

	res, err := svc.Search(context.Background(), "bananas", 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Warning, "re-ranking unavailable")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "doc3", res.Candidates[0].Chunk.DocumentID)
}

func TestSearch_EmptyQuery(t *testing.T) {
	c := newCorpus(t, sampleDocs)
	svc := NewSearchService(NewRetriever(NewEmbeddingClient(c.embedder), c.vectors), nil, 0)

	_, err := svc.Search(context.Background(), "  ", 5, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSearch_RetrievalErrorCarriesPhase(t *testing.T) {
	c := newCorpus(t, sampleDocs)
	vectors := failingVectors{VectorIndex: c.vectors, err: domain.ErrIndexUnavailable}
	svc := NewSearchService(NewRetriever(NewEmbeddingClient(c.embedder), vectors), nil, 0)

	_, err := svc.Search(context.Background(), "capital", 5, nil)
	var pe *domain.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.PhaseRetrieval, pe.Phase)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}
