package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortCandidates_TieBreaks(t *testing.T) {
	c := []Candidate{
		{Chunk: Chunk{ID: "b", Ordinal: 1}, Score: 0.5},
		{Chunk: Chunk{ID: "a", Ordinal: 1}, Score: 0.5},
		{Chunk: Chunk{ID: "z", Ordinal: 0}, Score: 0.5},
		{Chunk: Chunk{ID: "y", Ordinal: 7}, Score: 0.9},
	}

	SortCandidates(c)

	var ids []string
	for i, cand := range c {
		ids = append(ids, cand.Chunk.ID)
		assert.Equal(t, i+1, cand.Rank)
	}
	assert.Equal(t, []string{"y", "z", "a", "b"}, ids)
}

func TestSortCandidates_Deterministic(t *testing.T) {
	build := func() []Candidate {
		return []Candidate{
			{Chunk: Chunk{ID: "c3", Ordinal: 2}, Score: 0.1},
			{Chunk: Chunk{ID: "c1", Ordinal: 0}, Score: 0.1},
			{Chunk: Chunk{ID: "c2", Ordinal: 0}, Score: 0.1},
		}
	}
	first, second := build(), build()
	second[0], second[2] = second[2], second[0]

	SortCandidates(first)
	SortCandidates(second)

	assert.Equal(t, first, second)
}
