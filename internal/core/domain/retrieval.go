package domain

import "sort"

// CandidateOrigin records which retrieval path produced a candidate.
type CandidateOrigin string

// Retrieval paths.
const (
	OriginVector  CandidateOrigin = "vector"
	OriginKeyword CandidateOrigin = "keyword"
	OriginHybrid  CandidateOrigin = "hybrid"
)

// Candidate is a transient retrieval hit. Never persisted.
type Candidate struct {
	Chunk  Chunk
	Score  float64
	Rank   int
	Origin CandidateOrigin
}

// RetrievalResult is the output of a retrieval pass.
type RetrievalResult struct {
	Candidates []Candidate

	// Degraded is set when a secondary path failed or the primary path was
	// replaced by the keyword path.
	Degraded bool

	// Warnings describes each degradation, for logging and response flags.
	Warnings []string
}

// RerankResult is the output of the re-ranker.
type RerankResult struct {
	Candidates []Candidate

	// Degraded is set when the scorer was unavailable and the original
	// retrieval order was kept.
	Degraded bool
	Warning  string
}

// SortCandidates orders candidates by descending score. Ties fall back to
// the earliest ordinal and then the lowest chunk id, so the order is total.
// Ranks are reassigned from 1.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return CandidateLess(c[i], c[j])
	})
	for i := range c {
		c[i].Rank = i + 1
	}
}

// CandidateLess is the deterministic candidate ordering.
func CandidateLess(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Chunk.Ordinal != b.Chunk.Ordinal {
		return a.Chunk.Ordinal < b.Chunk.Ordinal
	}
	return a.Chunk.ID < b.Chunk.ID
}

// CitedSource is a document reference included in a generated answer.
type CitedSource struct {
	DocumentID string
	Title      string
	Source     string
}
