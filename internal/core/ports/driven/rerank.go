package driven

import "context"

// RerankScorer scores passages against a query with a finer relevance
// signal than embedding similarity. Higher is more relevant.
type RerankScorer interface {
	// Name identifies the scorer in logs.
	Name() string

	// Score returns one score per passage, in passage order.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
