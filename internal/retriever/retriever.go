package retriever

import (
	"context"
)

const (
	// MinK and MaxK bound the number of passages a caller may request.
	MinK = 1
	MaxK = 50

	// DefaultK matches the index tooling's evaluation setup.
	DefaultK = 5
)

// Passage is one retrieved knowledge-base chunk with provenance.
type Passage struct {
	// SourceID identifies the indexed document chunk.
	SourceID string
	// Snippet is the chunk text.
	Snippet string
	// Score is the relevance in [0, 1], higher is better.
	Score float64
	// Rank is the 1-based position in the result; ordering is by Score
	// descending, ties broken by index insertion order.
	Rank int
}

// Retriever returns the top-k most relevant passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// ClampK normalizes a requested result count into [MinK, MaxK]. Zero or
// negative values fall back to DefaultK.
func ClampK(k int) int {
	switch {
	case k <= 0:
		return DefaultK
	case k < MinK:
		return MinK
	case k > MaxK:
		return MaxK
	default:
		return k
	}
}

// Disabled is the retriever used when no index is configured. It always
// returns an empty result.
type Disabled struct{}

// Retrieve implements Retriever.
func (Disabled) Retrieve(_ context.Context, _ string, _ int) ([]Passage, error) {
	return nil, nil
}
