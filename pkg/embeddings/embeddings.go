// Package embeddings defines the narrow interface this repo consumes to
// score a message's semantic similarity to known high-impact content
// using a real embedding model, without depending on any particular
// provider; only the consumer-side contract lives here. pkg/scorer's
// EmbeddingProvider option accepts anything satisfying Provider.
package embeddings

import (
	"context"
	"strings"
)

// Provider estimates how similar text is to a high-impact reference set,
// returning a 0..1 score.
type Provider interface {
	SimilarityToHighImpact(ctx context.Context, text string) (float64, error)
}

// StaticProvider is a Provider that scores any input by substring
// membership in a fixed high-impact phrase list, each match contributing
// a fixed weight capped at 1. Useful for tests and for local development
// without a real embedding model.
type StaticProvider struct {
	Phrases []string
	Weight  float64
}

func (p StaticProvider) SimilarityToHighImpact(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	weight := p.Weight
	if weight <= 0 {
		weight = 0.25
	}
	lower := strings.ToLower(text)
	score := 0.0
	for _, phrase := range p.Phrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			score += weight
		}
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
