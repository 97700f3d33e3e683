package repo

import (
	"context"
	"math"
	"sort"

	"flanes/internal/domain"
	"flanes/internal/ledger"
)

// Embedder is the polymorphic capability an external semantic-search
// collaborator provides: turn text into a vector. spec.md names this an
// out-of-scope external collaborator; this interface plus the substring
// fallback in Search is the seam a real embedding service plugs into.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// rankBySimilarity re-orders substring matches by cosine similarity between
// the query's embedding and each match's stored intent embedding, leaving
// matches with no stored vector at the end in their original order.
func rankBySimilarity(ctx context.Context, led ledger.Ledger, embedder Embedder, query string, matches []domain.Transition) ([]domain.Transition, error) {
	queryVec, err := embedder.Embed(ctx, query)
	if err != nil || len(queryVec) == 0 {
		return matches, nil // embedding unavailable: fall back to substring order
	}

	type scored struct {
		t     domain.Transition
		score float64
		has   bool
	}
	entries := make([]scored, len(matches))
	for i, t := range matches {
		vec, ok, err := led.GetEmbedding(ctx, t.Intent.ID)
		if err != nil || !ok {
			entries[i] = scored{t: t}
			continue
		}
		entries[i] = scored{t: t, score: cosineSimilarity(queryVec, vec), has: true}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].has != entries[j].has {
			return entries[i].has // vectored entries sort before unvectored ones
		}
		return entries[i].score > entries[j].score
	})
	out := make([]domain.Transition, len(entries))
	for i, e := range entries {
		out[i] = e.t
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// IndexEmbedding stores an intent's embedding vector, e.g. computed by an
// Embedder at checkpoint time, so later Search calls can rank against it.
func (r *Repository) IndexEmbedding(ctx context.Context, intentID string, vector []float32) error {
	return r.Ledger.StoreEmbedding(ctx, intentID, vector)
}
