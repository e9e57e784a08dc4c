package kb

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/greenledger/emissions-cli/internal/model"
)

// MemoryRetriever holds embedded factors in memory and scores them with
// an exact cosine scan. It backs the sqlite driver, where no vector
// index is available; factor catalogs are small enough (a few thousand
// rows) that a linear scan is fine.
type MemoryRetriever struct {
	mu      sync.RWMutex
	factors []model.EmissionFactor
}

func NewMemoryRetriever(factors []model.EmissionFactor) *MemoryRetriever {
	return &MemoryRetriever{factors: factors}
}

// Replace swaps the factor set, e.g. after a dataset reload.
func (r *MemoryRetriever) Replace(factors []model.EmissionFactor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factors = factors
}

func (r *MemoryRetriever) TopK(ctx context.Context, embedding []float32, k int) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []model.Candidate{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []model.Candidate{}
	for _, f := range r.factors {
		if len(f.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, model.Candidate{
			Factor:     f,
			Similarity: CosineSimilarity(embedding, f.Embedding),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Factor.ID < candidates[j].Factor.ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		fa := float64(a[i])
		fb := float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
