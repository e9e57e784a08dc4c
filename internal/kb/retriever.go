// Package kb holds the emission factor knowledge base: loading factor
// datasets, embedding them, and retrieving nearest factors for a query
// vector.
package kb

import (
	"context"

	"github.com/greenledger/emissions-cli/internal/model"
)

// Retriever finds the k nearest emission factors for a query embedding.
//
// Results are ordered by descending cosine similarity; candidates with
// equal similarity are ordered by ascending factor id. Factors without a
// stored embedding are never returned. An empty knowledge base yields an
// empty slice, not an error.
type Retriever interface {
	TopK(ctx context.Context, embedding []float32, k int) ([]model.Candidate, error)
}
