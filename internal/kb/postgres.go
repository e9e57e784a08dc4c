package kb

import (
	"context"

	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/greenledger/emissions-cli/internal/db"
	"github.com/greenledger/emissions-cli/internal/model"
)

// PostgresRetriever runs nearest-neighbor queries against the
// emission_factors table using the pgvector cosine distance operator.
type PostgresRetriever struct {
	pool db.Pool
}

func NewPostgresRetriever(pool db.Pool) *PostgresRetriever {
	return &PostgresRetriever{pool: pool}
}

const topKSQL = `
SELECT
	id, activity, fuel, country, gas, value, unit, source, scope,
	(1 - (embedding <=> $1::vector))::DOUBLE PRECISION AS cosine
FROM emission_factors
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1::vector ASC, id ASC
LIMIT $2`

func (r *PostgresRetriever) TopK(ctx context.Context, embedding []float32, k int) ([]model.Candidate, error) {
	if k <= 0 {
		return []model.Candidate{}, nil
	}

	rows, err := r.pool.Query(ctx, topKSQL, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, eris.Wrap(err, "kb: query nearest factors")
	}
	defer rows.Close()

	candidates := []model.Candidate{}
	for rows.Next() {
		var c model.Candidate
		err := rows.Scan(
			&c.Factor.ID, &c.Factor.Activity, &c.Factor.Fuel, &c.Factor.Country,
			&c.Factor.Gas, &c.Factor.Value, &c.Factor.Unit, &c.Factor.Source,
			&c.Factor.Scope, &c.Similarity,
		)
		if err != nil {
			return nil, eris.Wrap(err, "kb: scan candidate")
		}
		candidates = append(candidates, c)
	}
	return candidates, eris.Wrap(rows.Err(), "kb: iterate candidates")
}
