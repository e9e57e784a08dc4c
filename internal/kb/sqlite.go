package kb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
)

// SyncSQLite upserts factors into the emission_factors table, keyed by
// id. Embeddings are stored as JSON text; similarity search over sqlite
// goes through MemoryRetriever.
func SyncSQLite(ctx context.Context, db *sql.DB, factors []model.EmissionFactor) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "kb: begin factor sync")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO emission_factors (id, activity, fuel, country, gas, value, unit, source, scope, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			activity  = excluded.activity,
			fuel      = excluded.fuel,
			country   = excluded.country,
			gas       = excluded.gas,
			value     = excluded.value,
			unit      = excluded.unit,
			source    = excluded.source,
			scope     = excluded.scope,
			embedding = excluded.embedding`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "kb: prepare factor upsert")
	}
	defer stmt.Close()

	var n int64
	for _, f := range factors {
		var embedding sql.NullString
		if len(f.Embedding) > 0 {
			data, err := json.Marshal(f.Embedding)
			if err != nil {
				return 0, eris.Wrapf(err, "kb: marshal embedding for factor %d", f.ID)
			}
			embedding = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.Activity, f.Fuel, f.Country, f.Gas, f.Value, f.Unit, f.Source, f.Scope, embedding,
		); err != nil {
			return 0, eris.Wrapf(err, "kb: upsert factor %d", f.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "kb: commit factor sync")
	}
	zap.L().Info("synced emission factors", zap.Int64("rows", n))
	return n, nil
}

// LoadSQLiteFactors reads all factors back, decoding stored embeddings.
func LoadSQLiteFactors(ctx context.Context, db *sql.DB) ([]model.EmissionFactor, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, activity, fuel, country, gas, value, unit, source, scope, embedding FROM emission_factors ORDER BY id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "kb: load factors")
	}
	defer rows.Close()

	var factors []model.EmissionFactor
	for rows.Next() {
		var f model.EmissionFactor
		var embedding sql.NullString
		if err := rows.Scan(&f.ID, &f.Activity, &f.Fuel, &f.Country, &f.Gas, &f.Value, &f.Unit, &f.Source, &f.Scope, &embedding); err != nil {
			return nil, eris.Wrap(err, "kb: scan factor")
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &f.Embedding); err != nil {
				return nil, eris.Wrapf(err, "kb: decode embedding for factor %d", f.ID)
			}
		}
		factors = append(factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "kb: iterate factors")
	}
	return factors, nil
}
