package kb

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/greenledger/emissions-cli/internal/db"
	"github.com/greenledger/emissions-cli/internal/model"
)

// Embedder is the slice of the embedding client the loader needs to
// backfill factor vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// factorDocument is the YAML shape of a factor dataset file.
type factorDocument struct {
	Source  string `yaml:"source"`
	Factors []struct {
		ID       int64   `yaml:"id"`
		Activity string  `yaml:"activity"`
		Fuel     string  `yaml:"fuel"`
		Country  string  `yaml:"country"`
		Gas      string  `yaml:"gas"`
		Value    float64 `yaml:"value"`
		Unit     string  `yaml:"unit"`
		Source   string  `yaml:"source"`
		Scope    int     `yaml:"scope"`
	} `yaml:"factors"`
}

// LoadFactorFile parses a factor dataset from a .yaml/.yml or .xlsx file.
func LoadFactorFile(path string) ([]model.EmissionFactor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".xlsx":
		return loadXLSX(path)
	default:
		return nil, eris.Errorf("kb: unsupported factor file format: %s", path)
	}
}

func loadYAML(path string) ([]model.EmissionFactor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "kb: read factor file %s", path)
	}

	var doc factorDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "kb: parse factor yaml %s", path)
	}

	factors := make([]model.EmissionFactor, 0, len(doc.Factors))
	for i, f := range doc.Factors {
		if f.Activity == "" {
			return nil, eris.Errorf("kb: factor %d in %s has no activity", i, path)
		}
		if f.Value <= 0 {
			return nil, eris.Errorf("kb: factor %d (%s) has non-positive value", i, f.Activity)
		}
		source := f.Source
		if source == "" {
			source = doc.Source
		}
		factors = append(factors, model.EmissionFactor{
			ID:       f.ID,
			Activity: f.Activity,
			Fuel:     f.Fuel,
			Country:  f.Country,
			Gas:      f.Gas,
			Value:    f.Value,
			Unit:     f.Unit,
			Source:   source,
			Scope:    f.Scope,
		})
	}
	return factors, nil
}

// xlsx column layout: id, activity, fuel, country, gas, value, unit, source, scope
func loadXLSX(path string) ([]model.EmissionFactor, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "kb: open factor xlsx %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("kb: factor xlsx %s has no sheets", path)
	}

	var factors []model.EmissionFactor
	for i, row := range f.Sheets[0].Rows {
		if i == 0 {
			continue // header row
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		if len(cells) < 9 {
			return nil, eris.Errorf("kb: row %d in %s has %d columns, want 9", i+1, path, len(cells))
		}
		if cells[1] == "" {
			continue // blank trailing rows
		}

		id, err := strconv.ParseInt(cells[0], 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "kb: row %d in %s: bad id", i+1, path)
		}
		value, err := strconv.ParseFloat(cells[5], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "kb: row %d in %s: bad value", i+1, path)
		}
		scope, err := strconv.Atoi(cells[8])
		if err != nil {
			return nil, eris.Wrapf(err, "kb: row %d in %s: bad scope", i+1, path)
		}

		factors = append(factors, model.EmissionFactor{
			ID:       id,
			Activity: cells[1],
			Fuel:     cells[2],
			Country:  cells[3],
			Gas:      cells[4],
			Value:    value,
			Unit:     cells[6],
			Source:   cells[7],
			Scope:    scope,
		})
	}
	return factors, nil
}

// FactorText renders a factor into the canonical text embedded into the
// knowledge base. Field order mirrors the entry normalizer so query and
// factor vectors live in the same space.
func FactorText(f model.EmissionFactor) string {
	parts := []string{f.Activity}
	for _, s := range []string{f.Fuel, f.Country, f.Gas, f.Unit, f.Source} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(strings.Join(parts, " | "))
}

// EmbedFactors backfills embeddings for factors that do not have one,
// batching requests up to batchSize texts at a time.
func EmbedFactors(ctx context.Context, embedder Embedder, factors []model.EmissionFactor, batchSize int) error {
	if batchSize <= 0 {
		return eris.New("kb: embed batch size must be positive")
	}

	var pending []int
	for i := range factors {
		if len(factors[i].Embedding) == 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	zap.L().Info("embedding factors", zap.Int("count", len(pending)))

	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		chunk := pending[start:end]

		texts := make([]string, len(chunk))
		for j, idx := range chunk {
			texts[j] = FactorText(factors[idx])
		}

		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return eris.Wrap(err, "kb: embed factor batch")
		}
		if len(vectors) != len(texts) {
			return eris.Errorf("kb: embed batch returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for j, idx := range chunk {
			factors[idx].Embedding = vectors[j]
		}
	}
	return nil
}

var factorColumns = []string{"id", "activity", "fuel", "country", "gas", "value", "unit", "source", "scope", "embedding"}

// SyncPostgres upserts factors into the emission_factors table, keyed by id.
func SyncPostgres(ctx context.Context, pool db.Pool, factors []model.EmissionFactor) (int64, error) {
	rows := make([][]any, 0, len(factors))
	for _, f := range factors {
		var embedding any
		if len(f.Embedding) > 0 {
			embedding = pgvector.NewVector(f.Embedding)
		}
		rows = append(rows, []any{
			f.ID, f.Activity, f.Fuel, f.Country, f.Gas, f.Value, f.Unit, f.Source, f.Scope, embedding,
		})
	}

	n, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "emission_factors",
		Columns:      factorColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "kb: sync factors")
	}
	zap.L().Info("synced emission factors", zap.Int64("rows", n))
	return n, nil
}
