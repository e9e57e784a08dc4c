package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/greenledger/emissions-cli/internal/db"
	"github.com/greenledger/emissions-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool         db.Pool
	embeddingDim int
	closeFn      func()
}

// PoolConfig holds optional connection pool and schema tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`

	// EmbeddingDim sets the pgvector column width in the migration DDL.
	// It must match the embedding model's output dimension; zero means
	// the 768-dim default.
	EmbeddingDim int `yaml:"embedding_dim" mapstructure:"embedding_dim"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_entry":        `SELECT id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at FROM entries WHERE id = $1`,
	"set_entry_status": `UPDATE entries SET resolution_status = $1, resolution_error = $2, updated_at = $3 WHERE id = $4`,
	"get_calculation":  `SELECT id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at FROM calculations WHERE entry_id = $1 AND method = $2`,
}

const upsertCalculationSQL = `INSERT INTO calculations
	(id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (entry_id, method) DO UPDATE SET
	emission_factor = EXCLUDED.emission_factor,
	factor_unit     = EXCLUDED.factor_unit,
	total_emissions = EXCLUDED.total_emissions,
	emissions_unit  = EXCLUDED.emissions_unit,
	scope           = EXCLUDED.scope,
	source          = EXCLUDED.source,
	confidence      = EXCLUDED.confidence,
	similarity      = EXCLUDED.similarity,
	breakdown       = EXCLUDED.breakdown,
	warnings        = EXCLUDED.warnings,
	created_at      = EXCLUDED.created_at
RETURNING id`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	dim := 0
	if poolCfg != nil {
		dim = poolCfg.EmbeddingDim
	}
	return &PostgresStore{pool: pool, embeddingDim: dim, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (the knowledge base retriever and factor loader).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// defaultEmbeddingDim matches the default Gemini embedding width.
const defaultEmbeddingDim = 768

const postgresMigrationTmpl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS entries (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id         TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	fuel_type         TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	gas_hint          TEXT NOT NULL DEFAULT '',
	source_hint       TEXT NOT NULL DEFAULT '',
	quantity          DOUBLE PRECISION NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	scope_hint        INT NOT NULL DEFAULT 0,
	occurred_at       TIMESTAMPTZ,
	resolution_status TEXT NOT NULL DEFAULT 'unresolved',
	resolution_error  TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS calculations (
	id              TEXT PRIMARY KEY,
	entry_id        TEXT NOT NULL REFERENCES entries(id),
	method          TEXT NOT NULL,
	emission_factor DOUBLE PRECISION NOT NULL,
	factor_unit     TEXT NOT NULL DEFAULT '',
	total_emissions DOUBLE PRECISION NOT NULL,
	emissions_unit  TEXT NOT NULL DEFAULT 'kgCO2e',
	scope           INT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL,
	similarity      DOUBLE PRECISION,
	breakdown       JSONB,
	warnings        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entry_id, method)
);

CREATE TABLE IF NOT EXISTS emission_factors (
	id        BIGINT PRIMARY KEY,
	activity  TEXT NOT NULL,
	fuel      TEXT NOT NULL DEFAULT '',
	country   TEXT NOT NULL DEFAULT '',
	gas       TEXT NOT NULL DEFAULT '',
	value     DOUBLE PRECISION NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	source    TEXT NOT NULL DEFAULT '',
	scope     INT NOT NULL,
	embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(resolution_status);
CREATE INDEX IF NOT EXISTS idx_entries_tenant ON entries(tenant_id);
CREATE INDEX IF NOT EXISTS idx_calculations_entry ON calculations(entry_id);
`

// migrationSQL renders the schema DDL for the configured embedding
// width. The pgvector column width is fixed at migration time; a later
// model switch to a different width needs a manual column rebuild.
func migrationSQL(embeddingDim int) string {
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}
	return fmt.Sprintf(postgresMigrationTmpl, embeddingDim)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationSQL(s.embeddingDim)); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateEntry(ctx context.Context, entry model.Entry) (*model.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ResolutionStatus == "" {
		entry.ResolutionStatus = model.StatusUnresolved
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entries (id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID, entry.TenantID, entry.Description, entry.Category, entry.FuelType, entry.Region,
		entry.GasHint, entry.SourceHint, entry.Quantity, entry.Unit, entry.ScopeHint, entry.OccurredAt,
		string(entry.ResolutionStatus), entry.ResolutionError, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create entry")
	}
	return &entry, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (*model.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at FROM entries WHERE id = $1`,
		entryID,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entry %s", entryID)
	}
	return entry, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error) {
	query := `SELECT id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at FROM entries WHERE 1=1`
	args := []any{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND resolution_status = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list entries")
}

func (s *PostgresStore) SetEntryStatus(ctx context.Context, entryID string, status model.ResolutionStatus, errDetail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET resolution_status = $1, resolution_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errDetail, time.Now().UTC(), entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set entry status %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: entry %s not found", entryID)
	}
	return nil
}

// UpsertCalculation inserts or replaces the calculation for the
// (entry_id, method) key. The UNIQUE constraint serializes concurrent
// upserts for the same key; the surviving row keeps its original id.
func (s *PostgresStore) UpsertCalculation(ctx context.Context, calc model.Calculation) (string, error) {
	if calc.ID == "" {
		calc.ID = uuid.New().String()
	}
	if calc.CreatedAt.IsZero() {
		calc.CreatedAt = time.Now().UTC()
	}

	breakdownJSON, warningsJSON, err := marshalCalcJSON(calc)
	if err != nil {
		return "", err
	}

	var id string
	err = s.pool.QueryRow(ctx, upsertCalculationSQL,
		calc.ID, calc.EntryID, string(calc.Method), calc.EmissionFactor, calc.FactorUnit,
		calc.TotalEmissions, calc.EmissionsUnit, calc.Scope, calc.Source, calc.Confidence,
		calc.Similarity, breakdownJSON, warningsJSON, calc.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert calculation for entry %s", calc.EntryID)
	}
	return id, nil
}

func (s *PostgresStore) GetCalculation(ctx context.Context, entryID string, method model.ResolutionMethod) (*model.Calculation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at FROM calculations WHERE entry_id = $1 AND method = $2`,
		entryID, string(method),
	)
	calc, err := scanCalculation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get calculation %s/%s", entryID, method)
	}
	return calc, nil
}

func (s *PostgresStore) ListCalculations(ctx context.Context, entryID string) ([]model.Calculation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at FROM calculations WHERE entry_id = $1 ORDER BY method ASC`,
		entryID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calculations")
	}
	defer rows.Close()

	var calcs []model.Calculation
	for rows.Next() {
		calc, err := scanCalculation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan calculation")
		}
		calcs = append(calcs, *calc)
	}
	return calcs, eris.Wrap(rows.Err(), "postgres: list calculations")
}

// scannable covers both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.Entry, error) {
	var e model.Entry
	var status string
	var occurredAt *time.Time
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Description, &e.Category, &e.FuelType, &e.Region,
		&e.GasHint, &e.SourceHint, &e.Quantity, &e.Unit, &e.ScopeHint, &occurredAt,
		&status, &e.ResolutionError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if occurredAt != nil {
		e.OccurredAt = *occurredAt
	}
	e.ResolutionStatus = model.ResolutionStatus(status)
	return &e, nil
}

func scanCalculation(row scannable) (*model.Calculation, error) {
	var c model.Calculation
	var method string
	var breakdownJSON, warningsJSON []byte
	err := row.Scan(
		&c.ID, &c.EntryID, &method, &c.EmissionFactor, &c.FactorUnit,
		&c.TotalEmissions, &c.EmissionsUnit, &c.Scope, &c.Source, &c.Confidence,
		&c.Similarity, &breakdownJSON, &warningsJSON, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Method = model.ResolutionMethod(method)
	if len(breakdownJSON) > 0 {
		var b model.GasBreakdown
		if err := json.Unmarshal(breakdownJSON, &b); err != nil {
			return nil, eris.Wrap(err, "unmarshal breakdown")
		}
		c.Breakdown = &b
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &c.Warnings); err != nil {
			return nil, eris.Wrap(err, "unmarshal warnings")
		}
	}
	return &c, nil
}

func marshalCalcJSON(calc model.Calculation) (breakdown, warnings []byte, err error) {
	if calc.Breakdown != nil {
		breakdown, err = json.Marshal(calc.Breakdown)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal breakdown")
		}
	}
	if len(calc.Warnings) > 0 {
		warnings, err = json.Marshal(calc.Warnings)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal warnings")
		}
	}
	return breakdown, warnings, nil
}
