package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/greenledger/emissions-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// single-user runs where a Postgres instance is not available; the
// knowledge base retriever falls back to in-memory similarity search in
// that mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for the in-memory knowledge base loader.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entries (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	fuel_type         TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	gas_hint          TEXT NOT NULL DEFAULT '',
	source_hint       TEXT NOT NULL DEFAULT '',
	quantity          REAL NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	scope_hint        INTEGER NOT NULL DEFAULT 0,
	occurred_at       DATETIME,
	resolution_status TEXT NOT NULL DEFAULT 'unresolved',
	resolution_error  TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS calculations (
	id              TEXT PRIMARY KEY,
	entry_id        TEXT NOT NULL REFERENCES entries(id),
	method          TEXT NOT NULL,
	emission_factor REAL NOT NULL,
	factor_unit     TEXT NOT NULL DEFAULT '',
	total_emissions REAL NOT NULL,
	emissions_unit  TEXT NOT NULL DEFAULT 'kgCO2e',
	scope           INTEGER NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL,
	similarity      REAL,
	breakdown       TEXT,
	warnings        TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (entry_id, method)
);

CREATE TABLE IF NOT EXISTS emission_factors (
	id       INTEGER PRIMARY KEY,
	activity TEXT NOT NULL,
	fuel     TEXT NOT NULL DEFAULT '',
	country  TEXT NOT NULL DEFAULT '',
	gas      TEXT NOT NULL DEFAULT '',
	value    REAL NOT NULL,
	unit     TEXT NOT NULL DEFAULT '',
	source   TEXT NOT NULL DEFAULT '',
	scope    INTEGER NOT NULL,
	embedding TEXT
);

CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(resolution_status);
CREATE INDEX IF NOT EXISTS idx_entries_tenant ON entries(tenant_id);
CREATE INDEX IF NOT EXISTS idx_calculations_entry ON calculations(entry_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEntry(ctx context.Context, entry model.Entry) (*model.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ResolutionStatus == "" {
		entry.ResolutionStatus = model.StatusUnresolved
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	var occurredAt any
	if !entry.OccurredAt.IsZero() {
		occurredAt = entry.OccurredAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.Description, entry.Category, entry.FuelType, entry.Region,
		entry.GasHint, entry.SourceHint, entry.Quantity, entry.Unit, entry.ScopeHint, occurredAt,
		string(entry.ResolutionStatus), entry.ResolutionError, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert entry")
	}
	return &entry, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, entryID string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at FROM entries WHERE id = ?`,
		entryID,
	)
	return scanSQLiteEntry(row, entryID)
}

func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error) {
	query := `SELECT id, tenant_id, description, category, fuel_type, region, gas_hint, source_hint, quantity, unit, scope_hint, occurred_at, resolution_status, resolution_error, created_at, updated_at FROM entries WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND resolution_status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows, "")
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list entries iterate")
}

func (s *SQLiteStore) SetEntryStatus(ctx context.Context, entryID string, status model.ResolutionStatus, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET resolution_status = ?, resolution_error = ?, updated_at = ? WHERE id = ?`,
		string(status), errDetail, time.Now().UTC(), entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set entry status %s", entryID)
	}
	return checkRowsAffected(res, "entry", entryID)
}

func (s *SQLiteStore) UpsertCalculation(ctx context.Context, calc model.Calculation) (string, error) {
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

	var breakdown, warnings any
	if breakdownJSON != nil {
		breakdown = string(breakdownJSON)
	}
	if warningsJSON != nil {
		warnings = string(warningsJSON)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO calculations (id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entry_id, method) DO UPDATE SET
			emission_factor = excluded.emission_factor,
			factor_unit     = excluded.factor_unit,
			total_emissions = excluded.total_emissions,
			emissions_unit  = excluded.emissions_unit,
			scope           = excluded.scope,
			source          = excluded.source,
			confidence      = excluded.confidence,
			similarity      = excluded.similarity,
			breakdown       = excluded.breakdown,
			warnings        = excluded.warnings,
			created_at      = excluded.created_at
		 RETURNING id`,
		calc.ID, calc.EntryID, string(calc.Method), calc.EmissionFactor, calc.FactorUnit,
		calc.TotalEmissions, calc.EmissionsUnit, calc.Scope, calc.Source, calc.Confidence,
		calc.Similarity, breakdown, warnings, calc.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert calculation for entry %s", calc.EntryID)
	}
	return id, nil
}

func (s *SQLiteStore) GetCalculation(ctx context.Context, entryID string, method model.ResolutionMethod) (*model.Calculation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at FROM calculations WHERE entry_id = ? AND method = ?`,
		entryID, string(method),
	)
	calc, err := scanSQLiteCalculation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get calculation %s/%s", entryID, method)
	}
	return calc, nil
}

func (s *SQLiteStore) ListCalculations(ctx context.Context, entryID string) ([]model.Calculation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, method, emission_factor, factor_unit, total_emissions, emissions_unit, scope, source, confidence, similarity, breakdown, warnings, created_at FROM calculations WHERE entry_id = ? ORDER BY method ASC`,
		entryID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calculations")
	}
	defer rows.Close()

	var calcs []model.Calculation
	for rows.Next() {
		calc, err := scanSQLiteCalculation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calculation")
		}
		calcs = append(calcs, *calc)
	}
	return calcs, eris.Wrap(rows.Err(), "sqlite: list calculations iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanSQLiteEntry(row scannable, entryID string) (*model.Entry, error) {
	var e model.Entry
	var status string
	var occurredAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Description, &e.Category, &e.FuelType, &e.Region,
		&e.GasHint, &e.SourceHint, &e.Quantity, &e.Unit, &e.ScopeHint, &occurredAt,
		&status, &e.ResolutionError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("entry not found: %s", entryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entry")
	}
	if occurredAt.Valid {
		e.OccurredAt = occurredAt.Time
	}
	e.ResolutionStatus = model.ResolutionStatus(status)
	return &e, nil
}

func scanSQLiteCalculation(row scannable) (*model.Calculation, error) {
	var c model.Calculation
	var method string
	var similarity sql.NullFloat64
	var breakdownJSON, warningsJSON sql.NullString
	err := row.Scan(
		&c.ID, &c.EntryID, &method, &c.EmissionFactor, &c.FactorUnit,
		&c.TotalEmissions, &c.EmissionsUnit, &c.Scope, &c.Source, &c.Confidence,
		&similarity, &breakdownJSON, &warningsJSON, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Method = model.ResolutionMethod(method)
	if similarity.Valid {
		c.Similarity = &similarity.Float64
	}
	if breakdownJSON.Valid && breakdownJSON.String != "" {
		var b model.GasBreakdown
		if err := json.Unmarshal([]byte(breakdownJSON.String), &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
		}
		c.Breakdown = &b
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &c.Warnings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
		}
	}
	return &c, nil
}
