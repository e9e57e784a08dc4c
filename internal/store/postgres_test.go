package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenledger/emissions-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

var entryColumns = []string{
	"id", "tenant_id", "description", "category", "fuel_type", "region",
	"gas_hint", "source_hint", "quantity", "unit", "scope_hint", "occurred_at",
	"resolution_status", "resolution_error", "created_at", "updated_at",
}

var calcColumns = []string{
	"id", "entry_id", "method", "emission_factor", "factor_unit",
	"total_emissions", "emissions_unit", "scope", "source", "confidence",
	"similarity", "breakdown", "warnings", "created_at",
}

func TestPostgresCreateEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO entries`).
		WithArgs(pgxmock.AnyArg(), "acme", "diesel for generators", "stationary combustion", "diesel",
			"GB", "", "", 120.0, "litre", 1, pgxmock.AnyArg(), "unresolved", "",
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, err := s.CreateEntry(context.Background(), model.Entry{
		TenantID:    "acme",
		Description: "diesel for generators",
		Category:    "stationary combustion",
		FuelType:    "diesel",
		Region:      "GB",
		Quantity:    120,
		Unit:        "litre",
		ScopeHint:   1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusUnresolved, created.ResolutionStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	occurred := now.Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT .+ FROM entries WHERE id = \$1`).
		WithArgs("entry-1").
		WillReturnRows(pgxmock.NewRows(entryColumns).AddRow(
			"entry-1", "acme", "diesel for generators", "stationary combustion", "diesel",
			"GB", "", "", 120.0, "litre", 1, &occurred,
			"resolved", "", now, now,
		))

	entry, err := s.GetEntry(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, model.StatusResolved, entry.ResolutionStatus)
	assert.Equal(t, occurred, entry.OccurredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetEntryNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM entries WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(entryColumns))

	_, err := s.GetEntry(context.Background(), "nope")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEntriesFilters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM entries WHERE 1=1 AND tenant_id = \$1 AND resolution_status = \$2 ORDER BY created_at ASC LIMIT \$3`).
		WithArgs("acme", "unresolved", 10).
		WillReturnRows(pgxmock.NewRows(entryColumns).AddRow(
			"entry-1", "acme", "diesel", "stationary combustion", "diesel",
			"GB", "", "", 120.0, "litre", 1, (*time.Time)(nil),
			"unresolved", "", now, now,
		))

	entries, err := s.ListEntries(context.Background(), EntryFilter{
		TenantID: "acme",
		Status:   model.StatusUnresolved,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "entry-1", entries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetEntryStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entries SET resolution_status = \$1`).
		WithArgs("unresolvable", "fallback exhausted", pgxmock.AnyArg(), "entry-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetEntryStatus(context.Background(), "entry-1", model.StatusUnresolvable, "fallback exhausted")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetEntryStatusNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entries SET resolution_status = \$1`).
		WithArgs("resolved", "", pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetEntryStatus(context.Background(), "ghost", model.StatusResolved, "")
	assert.ErrorContains(t, err, "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertCalculation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	sim := 0.91
	mock.ExpectQuery(`INSERT INTO calculations .+ ON CONFLICT \(entry_id, method\) DO UPDATE SET`).
		WithArgs(pgxmock.AnyArg(), "entry-1", "RETRIEVAL", 2.68, "kgCO2e/litre",
			321.6, "kgCO2e", 1, "DEFRA 2024", 0.91, &sim,
			([]byte)(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("calc-1"))

	id, err := s.UpsertCalculation(context.Background(), model.Calculation{
		EntryID:        "entry-1",
		Method:         model.MethodRetrieval,
		EmissionFactor: 2.68,
		FactorUnit:     "kgCO2e/litre",
		TotalEmissions: 321.6,
		EmissionsUnit:  "kgCO2e",
		Scope:          1,
		Source:         "DEFRA 2024",
		Confidence:     0.91,
		Similarity:     &sim,
		Warnings:       []string{"unit mismatch: entry 'gallon' vs factor 'litre'"},
	})
	require.NoError(t, err)
	assert.Equal(t, "calc-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertCalculationReplaysToSameRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for range 2 {
		mock.ExpectQuery(`INSERT INTO calculations .+ ON CONFLICT \(entry_id, method\) DO UPDATE SET`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("calc-1"))
	}

	calc := model.Calculation{
		EntryID:        "entry-1",
		Method:         model.MethodGenerative,
		EmissionFactor: 0.5,
		FactorUnit:     "kgCO2e/kWh",
		TotalEmissions: 50,
		EmissionsUnit:  "kgCO2e",
		Scope:          2,
		Source:         "model estimate",
		Confidence:     0.6,
	}

	first, err := s.UpsertCalculation(context.Background(), calc)
	require.NoError(t, err)
	second, err := s.UpsertCalculation(context.Background(), calc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCalculation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM calculations WHERE entry_id = \$1 AND method = \$2`).
		WithArgs("entry-1", "GENERATIVE").
		WillReturnRows(pgxmock.NewRows(calcColumns).AddRow(
			"calc-2", "entry-1", "GENERATIVE", 0.5, "kgCO2e/kWh",
			50.0, "kgCO2e", 2, "model estimate", 0.6,
			(*float64)(nil), []byte(`{"co2":48,"ch4":1,"n2o":1}`), []byte(`["assumed grid average"]`), now,
		))

	calc, err := s.GetCalculation(context.Background(), "entry-1", model.MethodGenerative)
	require.NoError(t, err)
	require.NotNil(t, calc)
	assert.Equal(t, model.MethodGenerative, calc.Method)
	assert.Nil(t, calc.Similarity)
	require.NotNil(t, calc.Breakdown)
	assert.Equal(t, 48.0, calc.Breakdown.CO2)
	assert.Equal(t, []string{"assumed grid average"}, calc.Warnings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCalculationMissingReturnsNil(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM calculations WHERE entry_id = \$1 AND method = \$2`).
		WithArgs("entry-1", "RETRIEVAL").
		WillReturnRows(pgxmock.NewRows(calcColumns))

	calc, err := s.GetCalculation(context.Background(), "entry-1", model.MethodRetrieval)
	require.NoError(t, err)
	assert.Nil(t, calc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Unset width falls back to the 768-dim default.
	mock.ExpectExec(`embedding vector\(768\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateEmbeddingWidth(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.embeddingDim = 3072

	mock.ExpectExec(`embedding vector\(3072\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
