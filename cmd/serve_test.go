package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenledger/emissions-cli/internal/config"
	"github.com/greenledger/emissions-cli/internal/kb"
	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/pipeline"
	"github.com/greenledger/emissions-cli/internal/store"
)

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

// newServeTestEnv wires a sqlite-backed environment with one factor whose
// embedding matches every query, so resolution always takes the
// retrieval path.
func newServeTestEnv(t *testing.T) (*pipelineEnv, *sync.WaitGroup, http.Handler) {
	t.Helper()

	cfg = &config.Config{
		Pipeline: config.PipelineConfig{SimilarityThreshold: 0.75, TopK: 5},
		Batch:    config.BatchConfig{MaxConcurrency: 2, DefaultLimit: 100},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	retriever := kb.NewMemoryRetriever([]model.EmissionFactor{{
		ID:        1,
		Activity:  "diesel stationary combustion",
		Value:     2.68,
		Unit:      "kgCO2e/litre",
		Source:    "DEFRA 2024",
		Scope:     1,
		Embedding: []float32{1, 0},
	}})

	env := &pipelineEnv{
		Store:    st,
		Resolver: pipeline.NewResolver(st, retriever, unitEmbedder{}, nil, cfg.Pipeline),
	}

	inFlight := &sync.WaitGroup{}
	return env, inFlight, newServeRouter(context.Background(), env, inFlight)
}

func TestServeHealth(t *testing.T) {
	_, _, handler := newServeTestEnv(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServeCreateEntryRejectsInvalid(t *testing.T) {
	_, _, handler := newServeTestEnv(t)

	body := strings.NewReader(`{"description":"diesel","quantity":0}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/entries", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeGetEntryNotFound(t *testing.T) {
	_, _, handler := newServeTestEnv(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entries/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeResolveDrainsBeforeClose(t *testing.T) {
	env, inFlight, handler := newServeTestEnv(t)
	ctx := context.Background()

	entry, err := env.Store.CreateEntry(ctx, model.Entry{
		TenantID:    "acme",
		Description: "diesel for generators",
		Quantity:    120,
		Unit:        "litre",
		ScopeHint:   1,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/entries/"+entry.ID+"/resolve", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The handler registered its background work; once the group drains
	// the calculation must be persisted.
	inFlight.Wait()

	calcs, err := env.Store.ListCalculations(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, calcs, 1)
	assert.Equal(t, model.MethodRetrieval, calcs[0].Method)
	assert.InDelta(t, 321.6, calcs[0].TotalEmissions, 1e-9)

	updated, err := env.Store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, updated.ResolutionStatus)
}

func TestServeBatchDrainsBeforeClose(t *testing.T) {
	env, inFlight, handler := newServeTestEnv(t)
	ctx := context.Background()

	for range 3 {
		_, err := env.Store.CreateEntry(ctx, model.Entry{
			TenantID:    "acme",
			Description: "diesel for generators",
			Quantity:    10,
			Unit:        "litre",
			ScopeHint:   1,
		})
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"tenant_id":"acme"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	inFlight.Wait()

	remaining, err := env.Store.ListEntries(ctx, store.EntryFilter{Status: model.StatusUnresolved})
	require.NoError(t, err)
	assert.Empty(t, remaining, "all entries resolved once the batch drains")
}
