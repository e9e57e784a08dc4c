package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenledger/emissions-cli/internal/config"
	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/store"
)

// fakeStore records status transitions and upserts in memory.
type fakeStore struct {
	entries      map[string]*model.Entry
	calculations map[string]model.Calculation // keyed entry_id|method
	statuses     map[string]model.ResolutionStatus
	errors       map[string]string
	upsertErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:      map[string]*model.Entry{},
		calculations: map[string]model.Calculation{},
		statuses:     map[string]model.ResolutionStatus{},
		errors:       map[string]string{},
	}
}

func (s *fakeStore) CreateEntry(ctx context.Context, entry model.Entry) (*model.Entry, error) {
	s.entries[entry.ID] = &entry
	return &entry, nil
}

func (s *fakeStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, eris.Errorf("entry not found: %s", id)
	}
	return e, nil
}

func (s *fakeStore) ListEntries(ctx context.Context, f store.EntryFilter) ([]model.Entry, error) {
	var out []model.Entry
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeStore) SetEntryStatus(ctx context.Context, id string, status model.ResolutionStatus, detail string) error {
	s.statuses[id] = status
	s.errors[id] = detail
	return nil
}

func (s *fakeStore) UpsertCalculation(ctx context.Context, calc model.Calculation) (string, error) {
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	key := calc.EntryID + "|" + string(calc.Method)
	calc.ID = "calc-" + key
	s.calculations[key] = calc
	return calc.ID, nil
}

func (s *fakeStore) GetCalculation(ctx context.Context, entryID string, method model.ResolutionMethod) (*model.Calculation, error) {
	c, ok := s.calculations[entryID+"|"+string(method)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeStore) ListCalculations(ctx context.Context, entryID string) ([]model.Calculation, error) {
	var out []model.Calculation
	for _, c := range s.calculations {
		if c.EntryID == entryID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                      { return nil }

type fakeRetriever struct {
	candidates []model.Candidate
	err        error
	calls      int
}

func (r *fakeRetriever) TopK(ctx context.Context, embedding []float32, k int) ([]model.Candidate, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.candidates, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
	texts  []string
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

type fakeEstimator struct {
	estimate *Estimate
	err      error
	calls    int
}

func (e *fakeEstimator) Estimate(ctx context.Context, entry model.Entry) (*Estimate, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.estimate, nil
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{TopK: 5, SimilarityThreshold: 0.75}
}

func testResolver(st *fakeStore, ret *fakeRetriever, emb *fakeEmbedder, est *fakeEstimator) *Resolver {
	return &Resolver{
		store:     st,
		retriever: ret,
		embedder:  emb,
		estimator: est,
		cfg:       pipelineConfig(),
	}
}

func dieselEntry() model.Entry {
	return model.Entry{ID: "e1", Description: "diesel for generators", Quantity: 120, Unit: "litre"}
}

func dieselCandidate(sim float64) model.Candidate {
	return model.Candidate{
		Factor: model.EmissionFactor{
			ID: 7, Activity: "diesel", Value: 2.68, Unit: "kgCO2e/litre",
			Scope: 1, Source: "DEFRA 2024",
		},
		Similarity: sim,
	}
}

func TestResolve_HighSimilarityUsesRetrieval(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.91)}}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	est := &fakeEstimator{}

	calc, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.NoError(t, err)

	assert.Equal(t, model.MethodRetrieval, calc.Method)
	assert.Equal(t, "calc-e1|RETRIEVAL", calc.ID)
	assert.Zero(t, est.calls, "generative path must not run on accept")
	assert.Equal(t, model.StatusResolved, st.statuses["e1"])
	assert.Empty(t, st.errors["e1"])
	assert.Contains(t, st.calculations, "e1|RETRIEVAL")
}

func TestResolve_LowSimilarityFallsBackToGenerative(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.40)}}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	est := &fakeEstimator{estimate: &Estimate{
		Factor: 2.5, Unit: "kgCO2e/litre", Scope: 1, Source: "EPA", Confidence: 0.5,
	}}

	calc, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.NoError(t, err)

	assert.Equal(t, model.MethodGenerative, calc.Method)
	assert.Equal(t, 1, est.calls)
	assert.Nil(t, calc.Similarity)
	assert.Equal(t, model.StatusResolved, st.statuses["e1"])
}

func TestResolve_EmptyKnowledgeBaseFallsBack(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: []model.Candidate{}}
	emb := &fakeEmbedder{vector: []float32{0.1}}
	est := &fakeEstimator{estimate: &Estimate{
		Factor: 2.5, Unit: "kgCO2e/litre", Scope: 1, Source: "EPA", Confidence: 0.5,
	}}

	calc, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.NoError(t, err)
	assert.Equal(t, model.MethodGenerative, calc.Method)
}

func TestResolve_DeclineMarksUnresolvable(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: nil}
	emb := &fakeEmbedder{vector: []float32{0.1}}
	est := &fakeEstimator{err: &UnresolvableError{EntryID: "e1", Reason: "no published factor"}}

	_, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.Error(t, err)

	assert.Equal(t, model.StatusUnresolvable, st.statuses["e1"])
	assert.Contains(t, st.errors["e1"], "no published factor")
	assert.Empty(t, st.calculations)
}

func TestResolve_EmbedFailureLeavesEntryRetryable(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{}
	emb := &fakeEmbedder{err: eris.New("quota exceeded")}
	est := &fakeEstimator{}

	_, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.Error(t, err)

	assert.Equal(t, model.StatusUnresolved, st.statuses["e1"])
	assert.Contains(t, st.errors["e1"], "quota exceeded")
	assert.Zero(t, ret.calls, "retrieval must not run without an embedding")
	assert.Zero(t, est.calls)
}

func TestResolve_RetrieverFailureLeavesEntryRetryable(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{err: eris.New("connection refused")}
	emb := &fakeEmbedder{vector: []float32{0.1}}
	est := &fakeEstimator{}

	_, err := testResolver(st, ret, emb, est).Resolve(context.Background(), dieselEntry())
	require.Error(t, err)

	assert.Equal(t, model.StatusUnresolved, st.statuses["e1"])
	assert.Zero(t, est.calls, "a broken retriever is not a low-confidence result")
}

func TestResolve_InvalidEntryRejectedBeforeProviders(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{vector: []float32{0.1}}

	entry := dieselEntry()
	entry.Quantity = 0

	_, err := testResolver(st, &fakeRetriever{}, emb, &fakeEstimator{}).Resolve(context.Background(), entry)
	require.Error(t, err)
	assert.Empty(t, emb.texts, "no provider traffic for invalid entries")
	assert.Equal(t, model.StatusUnresolved, st.statuses["e1"])
}

func TestResolve_PersistFailureLeavesEntryRetryable(t *testing.T) {
	st := newFakeStore()
	st.upsertErr = eris.New("database is locked")
	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.91)}}
	emb := &fakeEmbedder{vector: []float32{0.1}}

	_, err := testResolver(st, ret, emb, &fakeEstimator{}).Resolve(context.Background(), dieselEntry())
	require.Error(t, err)
	assert.Equal(t, model.StatusUnresolved, st.statuses["e1"])
	assert.Contains(t, st.errors["e1"], "database is locked")
}

func TestResolve_EmbedsNormalizedText(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.91)}}
	emb := &fakeEmbedder{vector: []float32{0.1}}

	entry := dieselEntry()
	entry.Description = "Diesel  For   Generators"

	_, err := testResolver(st, ret, emb, &fakeEstimator{}).Resolve(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, emb.texts, 1)
	assert.Equal(t, "diesel for generators | litre", emb.texts[0])
}

func TestResolveByID(t *testing.T) {
	st := newFakeStore()
	entry := dieselEntry()
	entry.OccurredAt = time.Now().UTC()
	st.entries[entry.ID] = &entry

	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.91)}}
	emb := &fakeEmbedder{vector: []float32{0.1}}

	calc, err := testResolver(st, ret, emb, &fakeEstimator{}).ResolveByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", calc.EntryID)
}

func TestResolveByID_MissingEntry(t *testing.T) {
	st := newFakeStore()
	_, err := testResolver(st, &fakeRetriever{}, &fakeEmbedder{}, &fakeEstimator{}).ResolveByID(context.Background(), "nope")
	require.Error(t, err)
}

func TestResolve_ReplayOverwritesSameMethod(t *testing.T) {
	st := newFakeStore()
	ret := &fakeRetriever{candidates: []model.Candidate{dieselCandidate(0.91)}}
	emb := &fakeEmbedder{vector: []float32{0.1}}
	r := testResolver(st, ret, emb, &fakeEstimator{})

	for range 2 {
		_, err := r.Resolve(context.Background(), dieselEntry())
		require.NoError(t, err)
	}
	assert.Len(t, st.calculations, 1, "replays upsert into the same row")
}
