package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/config"
	"github.com/greenledger/emissions-cli/internal/kb"
	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/store"
)

// Embedder is the slice of the embedding client the resolver needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// estimator lets tests substitute the generative path.
type estimator interface {
	Estimate(ctx context.Context, entry model.Entry) (*Estimate, error)
}

// Resolver runs the full resolution pipeline for a single entry:
// normalize, embed, retrieve, gate, and fall back to generative
// estimation below the similarity threshold.
type Resolver struct {
	store     store.Store
	retriever kb.Retriever
	embedder  Embedder
	estimator estimator
	cfg       config.PipelineConfig
}

func NewResolver(st store.Store, retriever kb.Retriever, embedder Embedder, est *Estimator, cfg config.PipelineConfig) *Resolver {
	return &Resolver{
		store:     st,
		retriever: retriever,
		embedder:  embedder,
		estimator: est,
		cfg:       cfg,
	}
}

// ResolveByID loads the entry and resolves it.
func (r *Resolver) ResolveByID(ctx context.Context, entryID string) (*model.Calculation, error) {
	entry, err := r.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, *entry)
}

// Resolve runs the pipeline for one entry and persists the outcome.
//
// On success the calculation is upserted (keyed by entry and method, so
// replays overwrite rather than duplicate) and the entry is marked
// resolved. A definitive dead end (the model declines, or keeps
// returning garbage) marks the entry unresolvable. Any other failure
// leaves the entry unresolved with the error recorded, so a later run
// can retry it.
func (r *Resolver) Resolve(ctx context.Context, entry model.Entry) (*model.Calculation, error) {
	log := zap.L().With(zap.String("entry_id", entry.ID))

	if err := entry.Validate(); err != nil {
		r.recordFailure(ctx, entry.ID, err)
		return nil, err
	}

	text := NormalizeEntry(entry)
	if text == "" {
		err := eris.Errorf("pipeline: entry %s normalizes to empty text", entry.ID)
		r.recordFailure(ctx, entry.ID, err)
		return nil, err
	}

	vector, err := r.embedder.Embed(ctx, text)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: embed entry %s", entry.ID)
		r.recordFailure(ctx, entry.ID, err)
		return nil, err
	}

	candidates, err := r.retriever.TopK(ctx, vector, r.cfg.TopK)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: retrieve candidates for entry %s", entry.ID)
		r.recordFailure(ctx, entry.ID, err)
		return nil, err
	}

	gate := EvaluateGate(entry.ID, candidates, r.cfg.SimilarityThreshold)

	var calc *model.Calculation
	switch gate.Decision {
	case DecisionAccept:
		calc, err = BuildRetrievalCalculation(entry, *gate.Best)
	case DecisionFallback:
		calc, err = r.resolveGenerative(ctx, entry)
	}
	if err != nil {
		if IsUnresolvable(err) {
			r.markUnresolvable(ctx, entry.ID, err)
		} else {
			r.recordFailure(ctx, entry.ID, err)
		}
		return nil, err
	}

	id, err := r.store.UpsertCalculation(ctx, *calc)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: persist calculation for entry %s", entry.ID)
		r.recordFailure(ctx, entry.ID, err)
		return nil, err
	}
	calc.ID = id

	if err := r.store.SetEntryStatus(ctx, entry.ID, model.StatusResolved, ""); err != nil {
		return nil, eris.Wrapf(err, "pipeline: mark entry %s resolved", entry.ID)
	}

	log.Info("entry resolved",
		zap.String("method", string(calc.Method)),
		zap.Float64("total_emissions", calc.TotalEmissions),
		zap.String("emissions_unit", calc.EmissionsUnit),
		zap.Float64("confidence", calc.Confidence),
	)
	return calc, nil
}

func (r *Resolver) resolveGenerative(ctx context.Context, entry model.Entry) (*model.Calculation, error) {
	est, err := r.estimator.Estimate(ctx, entry)
	if err != nil {
		return nil, err
	}
	return BuildGenerativeCalculation(entry, *est)
}

// recordFailure leaves the entry retryable: status stays unresolved with
// the error detail attached.
func (r *Resolver) recordFailure(ctx context.Context, entryID string, cause error) {
	if err := r.store.SetEntryStatus(ctx, entryID, model.StatusUnresolved, cause.Error()); err != nil {
		zap.L().Warn("failed to record entry failure",
			zap.String("entry_id", entryID),
			zap.Error(err),
		)
	}
}

func (r *Resolver) markUnresolvable(ctx context.Context, entryID string, cause error) {
	if err := r.store.SetEntryStatus(ctx, entryID, model.StatusUnresolvable, cause.Error()); err != nil {
		zap.L().Warn("failed to mark entry unresolvable",
			zap.String("entry_id", entryID),
			zap.Error(err),
		)
	}
}
