package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/greenledger/emissions-cli/internal/model"
)

// entryResolver lets tests substitute the per-entry pipeline.
type entryResolver interface {
	Resolve(ctx context.Context, entry model.Entry) (*model.Calculation, error)
}

// Progress reports one completed entry during a batch run. Callbacks are
// serialized and fire in completion order, not dispatch order.
type Progress struct {
	EntryID   string
	Method    model.ResolutionMethod // empty on failure
	Err       error
	Completed int
	Total     int
}

// BatchOptions tunes a batch run.
type BatchOptions struct {
	// MaxConcurrency bounds the worker pool. Values < 1 mean 1.
	MaxConcurrency int

	// Limit caps how many entries are processed; the rest are skipped.
	// 0 means no cap.
	Limit int

	// Deadline, when nonzero, stops dispatching new entries once passed.
	// Entries already in flight run to completion; undispatched entries
	// count as skipped.
	Deadline time.Duration

	// OnProgress, when set, is invoked after each entry completes.
	OnProgress func(Progress)
}

// RunBatch resolves entries concurrently. One entry's failure never
// aborts the rest; every entry ends up counted exactly once, as a
// retrieval success, a generative success, a failure, or skipped.
func RunBatch(ctx context.Context, resolver entryResolver, entries []model.Entry, opts BatchOptions) (*model.BatchSummary, error) {
	start := time.Now()

	summary := &model.BatchSummary{Total: len(entries)}

	if opts.Limit > 0 && len(entries) > opts.Limit {
		summary.Skipped = len(entries) - opts.Limit
		entries = entries[:opts.Limit]
	}

	concurrency := opts.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	// The deadline gates dispatch only; workers keep the parent context
	// so in-flight entries finish.
	dispatchCtx := ctx
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	zap.L().Info("starting batch resolution",
		zap.Int("entries", len(entries)),
		zap.Int("skipped_by_cap", summary.Skipped),
		zap.Int("concurrency", concurrency),
	)

	g := &errgroup.Group{}
	g.SetLimit(concurrency)

	var retrieval, generative atomic.Int64
	var mu sync.Mutex // guards summary.Failed, completed, and OnProgress ordering
	var completed int
	var skippedByDeadline int

	for _, entry := range entries {
		if dispatchCtx.Err() != nil {
			skippedByDeadline++
			continue
		}

		g.Go(func() error {
			calc, err := resolver.Resolve(ctx, entry)

			p := Progress{EntryID: entry.ID, Err: err, Total: len(entries)}
			if err != nil {
				zap.L().Error("entry resolution failed",
					zap.String("entry_id", entry.ID),
					zap.Error(err),
				)
			} else {
				p.Method = calc.Method
				switch calc.Method {
				case model.MethodRetrieval:
					retrieval.Add(1)
				case model.MethodGenerative:
					generative.Add(1)
				}
			}
			mu.Lock()
			completed++
			p.Completed = completed
			if err != nil {
				summary.Failed = append(summary.Failed, model.FailedEntry{
					EntryID: entry.ID,
					Message: err.Error(),
				})
			}
			if opts.OnProgress != nil {
				opts.OnProgress(p)
			}
			mu.Unlock()

			return nil // isolation: individual failures never abort the batch
		})
	}

	_ = g.Wait() // workers only return nil

	summary.Skipped += skippedByDeadline
	summary.SucceededRetrieval = int(retrieval.Load())
	summary.SucceededGenerative = int(generative.Load())
	summary.Duration = time.Since(start)

	zap.L().Info("batch complete",
		zap.Int("total", summary.Total),
		zap.Int("retrieval", summary.SucceededRetrieval),
		zap.Int("generative", summary.SucceededGenerative),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}
