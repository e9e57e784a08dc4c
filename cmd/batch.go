package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/pipeline"
	"github.com/greenledger/emissions-cli/internal/store"
)

var (
	batchLimit       int
	batchConcurrency int
	batchDeadline    time.Duration
	batchTenant      string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Resolve all unresolved entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListEntries(ctx, store.EntryFilter{
			TenantID: batchTenant,
			Status:   model.StatusUnresolved,
		})
		if err != nil {
			return eris.Wrap(err, "list unresolved entries")
		}
		if len(entries) == 0 {
			zap.L().Info("no unresolved entries found")
			return nil
		}

		limit := batchLimit
		if limit == 0 {
			limit = cfg.Batch.DefaultLimit
		}
		concurrency := batchConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrency
		}
		deadline := batchDeadline
		if deadline == 0 {
			deadline = cfg.Batch.Deadline
		}

		summary, err := pipeline.RunBatch(ctx, env.Resolver, entries, pipeline.BatchOptions{
			MaxConcurrency: concurrency,
			Limit:          limit,
			Deadline:       deadline,
			OnProgress: func(p pipeline.Progress) {
				if p.Err != nil {
					fmt.Fprintf(os.Stderr, "[%d/%d] %s failed: %v\n", p.Completed, p.Total, p.EntryID, p.Err)
					return
				}
				fmt.Fprintf(os.Stderr, "[%d/%d] %s resolved via %s\n", p.Completed, p.Total, p.EntryID, p.Method)
			},
		})
		if err != nil {
			return eris.Wrap(err, "batch resolution")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max entries to process (default from config)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "worker pool size (default from config)")
	batchCmd.Flags().DurationVar(&batchDeadline, "deadline", 0, "stop dispatching new entries after this duration")
	batchCmd.Flags().StringVar(&batchTenant, "tenant", "", "restrict to one tenant")
	rootCmd.AddCommand(batchCmd)
}
