package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/kb"
	"github.com/greenledger/emissions-cli/internal/store"
)

var factorsFile string

var factorsCmd = &cobra.Command{
	Use:   "factors",
	Short: "Manage the emission factor knowledge base",
}

var factorsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a factor dataset, embed it, and sync the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		embedder, err := initEmbedder(ctx)
		if err != nil {
			return err
		}
		defer embedder.Close()

		factors, err := kb.LoadFactorFile(factorsFile)
		if err != nil {
			return err
		}
		zap.L().Info("loaded factor dataset",
			zap.String("file", factorsFile),
			zap.Int("factors", len(factors)),
		)

		if err := kb.EmbedFactors(ctx, embedder, factors, embedder.MaxBatchSize()); err != nil {
			return err
		}

		var n int64
		switch s := st.(type) {
		case *store.PostgresStore:
			n, err = kb.SyncPostgres(ctx, s.Pool(), factors)
		case *store.SQLiteStore:
			n, err = kb.SyncSQLite(ctx, s.DB(), factors)
		default:
			err = eris.New("no factor sync available for store")
		}
		if err != nil {
			return err
		}

		zap.L().Info("knowledge base updated", zap.Int64("rows", n))
		return nil
	},
}

var factorsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		var total, embedded int64
		switch s := st.(type) {
		case *store.PostgresStore:
			err = s.Pool().QueryRow(ctx,
				`SELECT COUNT(*), COUNT(embedding) FROM emission_factors`,
			).Scan(&total, &embedded)
		case *store.SQLiteStore:
			err = s.DB().QueryRowContext(ctx,
				`SELECT COUNT(*), COUNT(embedding) FROM emission_factors`,
			).Scan(&total, &embedded)
		default:
			err = eris.New("no factor status available for store")
		}
		if err != nil {
			return eris.Wrap(err, "count factors")
		}

		zap.L().Info("knowledge base status",
			zap.Int64("factors", total),
			zap.Int64("embedded", embedded),
			zap.Int64("pending_embedding", total-embedded),
		)
		return nil
	},
}

func init() {
	factorsLoadCmd.Flags().StringVar(&factorsFile, "file", "", "factor dataset (.yaml or .xlsx, required)")
	_ = factorsLoadCmd.MarkFlagRequired("file")
	factorsCmd.AddCommand(factorsLoadCmd)
	factorsCmd.AddCommand(factorsStatusCmd)
	rootCmd.AddCommand(factorsCmd)
}
