package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
)

var (
	resolveEntryID     string
	resolveDescription string
	resolveCategory    string
	resolveQuantity    float64
	resolveUnit        string
	resolveRegion      string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a single entry to an emission calculation",
	Long:  "Resolves an existing entry by --entry, or creates and resolves an ad-hoc entry from --description/--quantity/--unit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entryID := resolveEntryID
		if entryID == "" {
			if resolveDescription == "" || resolveQuantity <= 0 {
				return eris.New("either --entry or --description with a positive --quantity is required")
			}
			entry, err := env.Store.CreateEntry(ctx, model.Entry{
				Description: resolveDescription,
				Category:    resolveCategory,
				Region:      resolveRegion,
				Quantity:    resolveQuantity,
				Unit:        resolveUnit,
			})
			if err != nil {
				return eris.Wrap(err, "create entry")
			}
			entryID = entry.ID
			zap.L().Info("created ad-hoc entry", zap.String("entry_id", entryID))
		}

		calc, err := env.Resolver.ResolveByID(ctx, entryID)
		if err != nil {
			return eris.Wrapf(err, "resolve entry %s", entryID)
		}

		zap.L().Info("entry resolved",
			zap.String("entry_id", calc.EntryID),
			zap.String("method", string(calc.Method)),
			zap.Float64("total_emissions", calc.TotalEmissions),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(calc)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveEntryID, "entry", "", "entry ID to resolve")
	resolveCmd.Flags().StringVar(&resolveDescription, "description", "", "ad-hoc entry description")
	resolveCmd.Flags().StringVar(&resolveCategory, "category", "", "ad-hoc entry category")
	resolveCmd.Flags().Float64Var(&resolveQuantity, "quantity", 0, "ad-hoc entry quantity")
	resolveCmd.Flags().StringVar(&resolveUnit, "unit", "", "ad-hoc entry unit")
	resolveCmd.Flags().StringVar(&resolveRegion, "region", "", "ad-hoc entry region")
	rootCmd.AddCommand(resolveCmd)
}
