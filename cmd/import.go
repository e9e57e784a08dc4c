package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import activity entries from a JSON file",
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

		data, err := os.ReadFile(importFile)
		if err != nil {
			return eris.Wrapf(err, "read entries file %s", importFile)
		}

		var entries []model.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return eris.Wrapf(err, "parse entries file %s", importFile)
		}

		var created int
		for i, entry := range entries {
			stored, err := st.CreateEntry(ctx, entry)
			if err != nil {
				return eris.Wrapf(err, "import entry %d", i)
			}
			created++
			zap.L().Debug("entry imported",
				zap.String("entry_id", stored.ID),
				zap.String("description", stored.Description),
			)
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int("entries", created),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "JSON file with an array of entries (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
