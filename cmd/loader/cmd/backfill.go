package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fest-vibes/etl/internal/backfill"
	"github.com/fest-vibes/etl/internal/config"
)

func newBackfillCommand(root *rootOptions) *cobra.Command {
	var commitEvery int

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fill missing embeddings for genres, artists and venues",
		Long: `Compute embeddings for catalog rows that were written without one, for
example while the embedding provider was disabled or unreachable.

Rows are processed genres first, then artists, then venues, and committed
in small groups so an interrupted backfill keeps its progress. Per-entity
counts are printed to stdout as JSON.

Examples:
  EMBEDDING_PROVIDER=openai loader backfill
  loader backfill --commit-every 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging, "backfill")

			svc, err := openServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := backfill.New(svc.repo, svc.embedder, logger).WithCommitEvery(commitEvery).Run(ctx)
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			return err
		},
	}

	backfillCmd.Flags().IntVar(&commitEvery, "commit-every", backfill.DefaultCommitEvery, "rows written per transaction")
	return backfillCmd
}
