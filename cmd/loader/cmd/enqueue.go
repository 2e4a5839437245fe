package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fest-vibes/etl/internal/blob"
	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/jobs"
	"github.com/fest-vibes/etl/internal/storage/postgres"
)

func newEnqueueCommand(root *rootOptions) *cobra.Command {
	var runID string
	var backfill bool

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [path|s3://bucket/key]",
		Short: "Queue a load or an embedding backfill for the worker",
		Long: `Insert a load_run job for the given document, or an embedding_backfill job
with --backfill. A document already queued within the last hour is not
queued again.

Examples:
  loader enqueue s3://fest-vibes-scrapes/raw_events/2024/06/01/run.json
  loader enqueue s3://fest-vibes-scrapes/raw_events/2024/06/01/run.json --run-id 01J0ABC...
  loader enqueue --backfill`,
		Args: func(cmd *cobra.Command, args []string) error {
			if backfill {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging, "enqueue")

			var source string
			if !backfill {
				location, err := blob.ParseLocation(args[0])
				if err != nil {
					return err
				}
				source = location.String()
			}

			pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			client, err := jobs.NewInsertClient(pool)
			if err != nil {
				return fmt.Errorf("job client: %w", err)
			}
			policy := jobs.NewRetryPolicy(cfg.Jobs)

			if backfill {
				opts := policy.InsertOpts(jobs.JobKindEmbeddingBackfill)
				res, err := client.Insert(ctx, jobs.EmbeddingBackfillArgs{}, &opts)
				if err != nil {
					return fmt.Errorf("enqueue backfill: %w", err)
				}
				logger.Info().Int64("job_id", res.Job.ID).Msg("embedding backfill queued")
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", res.Job.ID)
				return nil
			}

			jobArgs := jobs.NewLoadRunArgs(source)
			if runID != "" {
				jobArgs.RunID = runID
			}
			opts := policy.InsertOpts(jobs.JobKindLoadRun)
			res, err := client.Insert(ctx, jobArgs, &opts)
			if err != nil {
				return fmt.Errorf("enqueue load: %w", err)
			}
			if res.UniqueSkippedAsDuplicate {
				logger.Info().Int64("job_id", res.Job.ID).Str("source", source).Msg("load already queued")
			} else {
				logger.Info().Int64("job_id", res.Job.ID).Str("source", source).Str("pipeline_run_id", jobArgs.RunID).Msg("load queued")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", res.Job.ID)
			return nil
		},
	}

	enqueueCmd.Flags().StringVar(&runID, "run-id", "", "pipeline run ID recorded on the job (default: a new ULID)")
	enqueueCmd.Flags().BoolVar(&backfill, "backfill", false, "queue an embedding backfill instead of a load")

	return enqueueCmd
}
