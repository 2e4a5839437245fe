package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the global flags. Each flag overrides the matching
// config file or environment value when set.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "loader",
		Short: "Fest Vibes loader - loads scraped events into the catalog database",
		Long: `The Fest Vibes loader merges scrape-run documents into the event catalog.

Loading is idempotent: artists, venues and genres are matched on their
natural keys, events on their source URL, and a rerun of the same document
creates nothing new. Records are committed in small batches so a bad batch
never rolls back the rest of the run.

Commands:
- load: load a document from disk or s3://bucket/key
- enqueue: queue a load for the background worker
- worker: run the job worker (loads, embedding backfill, cache purge)
- backfill: fill missing embeddings for genres, artists and venues
- migrate: apply or roll back the catalog schema`,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (optional, uses env vars by default)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, console) (default: json)")

	rootCmd.AddCommand(newLoadCommand(opts))
	rootCmd.AddCommand(newEnqueueCommand(opts))
	rootCmd.AddCommand(newWorkerCommand(opts))
	rootCmd.AddCommand(newBackfillCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
