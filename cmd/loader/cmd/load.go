package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fest-vibes/etl/internal/blob"
	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/loader"
	"github.com/fest-vibes/etl/internal/storage/memory"
)

type loadOptions struct {
	dryRun    bool
	strict    bool
	batchSize int
	workers   int
}

func newLoadCommand(root *rootOptions) *cobra.Command {
	opts := &loadOptions{}

	loadCmd := &cobra.Command{
		Use:   "load <path|s3://bucket/key>",
		Short: "Load a scrape-run document into the catalog",
		Long: `Load a scrape-run document (a JSON array of event records) into the catalog.

Records are upserted in batches of --batch-size, each in its own transaction.
A batch that keeps failing is rolled back and reported; the rest of the run
continues. The run summary is printed to stdout as JSON.

Examples:
  # Load a local file
  loader load ./event_data_2024-06-01_run.json

  # Load from object storage with four concurrent batches
  loader load s3://fest-vibes-scrapes/raw_events/2024/06/01/run.json --workers 4

  # Check a document without touching the database
  loader load ./run.json --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runLoad(ctx, cmd, root, opts, args[0])
		},
	}

	loadCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "load into an in-memory store; no database, geocoding or embedding calls")
	loadCmd.Flags().BoolVar(&opts.strict, "strict", false, "exit with an error when any batch failed")
	loadCmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "records per transaction (default: LOADER_BATCH_SIZE)")
	loadCmd.Flags().IntVar(&opts.workers, "workers", 0, "batches in flight at once (default: LOADER_WORKERS)")

	return loadCmd
}

func runLoad(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *loadOptions, source string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if opts.batchSize > 0 {
		cfg.Loader.BatchSize = opts.batchSize
	}
	if opts.workers > 0 {
		cfg.Loader.Workers = opts.workers
	}
	// stdout carries the summary, so logs go to stderr.
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging, "load")

	location, err := blob.ParseLocation(source)
	if err != nil {
		return err
	}

	var (
		ld    *loader.Loader
		blobs blob.Reader
		tz    *time.Location
	)
	if opts.dryRun {
		ld, blobs, tz, err = dryRunLoader(ctx, cfg, logger)
		if err != nil {
			return err
		}
	} else {
		if err := cfg.CheckPoolCapacity(1, 0); err != nil {
			return err
		}
		svc, err := openServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()
		ld, blobs, tz = svc.loader(), svc.blobs, svc.location
	}

	logEvent := logger.Info().Str("source", location.String()).Bool("dry_run", opts.dryRun)
	if runDate, ok := blob.RunDate(location.Key); ok {
		logEvent = logEvent.Str("run_date", runDate.Format(time.DateOnly))
	}
	logEvent.Msg("loading document")

	data, err := blobs.Read(ctx, location)
	if err != nil {
		return err
	}

	summary, loadErr := ld.LoadDocument(ctx, data, events.DecodeOptions{Location: tz})
	if summary.RunID != "" {
		if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	}
	if loadErr != nil {
		return loadErr
	}
	if opts.strict && summary.Partial() {
		return fmt.Errorf("%d of %d batches failed", summary.BatchesFailed+summary.BatchesSkipped, summary.BatchesTotal)
	}
	return nil
}

// dryRunLoader wires the loader to an in-memory store with geocoding and
// embeddings switched off. Documents can still be read from object storage.
func dryRunLoader(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*loader.Loader, blob.Reader, *time.Location, error) {
	tz, err := time.LoadLocation(cfg.Loader.Timezone)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("timezone: %w", err)
	}
	blobs, err := newBlobRouter(ctx, cfg.Blob)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("object storage: %w", err)
	}
	geoCfg := cfg.Geocoding
	geoCfg.Provider = "none"
	ld := newLoader(memory.New(), newGeocoder(geoCfg, nil, logger), nil, cfg, logger)
	return ld, blobs, tz, nil
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
