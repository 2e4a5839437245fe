package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/riverqueue/river"

	"github.com/fest-vibes/etl/internal/backfill"
	"github.com/fest-vibes/etl/internal/blob"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/loader"
)

// LoadRunArgs asks a worker to load one scrape-run document.
type LoadRunArgs struct {
	// Source is a filesystem path or s3://bucket/key.
	Source string `json:"source" river:"unique"`
	// RunID correlates the job with the pipeline that enqueued it.
	RunID string `json:"run_id,omitempty"`
}

func (LoadRunArgs) Kind() string { return JobKindLoadRun }

// NewLoadRunArgs fills in a run ID when the caller has none.
func NewLoadRunArgs(source string) LoadRunArgs {
	return LoadRunArgs{Source: source, RunID: ulid.Make().String()}
}

type DocumentLoader interface {
	LoadDocument(ctx context.Context, data []byte, decode events.DecodeOptions) (loader.Summary, error)
}

type LoadRunWorker struct {
	river.WorkerDefaults[LoadRunArgs]
	Loader   DocumentLoader
	Blobs    blob.Reader
	Location *time.Location
	Logger   *slog.Logger
}

func (LoadRunWorker) Kind() string { return JobKindLoadRun }

// Timeout allows for large documents; River's default is one minute.
func (LoadRunWorker) Timeout(*river.Job[LoadRunArgs]) time.Duration {
	return 30 * time.Minute
}

func (w LoadRunWorker) Work(ctx context.Context, job *river.Job[LoadRunArgs]) error {
	if w.Loader == nil || w.Blobs == nil {
		return fmt.Errorf("load worker not configured")
	}
	if job == nil {
		return fmt.Errorf("load_run job missing")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	location, err := blob.ParseLocation(job.Args.Source)
	if err != nil {
		return river.JobCancel(err)
	}
	logger = logger.With("source", location.String(), "pipeline_run_id", job.Args.RunID, "attempt", job.Attempt)
	if runDate, ok := blob.RunDate(location.Key); ok {
		logger = logger.With("run_date", runDate.Format(time.DateOnly))
	}

	data, err := w.Blobs.Read(ctx, location)
	if errors.Is(err, blob.ErrNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	summary, err := w.Loader.LoadDocument(ctx, data, events.DecodeOptions{Location: w.Location})
	if err != nil {
		if summary.RunID == "" {
			// The document itself could not be decoded; retrying will not help.
			return river.JobCancel(err)
		}
		logger.Error("load aborted",
			"run_id", summary.RunID,
			"events_created", summary.EventsCreated,
			"batches_skipped", summary.BatchesSkipped,
			"error", err,
		)
		return err
	}

	logger.Info("load run completed",
		"run_id", summary.RunID,
		"records_processed", summary.RecordsProcessed,
		"records_rejected", summary.RecordsRejected,
		"artists_created", summary.ArtistsCreated,
		"venues_created", summary.VenuesCreated,
		"genres_created", summary.GenresCreated,
		"events_created", summary.EventsCreated,
		"batches_failed", summary.BatchesFailed,
		"duration_seconds", summary.DurationSeconds,
	)
	return nil
}

type EmbeddingBackfillArgs struct{}

func (EmbeddingBackfillArgs) Kind() string { return JobKindEmbeddingBackfill }

type Backfiller interface {
	Run(ctx context.Context) (backfill.Result, error)
}

type EmbeddingBackfillWorker struct {
	river.WorkerDefaults[EmbeddingBackfillArgs]
	Backfill Backfiller
	Logger   *slog.Logger
}

func (EmbeddingBackfillWorker) Kind() string { return JobKindEmbeddingBackfill }

func (EmbeddingBackfillWorker) Timeout(*river.Job[EmbeddingBackfillArgs]) time.Duration {
	return time.Hour
}

func (w EmbeddingBackfillWorker) Work(ctx context.Context, job *river.Job[EmbeddingBackfillArgs]) error {
	if w.Backfill == nil {
		return fmt.Errorf("backfill service not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result, err := w.Backfill.Run(ctx)
	if err != nil {
		return fmt.Errorf("embedding backfill: %w", err)
	}
	logger.Info("embedding backfill completed",
		"genres_updated", result.Genres.Updated,
		"artists_updated", result.Artists.Updated,
		"venues_updated", result.Venues.Updated,
		"errors", result.Genres.Errors+result.Artists.Errors+result.Venues.Errors,
		"duration_seconds", result.Duration.Seconds(),
	)
	return nil
}

// Deps are the services workers need. Nil services leave the matching
// worker unregistered.
type Deps struct {
	Loader       DocumentLoader
	Blobs        blob.Reader
	Location     *time.Location
	Backfill     Backfiller
	GeocodeCache CachePurger
	Logger       *slog.Logger
}

func NewWorkers(deps Deps) *river.Workers {
	workers := river.NewWorkers()
	if deps.Loader != nil {
		river.AddWorker[LoadRunArgs](workers, LoadRunWorker{
			Loader:   deps.Loader,
			Blobs:    deps.Blobs,
			Location: deps.Location,
			Logger:   deps.Logger,
		})
	}
	if deps.Backfill != nil {
		river.AddWorker[EmbeddingBackfillArgs](workers, EmbeddingBackfillWorker{
			Backfill: deps.Backfill,
			Logger:   deps.Logger,
		})
	}
	if deps.GeocodeCache != nil {
		river.AddWorker[GeocodeCachePurgeArgs](workers, GeocodeCachePurgeWorker{
			Cache:  deps.GeocodeCache,
			Logger: deps.Logger,
		})
	}
	return workers
}
