package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type GeocodeCachePurgeArgs struct{}

func (GeocodeCachePurgeArgs) Kind() string { return JobKindGeocodeCachePurge }

type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// GeocodeCachePurgeWorker deletes expired geocode cache entries, successes
// and remembered failures alike, so the table does not grow without bound.
type GeocodeCachePurgeWorker struct {
	river.WorkerDefaults[GeocodeCachePurgeArgs]
	Cache  CachePurger
	Logger *slog.Logger
}

func (GeocodeCachePurgeWorker) Kind() string { return JobKindGeocodeCachePurge }

func (w GeocodeCachePurgeWorker) Work(ctx context.Context, job *river.Job[GeocodeCachePurgeArgs]) error {
	if w.Cache == nil {
		return fmt.Errorf("geocode cache not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	deleted, err := w.Cache.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge geocode cache: %w", err)
	}
	attempt := 0
	if job != nil {
		attempt = job.Attempt
	}
	logger.Info("geocode cache purge completed",
		"deleted_count", deleted,
		"attempt", attempt,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return nil
}
