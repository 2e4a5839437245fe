package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/fest-vibes/etl/internal/config"
)

const (
	JobKindLoadRun           = "load_run"
	JobKindEmbeddingBackfill = "embedding_backfill"
	JobKindGeocodeCachePurge = "geocode_cache_purge"
)

// ReservedConnections is what a worker process holds outside the loads
// queue: River's notification listener and the one default-queue job
// (backfill or cache purge) running at a time.
const ReservedConnections = 2

// QueueLoads holds load_run jobs. Its worker count bounds how many
// documents one process loads at once.
const QueueLoads = "loads"

const (
	LoadRunMaxAttempts  = 3
	BackfillMaxAttempts = 5
	PurgeMaxAttempts    = 3
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy builds the policy. A zero attempt count in cfg keeps the
// package default for that kind.
func NewRetryPolicy(cfg config.JobsConfig) *RetryPolicy {
	loadAttempts := LoadRunMaxAttempts
	if cfg.RetryLoad > 0 {
		loadAttempts = cfg.RetryLoad
	}
	backfillAttempts := BackfillMaxAttempts
	if cfg.RetryBackfill > 0 {
		backfillAttempts = cfg.RetryBackfill
	}
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: PurgeMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			// A load aborts when the database is unreachable; give it time
			// to come back before the next attempt.
			JobKindLoadRun: {
				MaxAttempts: loadAttempts,
				BaseDelay:   2 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			JobKindEmbeddingBackfill: {
				MaxAttempts: backfillAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    2 * time.Hour,
			},
			JobKindGeocodeCachePurge: {
				MaxAttempts: PurgeMaxAttempts,
				BaseDelay:   time.Minute,
				MaxDelay:    30 * time.Minute,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	cfg := p.configFor(job.Kind)
	if cfg.BaseDelay == 0 {
		return time.Now()
	}

	attempt := max(job.Attempt, 1)
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

// InsertOpts returns the insert options for a job kind.
func (p *RetryPolicy) InsertOpts(kind string) river.InsertOpts {
	opts := river.InsertOpts{MaxAttempts: p.configFor(kind).MaxAttempts}
	if kind == JobKindLoadRun {
		opts.Queue = QueueLoads
		// The same document enqueued twice within an hour is loaded once.
		opts.UniqueOpts = river.UniqueOpts{ByArgs: true, ByPeriod: time.Hour}
	}
	return opts
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: PurgeMaxAttempts, BaseDelay: time.Minute, MaxDelay: time.Hour}
	}
	if cfg, ok := p.ByKind[kind]; ok {
		return cfg
	}
	return p.Default
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) *river.Config {
	policy := NewRetryPolicy(cfg)
	loadWorkers := cfg.LoadWorkers
	if loadWorkers < 1 {
		loadWorkers = 1
	}
	riverCfg := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
			QueueLoads:         {MaxWorkers: loadWorkers},
		},
		Hooks: hooks,
	}
	if logger != nil {
		riverCfg.Logger = logger
		riverCfg.ErrorHandler = NewFailureHandler(logger, nil)
	}
	return riverCfg
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(cfg, workers, logger, hooks, periodicJobs))
}

// NewInsertClient returns a client that can only enqueue jobs.
func NewInsertClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// NewPeriodicJobs schedules the embedding backfill and the geocode cache
// purge. A non-positive interval disables the backfill.
func NewPeriodicJobs(cfg config.JobsConfig) []*river.PeriodicJob {
	policy := NewRetryPolicy(cfg)
	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := policy.InsertOpts(JobKindGeocodeCachePurge)
				return GeocodeCachePurgeArgs{}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
	if cfg.BackfillInterval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.BackfillInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := policy.InsertOpts(JobKindEmbeddingBackfill)
				return EmbeddingBackfillArgs{}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return periodic
}

// Migrate brings River's own tables up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	return nil
}
