package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/metrics"
	"github.com/fest-vibes/etl/internal/storage"
	"github.com/fest-vibes/etl/internal/telemetry"
)

// DefaultBatchSize is the records-per-transaction default.
const DefaultBatchSize = 5

// Options tunes a Loader. Zero values take the package defaults.
type Options struct {
	// BatchSize is the number of records per transaction.
	BatchSize int
	// Workers is the number of batches in flight at once. With one worker
	// batches commit in input order.
	Workers int
	Retry   RetryPolicy
	// SkipGenrePreseed leaves genre creation to the batches.
	SkipGenrePreseed bool
}

// Loader is the batch orchestrator: it pre-seeds genres, splits records
// into small batches and commits each batch in its own transaction.
type Loader struct {
	repo       storage.Repository
	upserter   *events.Upserter
	reconciler *events.Reconciler
	enricher   *events.Enricher
	opts       Options
	logger     zerolog.Logger
}

// New builds a Loader. A nil enricher stores every embedding as NULL.
func New(repo storage.Repository, upserter *events.Upserter, enricher *events.Enricher, logger zerolog.Logger, opts Options) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}
	logger = logger.With().Str("component", "loader").Logger()
	return &Loader{
		repo:       repo,
		upserter:   upserter,
		reconciler: events.NewReconciler(upserter, logger),
		enricher:   enricher,
		opts:       opts,
		logger:     logger,
	}
}

// LoadDocument decodes a scrape-run document and loads its records.
// Malformed records are counted and skipped.
func (l *Loader) LoadDocument(ctx context.Context, data []byte, decode events.DecodeOptions) (Summary, error) {
	decode.SkipInvalid = true
	result, err := events.DecodeRecords(data, decode)
	if err != nil {
		return Summary{}, err
	}
	for _, rejected := range result.Rejected {
		l.logger.Warn().Err(rejected.Err).Int("index", rejected.Index).Str("href", rejected.Href).Msg("rejected malformed record")
	}

	summary, err := l.Load(ctx, result.Records)
	summary.RecordsRejected = len(result.Rejected)
	return summary, err
}

// Load writes records in batches of Options.BatchSize. A batch that fails
// after its retries is rolled back, recorded in the summary and skipped. If
// the database becomes unavailable the run stops and the partial summary is
// returned with the error.
func (l *Loader) Load(ctx context.Context, records []events.Record) (summary Summary, err error) {
	start := time.Now()
	summary.RunID = ulid.Make().String()
	logger := l.logger.With().Str("run_id", summary.RunID).Logger()

	ctx, span := telemetry.StartRun(ctx, summary.RunID, len(records))
	defer func() {
		summary.finish(start)
		recordRun(summary, err)
		telemetry.EndSpan(span, err)
		logger.Info().
			Int("records", len(records)).
			Int("artists_created", summary.ArtistsCreated).
			Int("venues_created", summary.VenuesCreated).
			Int("genres_created", summary.GenresCreated).
			Int("events_created", summary.EventsCreated).
			Int("batches_failed", summary.BatchesFailed).
			Float64("duration_seconds", summary.DurationSeconds).
			Msg("load completed")
	}()

	if len(records) == 0 {
		return summary, nil
	}

	if !l.opts.SkipGenrePreseed {
		created, err := l.preseedGenres(ctx, logger, records)
		if err != nil {
			logger.Warn().Err(err).Str("class", Classify(err).String()).Msg("genre pre-seed failed, batches will create genres")
		}
		summary.GenresCreated += created
	}

	batches := partition(records, l.opts.BatchSize)
	summary.BatchesTotal = len(batches)

	var (
		mu    sync.Mutex
		fatal error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)

	for i, batch := range batches {
		if gctx.Err() != nil {
			mu.Lock()
			summary.BatchesSkipped += len(batches) - i
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				summary.BatchesSkipped++
				mu.Unlock()
				return nil
			}

			out, attempts, err := l.processBatch(gctx, logger, i, batch)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				summary.addOutcome(out, len(batch))
				return nil
			}

			class := Classify(err)
			if gctx.Err() != nil && class != ClassUnavailable {
				summary.BatchesSkipped++
				return nil
			}
			summary.BatchesFailed++
			summary.FailedBatches = append(summary.FailedBatches, FailedBatch{
				Index:    i,
				Records:  labels(batch),
				Attempts: attempts,
				Class:    class.String(),
				Error:    err.Error(),
			})
			logger.Error().
				Err(err).
				Int("batch", i).
				Int("attempts", attempts).
				Str("class", class.String()).
				Msg("batch failed, skipping")

			if class == ClassUnavailable {
				if fatal == nil {
					fatal = err
				}
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	if fatal != nil {
		return summary, fmt.Errorf("load aborted: %w", fatal)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// preseedGenres creates every genre the run names in one short transaction
// so batches only ever find them. The state lookup and the transaction are
// retried together; a failure here leaves genre creation to the batches.
func (l *Loader) preseedGenres(ctx context.Context, logger zerolog.Logger, records []events.Record) (int, error) {
	names := events.LookupFor(records).GenreNames
	if len(names) == 0 {
		return 0, nil
	}

	var (
		embeddings map[string]events.Embedding
		looked     bool
		created    int
	)
	_, err := l.opts.Retry.Do(ctx, logger, func(ctx context.Context, _ int) error {
		if !looked {
			state, err := l.lookupState(ctx, logger, events.EmbeddingLookup{GenreNames: names})
			if err != nil {
				return err
			}
			embeddings = l.enricher.GenreEmbeddings(ctx, names, state.GenresExisting)
			looked = true
		}
		return l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
			_, n, err := l.upserter.ResolveGenres(ctx, tx.Catalog(), names, embeddings)
			created = n
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	logger.Debug().Int("genres", len(names)).Int("created", created).Msg("pre-seeded genres")
	return created, nil
}

func (l *Loader) processBatch(ctx context.Context, logger zerolog.Logger, index int, batch []events.Record) (out events.Outcome, attempts int, err error) {
	start := time.Now()
	logger = logger.With().Int("batch", index).Logger()

	ctx, span := telemetry.StartBatch(ctx, index, len(batch))
	defer func() {
		span.SetAttributes(telemetry.AttrAttempts.Int(attempts))
		telemetry.EndSpan(span, err)
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	var preps []events.Prepared
	attempts, err = l.opts.Retry.Do(ctx, logger, func(ctx context.Context, attempt int) error {
		if preps == nil {
			p, err := l.prepare(ctx, logger, batch)
			if err != nil {
				return err
			}
			preps = p
		}
		var attemptOut events.Outcome
		err := l.repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
			for i, rec := range batch {
				o, err := l.reconciler.Process(ctx, tx.Catalog(), rec, preps[i])
				if err != nil {
					return fmt.Errorf("record %s: %w", rec.Label(), err)
				}
				attemptOut.Add(o)
			}
			return nil
		})
		if err == nil {
			out = attemptOut
		}
		return err
	})
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return events.Outcome{}, attempts, err
	}

	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	logger.Info().
		Int("records", len(batch)).
		Int("attempts", attempts).
		Int("events_created", out.EventsCreated).
		Dur("duration", time.Since(start)).
		Msg("batch processing completed")
	return out, attempts, nil
}

// prepare computes embeddings for a batch before its transaction opens.
// Only an unreachable database is an error; anything else degrades to
// embedding everything.
func (l *Loader) prepare(ctx context.Context, logger zerolog.Logger, batch []events.Record) ([]events.Prepared, error) {
	lookup := events.LookupFor(batch)
	state, err := l.lookupState(ctx, logger, lookup)
	if err != nil {
		return nil, err
	}

	genres := l.enricher.GenreEmbeddings(ctx, lookup.GenreNames, state.GenresExisting)
	preps := make([]events.Prepared, len(batch))
	for i, rec := range batch {
		preps[i] = l.enricher.Prepare(ctx, rec, state)
		preps[i].Genres = genres
	}
	return preps, nil
}

// lookupState reads which entities already carry embeddings. An
// unreachable database is returned for the caller's retry loop; other
// errors mean everything gets embedded.
func (l *Loader) lookupState(ctx context.Context, logger zerolog.Logger, lookup events.EmbeddingLookup) (events.EmbeddingState, error) {
	state, err := l.repo.Catalog().EmbeddingState(ctx, lookup)
	if err == nil {
		return state, nil
	}
	if Classify(err) == ClassUnavailable {
		return events.EmbeddingState{}, err
	}
	logger.Warn().Err(err).Msg("embedding state lookup failed")
	return events.EmbeddingState{}, nil
}

func partition(records []events.Record, size int) [][]events.Record {
	batches := make([][]events.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}

func labels(batch []events.Record) []string {
	out := make([]string, len(batch))
	for i, rec := range batch {
		out[i] = rec.Label()
	}
	return out
}

func recordRun(summary Summary, err error) {
	result := "success"
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		result = "aborted"
	case err != nil:
		result = "canceled"
	case summary.Partial():
		result = "partial"
	}
	metrics.LoadRunsTotal.WithLabelValues(result).Inc()
	metrics.LoadDuration.Observe(summary.DurationSeconds)
	metrics.RecordsProcessed.Add(float64(summary.RecordsProcessed))
	metrics.EntitiesCreated.WithLabelValues("artist").Add(float64(summary.ArtistsCreated))
	metrics.EntitiesCreated.WithLabelValues("venue").Add(float64(summary.VenuesCreated))
	metrics.EntitiesCreated.WithLabelValues("genre").Add(float64(summary.GenresCreated))
	metrics.EntitiesCreated.WithLabelValues("event").Add(float64(summary.EventsCreated))
}
