package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fest-vibes/etl/internal/backfill"
	"github.com/fest-vibes/etl/internal/blob"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/loader"
	"github.com/fest-vibes/etl/internal/storage"
	"github.com/fest-vibes/etl/internal/storage/memory"
)

const runDocument = `[
  {"artist_data":{"name":"Kermit Ruffins"},
   "venue_data":{"name":"Blue Nile","full_address":"532 Frenchmen St"},
   "event_data":{"wwoz_event_href":"/events/789","genres":["Jazz","Blues"]},
   "performance_time":"2025-03-21T22:30:00-05:00",
   "scrape_time":"2025-03-21T10:00:00-05:00"}
]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func loadJob(source string) *river.Job[LoadRunArgs] {
	return &river.Job[LoadRunArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Kind: JobKindLoadRun, Attempt: 1},
		Args:   LoadRunArgs{Source: source, RunID: "pipeline-1"},
	}
}

func newLoader(repo storage.Repository) *loader.Loader {
	logger := zerolog.Nop()
	return loader.New(repo, events.NewUpserter(nil, logger), nil, logger, loader.Options{
		Retry: loader.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
}

func TestLoadRunWorker_LoadsDocument(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "raw_events", "2025", "03", "21")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "event_data_2025-03-21_20250321_100000.json")
	require.NoError(t, os.WriteFile(path, []byte(runDocument), 0o600))

	store := memory.New()
	worker := LoadRunWorker{Loader: newLoader(store), Blobs: blob.Router{}, Logger: discardLogger()}

	require.NoError(t, worker.Work(context.Background(), loadJob(path)))
	require.NoError(t, worker.Work(context.Background(), loadJob(path)))

	counts := store.Counts()
	assert.Equal(t, 1, counts.Events)
	assert.Equal(t, 2, counts.Genres)
}

func TestLoadRunWorker_MissingDocumentIsCancelled(t *testing.T) {
	worker := LoadRunWorker{Loader: newLoader(memory.New()), Blobs: blob.Router{}, Logger: discardLogger()}

	err := worker.Work(context.Background(), loadJob(filepath.Join(t.TempDir(), "missing.json")))
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestLoadRunWorker_MalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600))
	worker := LoadRunWorker{Loader: newLoader(memory.New()), Blobs: blob.Router{}, Logger: discardLogger()}

	assert.Error(t, worker.Work(context.Background(), loadJob(path)))
}

type abortingLoader struct{}

func (abortingLoader) LoadDocument(context.Context, []byte, events.DecodeOptions) (loader.Summary, error) {
	return loader.Summary{RunID: "01J", BatchesSkipped: 3}, storage.ErrUnavailable
}

type staticReader struct{}

func (staticReader) Read(context.Context, blob.Location) ([]byte, error) {
	return []byte(`[]`), nil
}

func TestLoadRunWorker_AbortIsRetried(t *testing.T) {
	worker := LoadRunWorker{Loader: abortingLoader{}, Blobs: staticReader{}, Logger: discardLogger()}

	err := worker.Work(context.Background(), loadJob("s3://fest-vibes-raw/raw_events/2025/03/21/run.json"))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestLoadRunWorker_NotConfigured(t *testing.T) {
	err := LoadRunWorker{}.Work(context.Background(), loadJob("x.json"))
	assert.Error(t, err)
}

func TestNewLoadRunArgs(t *testing.T) {
	args := NewLoadRunArgs("s3://bucket/key.json")
	assert.Equal(t, "s3://bucket/key.json", args.Source)
	assert.NotEmpty(t, args.RunID)
	assert.Equal(t, JobKindLoadRun, args.Kind())
}

type fakeBackfill struct {
	result backfill.Result
	err    error
	calls  int
}

func (f *fakeBackfill) Run(context.Context) (backfill.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestEmbeddingBackfillWorker(t *testing.T) {
	fake := &fakeBackfill{result: backfill.Result{Artists: backfill.Stats{Processed: 3, Updated: 3}}}
	worker := EmbeddingBackfillWorker{Backfill: fake, Logger: discardLogger()}

	require.NoError(t, worker.Work(context.Background(), &river.Job[EmbeddingBackfillArgs]{JobRow: &rivertype.JobRow{}}))
	assert.Equal(t, 1, fake.calls)

	fake.err = errors.New("connection reset")
	assert.Error(t, worker.Work(context.Background(), &river.Job[EmbeddingBackfillArgs]{JobRow: &rivertype.JobRow{}}))

	assert.Error(t, EmbeddingBackfillWorker{}.Work(context.Background(), nil))
}

type fakePurger struct {
	deleted int64
	err     error
}

func (f fakePurger) PurgeExpired(context.Context) (int64, error) {
	return f.deleted, f.err
}

func TestGeocodeCachePurgeWorker(t *testing.T) {
	worker := GeocodeCachePurgeWorker{Cache: fakePurger{deleted: 12}, Logger: discardLogger()}
	require.NoError(t, worker.Work(context.Background(), &river.Job[GeocodeCachePurgeArgs]{JobRow: &rivertype.JobRow{Attempt: 1}}))

	worker.Cache = fakePurger{err: errors.New("timeout")}
	assert.Error(t, worker.Work(context.Background(), nil))

	assert.Error(t, GeocodeCachePurgeWorker{}.Work(context.Background(), nil))
}

func TestNewWorkers(t *testing.T) {
	if NewWorkers(Deps{}) == nil {
		t.Fatal("NewWorkers() returned nil")
	}
	workers := NewWorkers(Deps{
		Loader:       abortingLoader{},
		Blobs:        staticReader{},
		Backfill:     &fakeBackfill{},
		GeocodeCache: fakePurger{},
	})
	if workers == nil {
		t.Fatal("NewWorkers() with deps returned nil")
	}
}

func TestFailureHandler_AlertsOnlyFinalFailures(t *testing.T) {
	var alerted []string
	handler := NewFailureHandler(discardLogger(), func(_ context.Context, job *rivertype.JobRow, err error) {
		alerted = append(alerted, job.Kind+": "+err.Error())
	})
	job := &rivertype.JobRow{ID: 9, Kind: JobKindLoadRun, Attempt: 1, MaxAttempts: 3, EncodedArgs: []byte(`{"source":"runs/2025-03-21.json"}`)}

	assert.Nil(t, handler.HandleError(context.Background(), job, errors.New("database unavailable")))
	assert.Empty(t, alerted)

	job.Attempt = 3
	assert.Nil(t, handler.HandleError(context.Background(), job, errors.New("database unavailable")))
	assert.Equal(t, []string{"load_run: database unavailable"}, alerted)
	assert.Equal(t, "runs/2025-03-21.json", loadSource(job))
}

func TestFailureHandler_PanicCancelsLoadRun(t *testing.T) {
	var alerted int
	handler := NewFailureHandler(discardLogger(), func(context.Context, *rivertype.JobRow, error) { alerted++ })

	load := &rivertype.JobRow{ID: 1, Kind: JobKindLoadRun, Attempt: 1, MaxAttempts: 3}
	result := handler.HandlePanic(context.Background(), load, "boom", "stack")
	require.NotNil(t, result)
	assert.True(t, result.SetCancelled)

	purge := &rivertype.JobRow{ID: 2, Kind: JobKindGeocodeCachePurge, Attempt: 1, MaxAttempts: 3}
	assert.Nil(t, handler.HandlePanic(context.Background(), purge, "boom", "stack"))
	assert.Equal(t, 1, alerted)
	assert.Empty(t, loadSource(purge))
}
