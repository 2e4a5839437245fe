package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/storage"
	"github.com/fest-vibes/etl/internal/storage/memory"
)

// faultyStore wraps the in-memory store and fails InsertEvent for chosen
// hrefs, one queued error per attempt. stateFailures fail EmbeddingState
// reads in order.
type faultyStore struct {
	*memory.Store

	mu            sync.Mutex
	failures      map[string][]error
	always        map[string]error
	stateFailures []error
	stateCalls    int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		Store:    memory.New(),
		failures: make(map[string][]error),
		always:   make(map[string]error),
	}
}

func (f *faultyStore) failNext(href string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[href] = append(f.failures[href], errs...)
}

func (f *faultyStore) failAlways(href string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[href] = err
}

func (f *faultyStore) failStateReads(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFailures = append(f.stateFailures, errs...)
}

func (f *faultyStore) nextStateRead() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if len(f.stateFailures) == 0 {
		return nil
	}
	err := f.stateFailures[0]
	f.stateFailures = f.stateFailures[1:]
	return err
}

func (f *faultyStore) stateReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

func (f *faultyStore) Catalog() events.Repository {
	return &faultyCatalog{Repository: f.Store.Catalog(), f: f}
}

func (f *faultyStore) next(href string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.always[href]; ok {
		return err
	}
	queue := f.failures[href]
	if len(queue) == 0 {
		return nil
	}
	f.failures[href] = queue[1:]
	return queue[0]
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return f.Store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		return fn(ctx, &faultyTx{Repository: tx, f: f})
	})
}

type faultyTx struct {
	storage.Repository
	f *faultyStore
}

func (t *faultyTx) Catalog() events.Repository {
	return &faultyCatalog{Repository: t.Repository.Catalog(), f: t.f}
}

func (t *faultyTx) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return fn(ctx, t)
}

type faultyCatalog struct {
	events.Repository
	f *faultyStore
}

func (c *faultyCatalog) EmbeddingState(ctx context.Context, lookup events.EmbeddingLookup) (events.EmbeddingState, error) {
	if err := c.f.nextStateRead(); err != nil {
		return events.EmbeddingState{}, err
	}
	return c.Repository.EmbeddingState(ctx, lookup)
}

func (c *faultyCatalog) InsertEvent(ctx context.Context, params events.EventCreateParams) (events.Event, bool, error) {
	if err := c.f.next(params.Href); err != nil {
		return events.Event{}, false, err
	}
	return c.Repository.InsertEvent(ctx, params)
}

type countingEmbedder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *countingEmbedder) Encode(_ context.Context, text string) (events.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	if e.err != nil {
		return nil, e.err
	}
	return make(events.Embedding, events.EmbeddingDimensions), nil
}

func (e *countingEmbedder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixedGeocoder struct{}

func (fixedGeocoder) Geocode(context.Context, string) events.Coordinates {
	return events.Coordinates{Latitude: 29.9511, Longitude: -90.0715}
}

func testOptions() Options {
	return Options{
		BatchSize: 5,
		Workers:   1,
		Retry:     RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

func newTestLoader(repo storage.Repository, embedder events.Embedder, opts Options) *Loader {
	logger := zerolog.Nop()
	upserter := events.NewUpserter(fixedGeocoder{}, logger)
	var enricher *events.Enricher
	if embedder != nil {
		enricher = events.NewEnricher(embedder, logger)
	}
	return New(repo, upserter, enricher, logger, opts)
}

func kermitRecord() events.Record {
	performance, _ := time.Parse(time.RFC3339, "2025-03-21T22:30:00-05:00")
	return events.Record{
		Artist: events.ArtistRecord{Name: "Kermit Ruffins"},
		Venue: events.VenueRecord{
			Name:        "Blue Nile",
			FullAddress: "532 Frenchmen St, New Orleans, LA 70116",
		},
		Event: events.EventRecord{
			Href:   "/events/789",
			Genres: []string{"Jazz", "Blues"},
		},
		PerformanceTime: performance,
		ScrapeTime:      performance.Add(-12 * time.Hour),
	}
}

// distinctRecords returns n records with their own artist, venue and href.
func distinctRecords(n int) []events.Record {
	base := time.Date(2025, 4, 1, 20, 0, 0, 0, time.UTC)
	out := make([]events.Record, n)
	for i := range out {
		out[i] = events.Record{
			Artist:          events.ArtistRecord{Name: fmt.Sprintf("Artist %d", i)},
			Venue:           events.VenueRecord{Name: fmt.Sprintf("Venue %d", i), FullAddress: fmt.Sprintf("%d Magazine St", 100+i)},
			Event:           events.EventRecord{Href: fmt.Sprintf("/events/%d", i)},
			PerformanceTime: base.Add(time.Duration(i) * time.Hour),
			ScrapeTime:      base,
		}
	}
	return out
}
