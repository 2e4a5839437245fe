// Package memory is an in-process storage.Repository. Transactions are
// serialized and roll back by restoring a snapshot, so it behaves like the
// PostgreSQL repository for a single loader.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/storage"
)

type slotKey struct {
	artistID int64
	venueID  int64
	at       int64
}

type vectorKey struct {
	kind string
	id   int64
}

type data struct {
	nextID int64

	genres      map[string]events.Genre
	artists     map[string]events.Artist
	venues      map[events.VenueKey]events.Venue
	events      map[int64]events.Event
	eventByHref map[string]int64
	eventBySlot map[slotKey]int64

	artistGenres map[[2]int64]bool
	venueGenres  map[[2]int64]bool
	eventGenres  map[[2]int64]bool
	venueArtists map[[2]int64]bool
	relations    map[[2]int64]bool

	embeddings map[vectorKey]events.Embedding
}

func newData() *data {
	return &data{
		genres:       make(map[string]events.Genre),
		artists:      make(map[string]events.Artist),
		venues:       make(map[events.VenueKey]events.Venue),
		events:       make(map[int64]events.Event),
		eventByHref:  make(map[string]int64),
		eventBySlot:  make(map[slotKey]int64),
		artistGenres: make(map[[2]int64]bool),
		venueGenres:  make(map[[2]int64]bool),
		eventGenres:  make(map[[2]int64]bool),
		venueArtists: make(map[[2]int64]bool),
		relations:    make(map[[2]int64]bool),
		embeddings:   make(map[vectorKey]events.Embedding),
	}
}

// clone copies every map. Entity values are copied by value; pointer
// fields inside them are never mutated in place.
func (d *data) clone() *data {
	return &data{
		nextID:       d.nextID,
		genres:       maps.Clone(d.genres),
		artists:      maps.Clone(d.artists),
		venues:       maps.Clone(d.venues),
		events:       maps.Clone(d.events),
		eventByHref:  maps.Clone(d.eventByHref),
		eventBySlot:  maps.Clone(d.eventBySlot),
		artistGenres: maps.Clone(d.artistGenres),
		venueGenres:  maps.Clone(d.venueGenres),
		eventGenres:  maps.Clone(d.eventGenres),
		venueArtists: maps.Clone(d.venueArtists),
		relations:    maps.Clone(d.relations),
		embeddings:   maps.Clone(d.embeddings),
	}
}

func (d *data) id() int64 {
	d.nextID++
	return d.nextID
}

// Store implements storage.Repository in memory.
type Store struct {
	txMu sync.Mutex // held for the length of a transaction
	mu   sync.Mutex // guards d
	d    *data
}

func New() *Store {
	return &Store{d: newData()}
}

func (s *Store) Catalog() events.Repository {
	return &catalog{s: s}
}

func (s *Store) Embeddings() events.EmbeddingRepository {
	return &embeddingStore{s: s}
}

// WithTx runs fn with exclusive access and restores the previous state if
// fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	if err := fn(ctx, &txStore{Store: s}); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txStore is the repository handed to a transaction; nested WithTx calls
// join it.
type txStore struct {
	*Store
}

func (t *txStore) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return fn(ctx, t)
}

func (s *Store) with(fn func(d *data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.d)
}

// Counts reports the number of stored rows per table.
type Counts struct {
	Genres       int
	Artists      int
	Venues       int
	Events       int
	Relations    int
	VenueArtists int
}

func (s *Store) Counts() Counts {
	var c Counts
	s.with(func(d *data) {
		c = Counts{
			Genres:       len(d.genres),
			Artists:      len(d.artists),
			Venues:       len(d.venues),
			Events:       len(d.events),
			Relations:    len(d.relations),
			VenueArtists: len(d.venueArtists),
		}
	})
	return c
}

// Embedding returns the stored vector for kind ("genre", "artist", "venue",
// "event_description", "event_text") and id.
func (s *Store) Embedding(kind string, id int64) events.Embedding {
	var e events.Embedding
	s.with(func(d *data) { e = d.embeddings[vectorKey{kind, id}] })
	return e
}

func sortedGenreNames(d *data, set map[[2]int64]bool, owner int64) []string {
	byID := make(map[int64]string, len(d.genres))
	for _, g := range d.genres {
		byID[g.ID] = g.Name
	}
	var names []string
	for key := range set {
		if key[0] == owner {
			names = append(names, byID[key[1]])
		}
	}
	sort.Strings(names)
	return names
}
