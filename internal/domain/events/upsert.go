package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Geocoder resolves an address. It never fails: unresolvable addresses get
// default coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) Coordinates
}

// Upserter holds the get-or-create-or-merge primitives for genres, artists
// and venues. Each primitive converges when two writers race on the same
// natural key: the loser receives the winner's row.
type Upserter struct {
	geocoder   Geocoder
	now        func() time.Time
	staleAfter time.Duration
	logger     zerolog.Logger
}

// UpserterOption configures an Upserter.
type UpserterOption func(*Upserter)

// WithClock replaces time.Now for staleness checks and geocode stamps.
func WithClock(now func() time.Time) UpserterOption {
	return func(u *Upserter) {
		if now != nil {
			u.now = now
		}
	}
}

// WithGeocodeStaleAfter sets how old a venue's coordinates may get before
// the next upsert geocodes it again. Non-positive values keep the default.
func WithGeocodeStaleAfter(d time.Duration) UpserterOption {
	return func(u *Upserter) {
		if d > 0 {
			u.staleAfter = d
		}
	}
}

// NewUpserter returns an Upserter that resolves venue addresses through
// geocoder.
func NewUpserter(geocoder Geocoder, logger zerolog.Logger, opts ...UpserterOption) *Upserter {
	u := &Upserter{
		geocoder:   geocoder,
		now:        time.Now,
		staleAfter: DefaultGeocodeStaleAfter,
		logger:     logger.With().Str("component", "upserter").Logger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UpsertGenre inserts the genre if absent. Genres are immutable once named.
func (u *Upserter) UpsertGenre(ctx context.Context, repo Repository, params GenreCreateParams) (Genre, bool, error) {
	genre, created, err := repo.InsertGenre(ctx, params)
	if err != nil {
		return Genre{}, false, fmt.Errorf("upsert genre %q: %w", params.Name, err)
	}
	return genre, created, nil
}

// ResolveGenres returns a genre row for every name, creating missing ones.
// Existing genres are read first so the common case takes no write locks.
// Missing genres are inserted in name order to keep lock acquisition
// consistent across writers.
func (u *Upserter) ResolveGenres(ctx context.Context, repo Repository, names []string, embeddings map[string]Embedding) ([]Genre, int, error) {
	if len(names) == 0 {
		return nil, 0, nil
	}
	existing, err := repo.FindGenres(ctx, names)
	if err != nil {
		return nil, 0, fmt.Errorf("find genres: %w", err)
	}
	byName := make(map[string]Genre, len(existing))
	for _, g := range existing {
		byName[g.Name] = g
	}

	sorted := slices.Clone(names)
	slices.Sort(sorted)

	created := 0
	genres := make([]Genre, 0, len(sorted))
	for _, name := range sorted {
		if g, ok := byName[name]; ok {
			genres = append(genres, g)
			continue
		}
		g, wasCreated, err := u.UpsertGenre(ctx, repo, GenreCreateParams{Name: name, Embedding: embeddings[name]})
		if err != nil {
			return nil, created, err
		}
		if wasCreated {
			created++
		}
		byName[name] = g
		genres = append(genres, g)
	}
	return genres, created, nil
}

// UpsertArtist creates the artist or fills its empty fields, then attaches
// the given genres. Existing values are never overwritten. A complete
// existing row is not written at all, which keeps hot artists free of row
// locks across concurrent batches.
func (u *Upserter) UpsertArtist(ctx context.Context, repo Repository, params ArtistUpsertParams, genreIDs []int64) (Artist, bool, error) {
	var (
		artist  Artist
		created bool
	)
	existing, err := repo.FindArtistByName(ctx, params.Name)
	switch {
	case err == nil && !artistNeedsFill(*existing, params):
		artist = *existing
	case err == nil || errors.Is(err, ErrNotFound):
		artist, created, err = repo.UpsertArtist(ctx, params)
		if err != nil {
			return Artist{}, false, fmt.Errorf("upsert artist %q: %w", params.Name, err)
		}
	default:
		return Artist{}, false, fmt.Errorf("find artist %q: %w", params.Name, err)
	}
	if len(genreIDs) > 0 {
		if err := repo.LinkArtistGenres(ctx, artist.ID, sortedIDs(genreIDs)); err != nil {
			return Artist{}, false, fmt.Errorf("link artist %q genres: %w", params.Name, err)
		}
	}
	return artist, created, nil
}

// UpsertVenue looks the venue up before geocoding so known venues with
// fresh coordinates never reach the provider. New venues are geocoded once
// and inserted with a conflict-safe merge in case a concurrent writer got
// there first.
func (u *Upserter) UpsertVenue(ctx context.Context, repo Repository, rec VenueRecord, genreIDs []int64, embedding Embedding) (Venue, bool, error) {
	key := rec.Key()
	now := u.now()

	existing, err := repo.FindVenue(ctx, key)
	switch {
	case err == nil:
		if existing.NeedsGeocoding(now, u.staleAfter) {
			location := u.geocode(ctx, existing.FullAddress)
			if err := repo.UpdateVenueLocation(ctx, existing.ID, location, now); err != nil {
				return Venue{}, false, fmt.Errorf("update venue %q location: %w", rec.Name, err)
			}
			u.logger.Debug().Str("venue", existing.Name).Msg("re-geocoded venue")
			existing.Location = &location
			existing.LastGeocoded = &now
		}
		return *existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Venue{}, false, fmt.Errorf("find venue %q: %w", rec.Name, err)
	}

	flags := DeriveFlags(rec.Name)
	params := VenueUpsertParams{
		Name:         rec.Name,
		Thoroughfare: rec.Thoroughfare,
		PhoneNumber:  rec.PhoneNumber,
		Locality:     rec.Locality,
		State:        rec.State,
		PostalCode:   rec.PostalCode,
		FullAddress:  rec.FullAddress,
		Website:      rec.Website,
		Href:         rec.Href,
		Description:  rec.Description,
		IsActive:     rec.Active(),
		IsIndoors:    flags.IsIndoors,
		IsStreaming:  flags.IsStreaming,
		Capacity:     rec.Capacity,
		Location:     u.geocode(ctx, rec.FullAddress),
		GeocodedAt:   now,
		Embedding:    embedding,
	}

	venue, created, err := repo.UpsertVenue(ctx, params)
	if err != nil {
		return Venue{}, false, fmt.Errorf("upsert venue %q: %w", rec.Name, err)
	}
	if created && len(genreIDs) > 0 {
		if err := repo.LinkVenueGenres(ctx, venue.ID, sortedIDs(genreIDs)); err != nil {
			return Venue{}, false, fmt.Errorf("link venue %q genres: %w", rec.Name, err)
		}
	}
	return venue, created, nil
}

func artistNeedsFill(a Artist, params ArtistUpsertParams) bool {
	return (a.Href == "" && params.Href != "") ||
		(a.Description == "" && params.Description != "") ||
		(a.Website == "" && params.Website != "") ||
		(!a.HasEmbedding && params.Embedding != nil)
}

func (u *Upserter) geocode(ctx context.Context, address string) Coordinates {
	if u.geocoder == nil {
		return Coordinates{}
	}
	return u.geocoder.Geocode(ctx, address)
}

func sortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func genreIDs(genres []Genre) []int64 {
	ids := make([]int64, 0, len(genres))
	for _, g := range genres {
		ids = append(ids, g.ID)
	}
	return sortedIDs(ids)
}
