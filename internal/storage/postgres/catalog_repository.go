package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fest-vibes/etl/internal/domain/events"
)

// CatalogRepository holds the natural-key upserts for genres, artists,
// venues and events. Every write relies on a unique index and ON CONFLICT,
// so concurrent loaders converge on one row per key.
type CatalogRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (r *CatalogRepository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func vectorArg(e events.Embedding) any {
	if e == nil {
		return nil
	}
	return pgvector.NewVector(e)
}

const genreColumns = `id, name, COALESCE(description, ''), genre_embedding IS NOT NULL`

func scanGenre(row pgx.Row, extra ...any) (events.Genre, error) {
	var g events.Genre
	dest := append([]any{&g.ID, &g.Name, &g.Description, &g.HasEmbedding}, extra...)
	err := row.Scan(dest...)
	return g, err
}

func (r *CatalogRepository) FindGenres(ctx context.Context, names []string) ([]events.Genre, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := r.queryer().Query(ctx,
		`SELECT `+genreColumns+` FROM genres WHERE name = ANY($1) ORDER BY name`, names)
	if err != nil {
		return nil, fmt.Errorf("find genres: %w", err)
	}
	defer rows.Close()

	var genres []events.Genre
	for rows.Next() {
		g, err := scanGenre(rows)
		if err != nil {
			return nil, fmt.Errorf("scan genre: %w", err)
		}
		genres = append(genres, g)
	}
	return genres, rows.Err()
}

func (r *CatalogRepository) InsertGenre(ctx context.Context, params events.GenreCreateParams) (events.Genre, bool, error) {
	q := r.queryer()
	g, err := scanGenre(q.QueryRow(ctx, `
INSERT INTO genres (name, description, genre_embedding)
VALUES ($1, NULLIF($2, ''), $3)
ON CONFLICT (name) DO NOTHING
RETURNING `+genreColumns,
		params.Name, params.Description, vectorArg(params.Embedding)))
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return events.Genre{}, false, fmt.Errorf("insert genre: %w", err)
	}

	// Lost the race, or the genre predates this load.
	g, err = scanGenre(q.QueryRow(ctx, `SELECT `+genreColumns+` FROM genres WHERE name = $1`, params.Name))
	if err != nil {
		return events.Genre{}, false, fmt.Errorf("refetch genre: %w", scanNotFound(err))
	}
	return g, false, nil
}

const artistColumns = `id, name, COALESCE(wwoz_artist_href, ''), COALESCE(description, ''),
	COALESCE(website, ''), description_embedding IS NOT NULL, created_at`

func scanArtist(row pgx.Row, extra ...any) (events.Artist, error) {
	var a events.Artist
	dest := append([]any{&a.ID, &a.Name, &a.Href, &a.Description, &a.Website, &a.HasEmbedding, &a.CreatedAt}, extra...)
	err := row.Scan(dest...)
	return a, err
}

func (r *CatalogRepository) FindArtistByName(ctx context.Context, name string) (*events.Artist, error) {
	a, err := scanArtist(r.queryer().QueryRow(ctx, `SELECT `+artistColumns+` FROM artists WHERE name = $1`, name))
	if err != nil {
		return nil, scanNotFound(err)
	}
	return &a, nil
}

// UpsertArtist inserts by name or fills NULL columns of the existing row.
// A present value is never replaced.
func (r *CatalogRepository) UpsertArtist(ctx context.Context, params events.ArtistUpsertParams) (events.Artist, bool, error) {
	var inserted bool
	a, err := scanArtist(r.queryer().QueryRow(ctx, `
INSERT INTO artists (name, wwoz_artist_href, description, website, description_embedding)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5)
ON CONFLICT (name) DO UPDATE SET
  wwoz_artist_href = COALESCE(artists.wwoz_artist_href, EXCLUDED.wwoz_artist_href),
  description = COALESCE(artists.description, EXCLUDED.description),
  website = COALESCE(artists.website, EXCLUDED.website),
  description_embedding = COALESCE(artists.description_embedding, EXCLUDED.description_embedding),
  last_updated = now()
RETURNING `+artistColumns+`, (xmax = 0)`,
		params.Name, params.Href, params.Description, params.Website, vectorArg(params.Embedding)), &inserted)
	if err != nil {
		return events.Artist{}, false, fmt.Errorf("upsert artist: %w", err)
	}
	return a, inserted, nil
}

func (r *CatalogRepository) LinkArtistGenres(ctx context.Context, artistID int64, genreIDs []int64) error {
	return r.link(ctx, `INSERT INTO artist_genres (artist_id, genre_id)
SELECT $1, g FROM unnest($2::bigint[]) AS g
ON CONFLICT DO NOTHING`, artistID, genreIDs)
}

func (r *CatalogRepository) LinkVenueGenres(ctx context.Context, venueID int64, genreIDs []int64) error {
	return r.link(ctx, `INSERT INTO venue_genres (venue_id, genre_id)
SELECT $1, g FROM unnest($2::bigint[]) AS g
ON CONFLICT DO NOTHING`, venueID, genreIDs)
}

func (r *CatalogRepository) LinkEventGenres(ctx context.Context, eventID int64, genreIDs []int64) error {
	return r.link(ctx, `INSERT INTO event_genres (event_id, genre_id)
SELECT $1, g FROM unnest($2::bigint[]) AS g
ON CONFLICT DO NOTHING`, eventID, genreIDs)
}

func (r *CatalogRepository) link(ctx context.Context, sql string, ownerID int64, genreIDs []int64) error {
	if len(genreIDs) == 0 {
		return nil
	}
	if _, err := r.queryer().Exec(ctx, sql, ownerID, genreIDs); err != nil {
		return fmt.Errorf("link genres: %w", err)
	}
	return nil
}

func (r *CatalogRepository) LinkVenueArtist(ctx context.Context, venueID, artistID int64) error {
	_, err := r.queryer().Exec(ctx, `
INSERT INTO venue_artists (venue_id, artist_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, venueID, artistID)
	if err != nil {
		return fmt.Errorf("link venue artist: %w", err)
	}
	return nil
}

// InsertArtistRelation records the directed edge artistID -> relatedID and
// reports whether it was new.
func (r *CatalogRepository) InsertArtistRelation(ctx context.Context, artistID, relatedID int64) (bool, error) {
	var added bool
	err := r.queryer().QueryRow(ctx, `
INSERT INTO artist_relations (artist_id, related_artist_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING
RETURNING true`, artistID, relatedID).Scan(&added)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert artist relation: %w", err)
	}
	return added, nil
}

// RelatedArtists reads relations in both directions.
func (r *CatalogRepository) RelatedArtists(ctx context.Context, artistID int64) ([]events.Artist, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT `+artistColumns+`
  FROM artists
 WHERE id IN (
       SELECT related_artist_id FROM artist_relations WHERE artist_id = $1
       UNION
       SELECT artist_id FROM artist_relations WHERE related_artist_id = $1)
 ORDER BY name`, artistID)
	if err != nil {
		return nil, fmt.Errorf("related artists: %w", err)
	}
	defer rows.Close()

	var artists []events.Artist
	for rows.Next() {
		a, err := scanArtist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artist: %w", err)
		}
		artists = append(artists, a)
	}
	return artists, rows.Err()
}

const venueColumns = `id, name, COALESCE(thoroughfare, ''), COALESCE(phone_number, ''),
	COALESCE(locality, ''), COALESCE(state, ''), COALESCE(postal_code, ''), full_address,
	COALESCE(website, ''), COALESCE(wwoz_venue_href, ''), COALESCE(description, ''),
	is_active, is_indoors, is_streaming, capacity, latitude, longitude, last_geocoded,
	venue_info_embedding IS NOT NULL`

func scanVenue(row pgx.Row, extra ...any) (events.Venue, error) {
	var (
		v        events.Venue
		lat, lon *float64
	)
	dest := append([]any{
		&v.ID, &v.Name, &v.Thoroughfare, &v.PhoneNumber,
		&v.Locality, &v.State, &v.PostalCode, &v.FullAddress,
		&v.Website, &v.Href, &v.Description,
		&v.IsActive, &v.IsIndoors, &v.IsStreaming, &v.Capacity, &lat, &lon, &v.LastGeocoded,
		&v.HasEmbedding,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return events.Venue{}, err
	}
	if lat != nil && lon != nil {
		v.Location = &events.Coordinates{Latitude: *lat, Longitude: *lon}
	}
	return v, nil
}

func (r *CatalogRepository) FindVenue(ctx context.Context, key events.VenueKey) (*events.Venue, error) {
	v, err := scanVenue(r.queryer().QueryRow(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE name = $1 AND full_address = $2`,
		key.Name, key.FullAddress))
	if err != nil {
		return nil, scanNotFound(err)
	}
	return &v, nil
}

// UpsertVenue inserts by (name, full_address). On conflict it fills NULL
// columns, and takes the supplied coordinates only when the stored pair is
// incomplete.
func (r *CatalogRepository) UpsertVenue(ctx context.Context, params events.VenueUpsertParams) (events.Venue, bool, error) {
	var inserted bool
	v, err := scanVenue(r.queryer().QueryRow(ctx, `
INSERT INTO venues (
  name, thoroughfare, phone_number, locality, state, postal_code, full_address,
  website, wwoz_venue_href, description, is_active, is_indoors, is_streaming,
  capacity, latitude, longitude, last_geocoded, venue_info_embedding
) VALUES (
  $1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7,
  NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13,
  $14, $15, $16, $17, $18
)
ON CONFLICT (name, full_address) DO UPDATE SET
  thoroughfare = COALESCE(venues.thoroughfare, EXCLUDED.thoroughfare),
  phone_number = COALESCE(venues.phone_number, EXCLUDED.phone_number),
  locality = COALESCE(venues.locality, EXCLUDED.locality),
  state = COALESCE(venues.state, EXCLUDED.state),
  postal_code = COALESCE(venues.postal_code, EXCLUDED.postal_code),
  website = COALESCE(venues.website, EXCLUDED.website),
  wwoz_venue_href = COALESCE(venues.wwoz_venue_href, EXCLUDED.wwoz_venue_href),
  description = COALESCE(venues.description, EXCLUDED.description),
  capacity = COALESCE(venues.capacity, EXCLUDED.capacity),
  latitude = CASE WHEN venues.latitude IS NULL OR venues.longitude IS NULL
                  THEN EXCLUDED.latitude ELSE venues.latitude END,
  longitude = CASE WHEN venues.latitude IS NULL OR venues.longitude IS NULL
                   THEN EXCLUDED.longitude ELSE venues.longitude END,
  last_geocoded = CASE WHEN venues.latitude IS NULL OR venues.longitude IS NULL
                       THEN EXCLUDED.last_geocoded ELSE venues.last_geocoded END,
  venue_info_embedding = COALESCE(venues.venue_info_embedding, EXCLUDED.venue_info_embedding),
  last_updated = now()
RETURNING `+venueColumns+`, (xmax = 0)`,
		params.Name, params.Thoroughfare, params.PhoneNumber, params.Locality, params.State,
		params.PostalCode, params.FullAddress, params.Website, params.Href, params.Description,
		params.IsActive, params.IsIndoors, params.IsStreaming, params.Capacity,
		params.Location.Latitude, params.Location.Longitude, params.GeocodedAt,
		vectorArg(params.Embedding),
	), &inserted)
	if err != nil {
		return events.Venue{}, false, fmt.Errorf("upsert venue: %w", err)
	}
	return v, inserted, nil
}

func (r *CatalogRepository) UpdateVenueLocation(ctx context.Context, venueID int64, location events.Coordinates, geocodedAt time.Time) error {
	tag, err := r.queryer().Exec(ctx, `
UPDATE venues
   SET latitude = $2, longitude = $3, last_geocoded = $4, last_updated = now()
 WHERE id = $1`, venueID, location.Latitude, location.Longitude, geocodedAt)
	if err != nil {
		return fmt.Errorf("update venue location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return events.ErrNotFound
	}
	return nil
}

const eventColumns = `id, COALESCE(wwoz_event_href, ''), COALESCE(description, ''), artist_id, venue_id,
	artist_name, venue_name, performance_time, scrape_time, is_indoors, is_streaming`

func scanEvent(row pgx.Row) (events.Event, error) {
	var e events.Event
	err := row.Scan(&e.ID, &e.Href, &e.Description, &e.ArtistID, &e.VenueID,
		&e.ArtistName, &e.VenueName, &e.PerformanceTime, &e.ScrapeTime, &e.IsIndoors, &e.IsStreaming)
	return e, err
}

func (r *CatalogRepository) FindEventByHref(ctx context.Context, href string) (*events.Event, error) {
	e, err := scanEvent(r.queryer().QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wwoz_event_href = $1`, href))
	if err != nil {
		return nil, scanNotFound(err)
	}
	return &e, nil
}

func (r *CatalogRepository) FindEventBySlot(ctx context.Context, artistID, venueID int64, performanceTime time.Time) (*events.Event, error) {
	e, err := scanEvent(r.queryer().QueryRow(ctx, `
SELECT `+eventColumns+`
  FROM events
 WHERE wwoz_event_href IS NULL AND artist_id = $1 AND venue_id = $2 AND performance_time = $3`,
		artistID, venueID, performanceTime))
	if err != nil {
		return nil, scanNotFound(err)
	}
	return &e, nil
}

const insertEventSQL = `
INSERT INTO events (
  wwoz_event_href, description, artist_id, venue_id, artist_name, venue_name,
  performance_time, scrape_time, is_indoors, is_streaming,
  description_embedding, event_text_embedding
) VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// InsertEvent creates the event unless its key already exists, in which
// case the stored row is returned untouched.
func (r *CatalogRepository) InsertEvent(ctx context.Context, params events.EventCreateParams) (events.Event, bool, error) {
	conflict := `ON CONFLICT (wwoz_event_href) DO NOTHING`
	if params.Href == "" {
		conflict = `ON CONFLICT (artist_id, venue_id, performance_time) WHERE wwoz_event_href IS NULL DO NOTHING`
	}

	e, err := scanEvent(r.queryer().QueryRow(ctx, insertEventSQL+conflict+` RETURNING `+eventColumns,
		params.Href, params.Description, params.ArtistID, params.VenueID, params.ArtistName, params.VenueName,
		params.PerformanceTime, params.ScrapeTime, params.IsIndoors, params.IsStreaming,
		vectorArg(params.DescriptionEmbedding), vectorArg(params.TextEmbedding)))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return events.Event{}, false, fmt.Errorf("insert event: %w", err)
	}

	var existing *events.Event
	if params.Href != "" {
		existing, err = r.FindEventByHref(ctx, params.Href)
	} else {
		existing, err = r.FindEventBySlot(ctx, params.ArtistID, params.VenueID, params.PerformanceTime)
	}
	if err != nil {
		return events.Event{}, false, fmt.Errorf("refetch event: %w", err)
	}
	return *existing, false, nil
}

// FillEventDescription sets the description only while it is still empty.
func (r *CatalogRepository) FillEventDescription(ctx context.Context, eventID int64, description string, embedding events.Embedding) (bool, error) {
	tag, err := r.queryer().Exec(ctx, `
UPDATE events
   SET description = $2,
       description_embedding = COALESCE(description_embedding, $3),
       last_updated = now()
 WHERE id = $1 AND (description IS NULL OR description = '')`,
		eventID, description, vectorArg(embedding))
	if err != nil {
		return false, fmt.Errorf("fill event description: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// EmbeddingState runs outside the batch transaction; it only reads.
func (r *CatalogRepository) EmbeddingState(ctx context.Context, lookup events.EmbeddingLookup) (events.EmbeddingState, error) {
	state := events.EmbeddingState{
		ArtistsEmbedded:   make(map[string]bool),
		VenuesEmbedded:    make(map[events.VenueKey]bool),
		EventDescriptions: make(map[string]bool),
		GenresExisting:    make(map[string]bool),
	}
	q := r.queryer()

	if len(lookup.ArtistNames) > 0 {
		names, err := collectStrings(ctx, q,
			`SELECT name FROM artists WHERE name = ANY($1) AND description_embedding IS NOT NULL`, lookup.ArtistNames)
		if err != nil {
			return state, fmt.Errorf("embedded artists: %w", err)
		}
		for _, n := range names {
			state.ArtistsEmbedded[n] = true
		}
	}

	if len(lookup.GenreNames) > 0 {
		names, err := collectStrings(ctx, q, `SELECT name FROM genres WHERE name = ANY($1)`, lookup.GenreNames)
		if err != nil {
			return state, fmt.Errorf("existing genres: %w", err)
		}
		for _, n := range names {
			state.GenresExisting[n] = true
		}
	}

	if len(lookup.Venues) > 0 {
		names := make([]string, len(lookup.Venues))
		addresses := make([]string, len(lookup.Venues))
		for i, k := range lookup.Venues {
			names[i], addresses[i] = k.Name, k.FullAddress
		}
		rows, err := q.Query(ctx, `
SELECT v.name, v.full_address
  FROM venues v
  JOIN unnest($1::text[], $2::text[]) AS k(name, full_address)
    ON v.name = k.name AND v.full_address = k.full_address
 WHERE v.venue_info_embedding IS NOT NULL`, names, addresses)
		if err != nil {
			return state, fmt.Errorf("embedded venues: %w", err)
		}
		for rows.Next() {
			var k events.VenueKey
			if err := rows.Scan(&k.Name, &k.FullAddress); err != nil {
				rows.Close()
				return state, fmt.Errorf("scan venue key: %w", err)
			}
			state.VenuesEmbedded[k] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return state, err
		}
	}

	if len(lookup.EventHrefs) > 0 {
		rows, err := q.Query(ctx, `
SELECT wwoz_event_href, COALESCE(description, '') <> ''
  FROM events
 WHERE wwoz_event_href = ANY($1)`, lookup.EventHrefs)
		if err != nil {
			return state, fmt.Errorf("existing events: %w", err)
		}
		for rows.Next() {
			var (
				href           string
				hasDescription bool
			)
			if err := rows.Scan(&href, &hasDescription); err != nil {
				rows.Close()
				return state, fmt.Errorf("scan event: %w", err)
			}
			state.EventDescriptions[href] = hasDescription
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return state, err
		}
	}

	return state, nil
}

func collectStrings(ctx context.Context, q queryer, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
