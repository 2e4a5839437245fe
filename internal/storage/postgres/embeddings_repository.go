package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fest-vibes/etl/internal/domain/events"
)

// EmbeddingRepository pages through rows whose vectors are still NULL and
// fills them. Pages are keyed by id so a long backfill never rescans.
type EmbeddingRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (r *EmbeddingRepository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *EmbeddingRepository) GenresMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]events.Genre, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT `+genreColumns+`
  FROM genres
 WHERE genre_embedding IS NULL AND id > $1
 ORDER BY id
 LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("genres missing embedding: %w", err)
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

func (r *EmbeddingRepository) ArtistsMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]events.ArtistProfile, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT a.id, a.name, COALESCE(a.wwoz_artist_href, ''), COALESCE(a.description, ''),
       COALESCE(a.website, ''), false, a.created_at,
       COALESCE(array_agg(g.name ORDER BY g.name) FILTER (WHERE g.name IS NOT NULL), '{}')
  FROM artists a
  LEFT JOIN artist_genres ag ON ag.artist_id = a.id
  LEFT JOIN genres g ON g.id = ag.genre_id
 WHERE a.description_embedding IS NULL AND a.id > $1
 GROUP BY a.id
 ORDER BY a.id
 LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("artists missing embedding: %w", err)
	}
	defer rows.Close()

	var profiles []events.ArtistProfile
	for rows.Next() {
		var p events.ArtistProfile
		a, err := scanArtist(rows, &p.Genres)
		if err != nil {
			return nil, fmt.Errorf("scan artist: %w", err)
		}
		p.Artist = a
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (r *EmbeddingRepository) VenuesMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]events.VenueProfile, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT v.id, v.name, COALESCE(v.thoroughfare, ''), COALESCE(v.phone_number, ''),
       COALESCE(v.locality, ''), COALESCE(v.state, ''), COALESCE(v.postal_code, ''), v.full_address,
       COALESCE(v.website, ''), COALESCE(v.wwoz_venue_href, ''), COALESCE(v.description, ''),
       v.is_active, v.is_indoors, v.is_streaming, v.capacity, v.latitude, v.longitude, v.last_geocoded,
       false,
       COALESCE(array_agg(g.name ORDER BY g.name) FILTER (WHERE g.name IS NOT NULL), '{}')
  FROM venues v
  LEFT JOIN venue_genres vg ON vg.venue_id = v.id
  LEFT JOIN genres g ON g.id = vg.genre_id
 WHERE v.venue_info_embedding IS NULL AND v.id > $1
 GROUP BY v.id
 ORDER BY v.id
 LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("venues missing embedding: %w", err)
	}
	defer rows.Close()

	var profiles []events.VenueProfile
	for rows.Next() {
		var p events.VenueProfile
		v, err := scanVenue(rows, &p.Genres)
		if err != nil {
			return nil, fmt.Errorf("scan venue: %w", err)
		}
		p.Venue = v
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (r *EmbeddingRepository) SetGenreEmbedding(ctx context.Context, id int64, embedding events.Embedding) error {
	return r.set(ctx, `UPDATE genres SET genre_embedding = $2 WHERE id = $1 AND genre_embedding IS NULL`, id, embedding)
}

func (r *EmbeddingRepository) SetArtistEmbedding(ctx context.Context, id int64, embedding events.Embedding) error {
	return r.set(ctx, `UPDATE artists SET description_embedding = $2, last_updated = now()
 WHERE id = $1 AND description_embedding IS NULL`, id, embedding)
}

func (r *EmbeddingRepository) SetVenueEmbedding(ctx context.Context, id int64, embedding events.Embedding) error {
	return r.set(ctx, `UPDATE venues SET venue_info_embedding = $2, last_updated = now()
 WHERE id = $1 AND venue_info_embedding IS NULL`, id, embedding)
}

// set never replaces an existing vector; a row filled concurrently is left
// as it is.
func (r *EmbeddingRepository) set(ctx context.Context, sql string, id int64, embedding events.Embedding) error {
	if embedding == nil {
		return nil
	}
	if _, err := r.queryer().Exec(ctx, sql, id, vectorArg(embedding)); err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}
