package memory

import (
	"context"
	"sort"

	"github.com/fest-vibes/etl/internal/domain/events"
)

type embeddingStore struct {
	s *Store
}

func (e *embeddingStore) GenresMissingEmbedding(_ context.Context, afterID int64, limit int) ([]events.Genre, error) {
	var out []events.Genre
	e.s.with(func(d *data) {
		for _, g := range d.genres {
			if !g.HasEmbedding && g.ID > afterID {
				out = append(out, g)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return head(out, limit), nil
}

func (e *embeddingStore) ArtistsMissingEmbedding(_ context.Context, afterID int64, limit int) ([]events.ArtistProfile, error) {
	var out []events.ArtistProfile
	e.s.with(func(d *data) {
		for _, a := range d.artists {
			if !a.HasEmbedding && a.ID > afterID {
				out = append(out, events.ArtistProfile{Artist: a, Genres: sortedGenreNames(d, d.artistGenres, a.ID)})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return head(out, limit), nil
}

func (e *embeddingStore) VenuesMissingEmbedding(_ context.Context, afterID int64, limit int) ([]events.VenueProfile, error) {
	var out []events.VenueProfile
	e.s.with(func(d *data) {
		for _, v := range d.venues {
			if !v.HasEmbedding && v.ID > afterID {
				out = append(out, events.VenueProfile{Venue: v, Genres: sortedGenreNames(d, d.venueGenres, v.ID)})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return head(out, limit), nil
}

func (e *embeddingStore) SetGenreEmbedding(_ context.Context, id int64, embedding events.Embedding) error {
	if embedding == nil {
		return nil
	}
	e.s.with(func(d *data) {
		for name, g := range d.genres {
			if g.ID == id && !g.HasEmbedding {
				g.HasEmbedding = true
				d.genres[name] = g
				d.embeddings[vectorKey{"genre", id}] = embedding
			}
		}
	})
	return nil
}

func (e *embeddingStore) SetArtistEmbedding(_ context.Context, id int64, embedding events.Embedding) error {
	if embedding == nil {
		return nil
	}
	e.s.with(func(d *data) {
		for name, a := range d.artists {
			if a.ID == id && !a.HasEmbedding {
				a.HasEmbedding = true
				d.artists[name] = a
				d.embeddings[vectorKey{"artist", id}] = embedding
			}
		}
	})
	return nil
}

func (e *embeddingStore) SetVenueEmbedding(_ context.Context, id int64, embedding events.Embedding) error {
	if embedding == nil {
		return nil
	}
	e.s.with(func(d *data) {
		for key, v := range d.venues {
			if v.ID == id && !v.HasEmbedding {
				v.HasEmbedding = true
				d.venues[key] = v
				d.embeddings[vectorKey{"venue", id}] = embedding
			}
		}
	})
	return nil
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
