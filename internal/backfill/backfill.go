// Package backfill fills embedding columns left NULL when the provider was
// unavailable during a load.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/embedding"
	"github.com/fest-vibes/etl/internal/metrics"
	"github.com/fest-vibes/etl/internal/storage"
)

const DefaultCommitEvery = 10

// Stats counts one entity type: rows examined, vectors written and rows the
// provider failed on.
type Stats struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

type Result struct {
	Genres   Stats         `json:"genres"`
	Artists  Stats         `json:"artists"`
	Venues   Stats         `json:"venues"`
	Duration time.Duration `json:"duration"`
}

type Service struct {
	repo        storage.Repository
	embedder    events.Embedder
	commitEvery int
	logger      zerolog.Logger
}

func New(repo storage.Repository, embedder events.Embedder, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		embedder:    embedder,
		commitEvery: DefaultCommitEvery,
		logger:      logger.With().Str("component", "backfill").Logger(),
	}
}

// WithCommitEvery sets how many rows share a transaction.
func (s *Service) WithCommitEvery(n int) *Service {
	if n > 0 {
		s.commitEvery = n
	}
	return s
}

// Run backfills genres, then artists, then venues.
func (s *Service) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var (
		result Result
		err    error
	)
	if result.Genres, err = s.Genres(ctx); err != nil {
		return result, err
	}
	if result.Artists, err = s.Artists(ctx); err != nil {
		return result, err
	}
	if result.Venues, err = s.Venues(ctx); err != nil {
		return result, err
	}
	result.Duration = time.Since(start)

	s.logger.Info().
		Int("genres_updated", result.Genres.Updated).
		Int("artists_updated", result.Artists.Updated).
		Int("venues_updated", result.Venues.Updated).
		Dur("duration", result.Duration).
		Msg("embedding backfill completed")
	return result, nil
}

func (s *Service) Genres(ctx context.Context) (Stats, error) {
	return run(ctx, s, "genre",
		func(ctx context.Context, repo events.EmbeddingRepository, after int64, limit int) ([]events.Genre, error) {
			return repo.GenresMissingEmbedding(ctx, after, limit)
		},
		func(g events.Genre) (int64, string) { return g.ID, events.GenreText(g.Name, g.Description) },
		func(ctx context.Context, repo events.EmbeddingRepository, id int64, e events.Embedding) error {
			return repo.SetGenreEmbedding(ctx, id, e)
		},
	)
}

func (s *Service) Artists(ctx context.Context) (Stats, error) {
	return run(ctx, s, "artist",
		func(ctx context.Context, repo events.EmbeddingRepository, after int64, limit int) ([]events.ArtistProfile, error) {
			return repo.ArtistsMissingEmbedding(ctx, after, limit)
		},
		func(a events.ArtistProfile) (int64, string) {
			return a.ID, events.ArtistText(a.Name, a.Description, a.Website, a.Genres)
		},
		func(ctx context.Context, repo events.EmbeddingRepository, id int64, e events.Embedding) error {
			return repo.SetArtistEmbedding(ctx, id, e)
		},
	)
}

func (s *Service) Venues(ctx context.Context) (Stats, error) {
	return run(ctx, s, "venue",
		func(ctx context.Context, repo events.EmbeddingRepository, after int64, limit int) ([]events.VenueProfile, error) {
			return repo.VenuesMissingEmbedding(ctx, after, limit)
		},
		func(v events.VenueProfile) (int64, string) { return v.ID, events.VenueText(v.Venue, v.Genres) },
		func(ctx context.Context, repo events.EmbeddingRepository, id int64, e events.Embedding) error {
			return repo.SetVenueEmbedding(ctx, id, e)
		},
	)
}

type pending struct {
	id     int64
	vector events.Embedding
}

// run pages through rows missing a vector in id order. Vectors for a page
// are computed first, then written in one transaction. Rows the provider
// fails on keep their NULL and are passed over by the id cursor.
func run[T any](
	ctx context.Context,
	s *Service,
	entity string,
	fetch func(context.Context, events.EmbeddingRepository, int64, int) ([]T, error),
	describe func(T) (int64, string),
	set func(context.Context, events.EmbeddingRepository, int64, events.Embedding) error,
) (Stats, error) {
	var (
		stats Stats
		after int64
	)
	logger := s.logger.With().Str("entity", entity).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rows, err := fetch(ctx, s.repo.Embeddings(), after, s.commitEvery)
		if err != nil {
			return stats, fmt.Errorf("list %ss missing embeddings: %w", entity, err)
		}
		if len(rows) == 0 {
			break
		}

		var page []pending
		for _, row := range rows {
			id, text := describe(row)
			after = id
			stats.Processed++
			if strings.TrimSpace(text) == "" {
				continue
			}
			vector, err := s.embedder.Encode(ctx, text)
			if errors.Is(err, embedding.ErrDisabled) {
				return stats, err
			}
			if err != nil || len(vector) != events.EmbeddingDimensions {
				stats.Errors++
				logger.Warn().Err(err).Int64("id", id).Int("dimensions", len(vector)).Msg("embedding failed")
				continue
			}
			page = append(page, pending{id: id, vector: vector})
		}

		if len(page) > 0 {
			err = s.repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
				for _, p := range page {
					if err := set(ctx, tx.Embeddings(), p.id, p.vector); err != nil {
						return fmt.Errorf("set %s %d embedding: %w", entity, p.id, err)
					}
				}
				return nil
			})
			if err != nil {
				return stats, err
			}
			stats.Updated += len(page)
			metrics.BackfillUpdated.WithLabelValues(entity).Add(float64(len(page)))
		}
		logger.Debug().Int("processed", stats.Processed).Int("updated", stats.Updated).Msg("backfill page committed")
	}

	return stats, nil
}
