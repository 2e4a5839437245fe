package storage

import (
	"context"
	"errors"

	"github.com/fest-vibes/etl/internal/domain/events"
)

// Repository groups data access for the loader.
type Repository interface {
	Catalog() events.Repository
	Embeddings() events.EmbeddingRepository

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
}

var (
	// ErrContention marks errors caused by concurrent writers: deadlocks,
	// lock timeouts and serialization failures. Retrying is expected to
	// succeed.
	ErrContention = errors.New("storage contention")

	// ErrUnavailable marks a database that cannot be reached at all.
	ErrUnavailable = errors.New("storage unavailable")
)
