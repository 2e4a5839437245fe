package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/storage"
)

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pgx pool with the pgvector types registered on every
// connection.
func NewPool(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %v", storage.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", storage.ErrUnavailable, err)
	}
	return pool, nil
}

// Repository implements storage.Repository on PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	tx          pgx.Tx
	lockTimeout time.Duration
}

type Option func(*Repository)

// WithLockTimeout bounds how long a transaction waits on a row lock before
// failing with lock_not_available.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Repository) {
		r.lockTimeout = d
	}
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres repository: pool is nil")
	}
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repository) Catalog() events.Repository {
	return &CatalogRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) Embeddings() events.EmbeddingRepository {
	return &EmbeddingRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) GeocodeCache() *GeocodeCacheRepository {
	return &GeocodeCacheRepository{pool: r.pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		return fmt.Errorf("%w: begin tx: %w", storage.ErrUnavailable, err)
	}

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return classify(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	wrapped := &Repository{pool: r.pool, tx: tx, lockTimeout: r.lockTimeout}
	if err := fn(ctx, wrapped); err != nil {
		_ = tx.Rollback(ctx)
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// SQLSTATE codes raised by concurrent writers.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// SQLSTATE classes and codes meaning the server cannot serve us.
var unavailableCodes = map[string]struct{}{
	"08000": {}, "08001": {}, "08003": {}, "08004": {}, "08006": {},
	"53300": {}, "57P01": {}, "57P02": {}, "57P03": {},
}

// classify tags driver errors with a storage category, keeping the original
// error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrContention) || errors.Is(err, storage.ErrUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", storage.ErrContention, err)
		}
		if _, ok := unavailableCodes[pgErr.Code]; ok {
			return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

func scanNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return events.ErrNotFound
	}
	return err
}
