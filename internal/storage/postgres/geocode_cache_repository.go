package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GeocodeCacheRepository stores forward geocoding results and recent
// failures. It always writes through the pool so cache entries survive a
// rolled-back batch.
type GeocodeCacheRepository struct {
	pool *pgxpool.Pool
}

func NewGeocodeCacheRepository(pool *pgxpool.Pool) *GeocodeCacheRepository {
	return &GeocodeCacheRepository{pool: pool}
}

// CachedGeocode is a cache row. Failed lookups carry a FailureReason and no
// coordinates.
type CachedGeocode struct {
	ID              int64
	QueryNormalized string
	CountryCodes    string
	Latitude        float64
	Longitude       float64
	DisplayName     string
	FailureReason   string
	HitCount        int
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

func (c CachedGeocode) Failed() bool {
	return c.FailureReason != ""
}

// NormalizeQuery lowercases the query and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Get returns the unexpired entry for the query, or nil.
func (r *GeocodeCacheRepository) Get(ctx context.Context, queryNormalized, countryCodes string) (*CachedGeocode, error) {
	var (
		c           CachedGeocode
		lat, lon    *float64
		displayName *string
		reason      *string
	)
	err := r.pool.QueryRow(ctx, `
SELECT id, query_normalized, country_codes, latitude, longitude, display_name,
       failure_reason, hit_count, created_at, expires_at
  FROM geocode_cache
 WHERE query_normalized = $1 AND country_codes = $2 AND expires_at > now()`,
		queryNormalized, countryCodes,
	).Scan(&c.ID, &c.QueryNormalized, &c.CountryCodes, &lat, &lon, &displayName,
		&reason, &c.HitCount, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached geocode: %w", err)
	}
	if lat != nil && lon != nil {
		c.Latitude, c.Longitude = *lat, *lon
	}
	if displayName != nil {
		c.DisplayName = *displayName
	}
	if reason != nil {
		c.FailureReason = *reason
	}
	return &c, nil
}

// Put stores a successful lookup, replacing any earlier failure.
func (r *GeocodeCacheRepository) Put(ctx context.Context, entry CachedGeocode, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO geocode_cache (query_normalized, country_codes, latitude, longitude, display_name, expires_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), now() + $6::interval)
ON CONFLICT (query_normalized, country_codes) DO UPDATE SET
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  display_name = EXCLUDED.display_name,
  failure_reason = NULL,
  expires_at = EXCLUDED.expires_at`,
		entry.QueryNormalized, entry.CountryCodes, entry.Latitude, entry.Longitude, entry.DisplayName, ttl)
	if err != nil {
		return fmt.Errorf("cache geocode: %w", err)
	}
	return nil
}

// RecordFailure remembers a failed lookup for ttl. An existing success is
// left in place.
func (r *GeocodeCacheRepository) RecordFailure(ctx context.Context, queryNormalized, countryCodes, reason string, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO geocode_cache (query_normalized, country_codes, failure_reason, expires_at)
VALUES ($1, $2, $3, now() + $4::interval)
ON CONFLICT (query_normalized, country_codes) DO UPDATE SET
  failure_reason = EXCLUDED.failure_reason,
  expires_at = EXCLUDED.expires_at
WHERE geocode_cache.latitude IS NULL OR geocode_cache.expires_at <= now()`,
		queryNormalized, countryCodes, reason, ttl)
	if err != nil {
		return fmt.Errorf("record geocode failure: %w", err)
	}
	return nil
}

func (r *GeocodeCacheRepository) IncrementHitCount(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `UPDATE geocode_cache SET hit_count = hit_count + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("increment hit count: %w", err)
	}
	return nil
}

// PurgeExpired deletes entries past their expiry and returns how many went.
func (r *GeocodeCacheRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM geocode_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge geocode cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
