// Package geocoding resolves venue addresses to coordinates. Lookups go
// through a cache table first and never fail: anything unresolvable gets
// the configured default location.
package geocoding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/geocoding/nominatim"
	"github.com/fest-vibes/etl/internal/metrics"
	"github.com/fest-vibes/etl/internal/storage/postgres"
)

const (
	DefaultCacheTTL   = 90 * 24 * time.Hour
	DefaultFailureTTL = 7 * 24 * time.Hour
)

var (
	ErrGeocodingFailed = errors.New("geocoding failed")
	ErrNoResults       = errors.New("no geocoding results found")
	// ErrNotGeocodable marks addresses that are skipped without a lookup:
	// blank addresses and streaming venues.
	ErrNotGeocodable = errors.New("address not geocodable")
)

// Searcher is the forward-geocoding provider.
type Searcher interface {
	Search(ctx context.Context, query string, opts nominatim.SearchOptions) ([]nominatim.Match, error)
}

// Cache stores results and recent failures. postgres.GeocodeCacheRepository
// implements it.
type Cache interface {
	Get(ctx context.Context, queryNormalized, countryCodes string) (*postgres.CachedGeocode, error)
	Put(ctx context.Context, entry postgres.CachedGeocode, ttl time.Duration) error
	RecordFailure(ctx context.Context, queryNormalized, countryCodes, reason string, ttl time.Duration) error
	IncrementHitCount(ctx context.Context, id int64) error
}

type Result struct {
	Coordinates events.Coordinates
	DisplayName string
	// Source is "cache" or "provider".
	Source string
}

// Service implements events.Geocoder. Either dependency may be nil: without
// a searcher every address gets the defaults, without a cache every lookup
// reaches the provider.
type Service struct {
	searcher     Searcher
	cache        Cache
	defaults     events.Coordinates
	countryCodes string
	cacheTTL     time.Duration
	failureTTL   time.Duration
	logger       zerolog.Logger
}

func NewService(searcher Searcher, cache Cache, cfg config.GeocodingConfig, logger zerolog.Logger) *Service {
	return &Service{
		searcher:     searcher,
		cache:        cache,
		defaults:     events.Coordinates{Latitude: cfg.DefaultLat, Longitude: cfg.DefaultLon},
		countryCodes: cfg.CountryCode,
		cacheTTL:     DefaultCacheTTL,
		failureTTL:   DefaultFailureTTL,
		logger:       logger.With().Str("component", "geocoding").Logger(),
	}
}

// Defaults is the location used when an address cannot be resolved.
func (s *Service) Defaults() events.Coordinates {
	return s.defaults
}

// Geocode returns coordinates for address, falling back to the defaults.
func (s *Service) Geocode(ctx context.Context, address string) events.Coordinates {
	result, err := s.Lookup(ctx, address)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, ErrNotGeocodable):
			reason = "not_geocodable"
		case errors.Is(err, ErrNoResults):
			reason = "not_found"
		}
		metrics.GeocodingFailuresTotal.WithLabelValues(reason).Inc()
		metrics.GeocodingRequestsTotal.WithLabelValues("default").Inc()
		s.logger.Info().Err(err).Str("address", address).Msg("using default coordinates")
		return s.defaults
	}
	return result.Coordinates
}

// Lookup resolves address through the cache and the provider. Failures
// are cached for a week so a bad address is not retried on every load.
func (s *Service) Lookup(ctx context.Context, address string) (*Result, error) {
	if !Geocodable(address) {
		return nil, ErrNotGeocodable
	}
	if s.searcher == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrGeocodingFailed)
	}

	normalized := postgres.NormalizeQuery(address)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, normalized, s.countryCodes)
		if err != nil {
			s.logger.Warn().Err(err).Str("address", address).Msg("failed to check geocoding cache")
		}
		if cached != nil {
			if cached.Failed() {
				metrics.GeocodingRequestsTotal.WithLabelValues("failure_cache").Inc()
				return nil, fmt.Errorf("%w: %s (cached failure)", ErrGeocodingFailed, cached.FailureReason)
			}
			metrics.GeocodingRequestsTotal.WithLabelValues("cache").Inc()
			if err := s.cache.IncrementHitCount(ctx, cached.ID); err != nil {
				s.logger.Warn().Err(err).Int64("id", cached.ID).Msg("failed to increment cache hit count")
			}
			return &Result{
				Coordinates: events.Coordinates{Latitude: cached.Latitude, Longitude: cached.Longitude},
				DisplayName: cached.DisplayName,
				Source:      "cache",
			}, nil
		}
	}

	start := time.Now()
	results, err := s.searcher.Search(ctx, address, nominatim.SearchOptions{
		CountryCodes: s.countryCodes,
		Limit:        1,
	})
	metrics.GeocodingProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.recordFailure(ctx, normalized, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrGeocodingFailed, err)
	}
	if len(results) == 0 {
		s.recordFailure(ctx, normalized, "no results found")
		return nil, fmt.Errorf("%w for %q", ErrNoResults, address)
	}

	best := results[0]
	lat, lon := best.Latitude, best.Longitude
	metrics.GeocodingRequestsTotal.WithLabelValues("provider").Inc()

	s.logger.Debug().
		Str("address", address).
		Float64("lat", lat).
		Float64("lon", lon).
		Dur("latency", time.Since(start)).
		Msg("geocoding successful")

	if s.cache != nil {
		entry := postgres.CachedGeocode{
			QueryNormalized: normalized,
			CountryCodes:    s.countryCodes,
			Latitude:        lat,
			Longitude:       lon,
			DisplayName:     best.DisplayName,
		}
		if err := s.cache.Put(ctx, entry, s.cacheTTL); err != nil {
			s.logger.Warn().Err(err).Str("address", address).Msg("failed to cache geocoding result")
		}
	}

	return &Result{
		Coordinates: events.Coordinates{Latitude: lat, Longitude: lon},
		DisplayName: best.DisplayName,
		Source:      "provider",
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, normalized, reason string) {
	if s.cache == nil || ctx.Err() != nil {
		return
	}
	if err := s.cache.RecordFailure(ctx, normalized, s.countryCodes, reason, s.failureTTL); err != nil {
		s.logger.Warn().Err(err).Str("query", normalized).Msg("failed to cache geocoding failure")
	}
}

// Geocodable reports whether an address is worth a lookup. Streaming
// listings carry a placeholder address.
func Geocodable(address string) bool {
	address = strings.TrimSpace(address)
	return address != "" && !strings.Contains(strings.ToLower(address), "streaming")
}
