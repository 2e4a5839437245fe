package geocoding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/geocoding/nominatim"
	"github.com/fest-vibes/etl/internal/storage/postgres"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]postgres.CachedGeocode
	nextID  int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]postgres.CachedGeocode)}
}

func (c *memoryCache) Get(_ context.Context, q, cc string) (*postgres.CachedGeocode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[q+"|"+cc]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (c *memoryCache) Put(_ context.Context, entry postgres.CachedGeocode, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	entry.ID = c.nextID
	c.entries[entry.QueryNormalized+"|"+entry.CountryCodes] = entry
	return nil
}

func (c *memoryCache) RecordFailure(_ context.Context, q, cc, reason string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.entries[q+"|"+cc] = postgres.CachedGeocode{ID: c.nextID, QueryNormalized: q, CountryCodes: cc, FailureReason: reason}
	return nil
}

func (c *memoryCache) IncrementHitCount(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.ID == id {
			entry.HitCount++
			c.entries[key] = entry
		}
	}
	return nil
}

var testConfig = config.GeocodingConfig{DefaultLat: 29.9511, DefaultLon: -90.0715, CountryCode: "us"}

func nominatimServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("q") {
		case "532 Frenchmen St, New Orleans, LA 70116":
			_, _ = w.Write([]byte(`[{"lat": "29.9647", "lon": "-90.0578", "display_name": "532, Frenchmen Street, New Orleans"}]`))
		case "broken":
			w.WriteHeader(http.StatusBadRequest)
		default:
			_, _ = w.Write([]byte("[]"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, cache Cache) (*Service, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := nominatimServer(t, &calls)
	client := nominatim.NewClient(srv.URL, "test@example.com", nominatim.WithRateLimit(100), nominatim.WithRetryDelay(time.Millisecond))
	return NewService(client, cache, testConfig, zerolog.Nop()), &calls
}

func TestGeocode_ProviderThenCache(t *testing.T) {
	cache := newMemoryCache()
	svc, calls := newTestService(t, cache)
	ctx := context.Background()

	result, err := svc.Lookup(ctx, "532 Frenchmen St, New Orleans, LA 70116")
	require.NoError(t, err)
	assert.Equal(t, "provider", result.Source)
	assert.InDelta(t, 29.9647, result.Coordinates.Latitude, 1e-9)
	assert.InDelta(t, -90.0578, result.Coordinates.Longitude, 1e-9)

	// Different spacing and case normalize to the same cache key.
	result, err = svc.Lookup(ctx, "532  FRENCHMEN St, New Orleans, LA 70116")
	require.NoError(t, err)
	assert.Equal(t, "cache", result.Source)
	assert.Equal(t, int32(1), calls.Load())

	entry, _ := cache.Get(ctx, postgres.NormalizeQuery("532 Frenchmen St, New Orleans, LA 70116"), "us")
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.HitCount)
}

func TestGeocode_NoResultsUsesDefaultsAndCachesFailure(t *testing.T) {
	cache := newMemoryCache()
	svc, calls := newTestService(t, cache)
	ctx := context.Background()

	coords := svc.Geocode(ctx, "1 Nowhere Lane")
	assert.Equal(t, events.Coordinates{Latitude: 29.9511, Longitude: -90.0715}, coords)
	assert.Equal(t, int32(1), calls.Load())

	_, err := svc.Lookup(ctx, "1 Nowhere Lane")
	assert.ErrorIs(t, err, ErrGeocodingFailed)
	assert.Equal(t, int32(1), calls.Load(), "cached failure must not reach the provider")
}

func TestGeocode_ProviderErrorUsesDefaults(t *testing.T) {
	svc, _ := newTestService(t, nil)

	coords := svc.Geocode(context.Background(), "broken")
	assert.Equal(t, svc.Defaults(), coords)
}

func TestGeocode_SkipsUngeocodableAddresses(t *testing.T) {
	svc, calls := newTestService(t, newMemoryCache())

	for _, address := range []string{"", "   ", "Online.Streaming", "Livestream / Streaming Only"} {
		coords := svc.Geocode(context.Background(), address)
		assert.Equal(t, svc.Defaults(), coords, "address %q", address)
	}
	assert.Zero(t, calls.Load())
}

func TestGeocode_NoProvider(t *testing.T) {
	svc := NewService(nil, nil, testConfig, zerolog.Nop())

	coords := svc.Geocode(context.Background(), "532 Frenchmen St")
	assert.Equal(t, events.Coordinates{Latitude: 29.9511, Longitude: -90.0715}, coords)
}

func TestGeocodable(t *testing.T) {
	assert.True(t, Geocodable("8316 Oak St, New Orleans"))
	assert.False(t, Geocodable(""))
	assert.False(t, Geocodable("Streaming"))
}
