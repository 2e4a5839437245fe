package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/blob"
	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/embedding"
	"github.com/fest-vibes/etl/internal/geocoding"
	"github.com/fest-vibes/etl/internal/geocoding/nominatim"
	"github.com/fest-vibes/etl/internal/loader"
	"github.com/fest-vibes/etl/internal/storage"
	"github.com/fest-vibes/etl/internal/storage/postgres"
	"github.com/fest-vibes/etl/internal/telemetry"
)

// loadConfig reads the config file and environment, then applies the
// global flag overrides.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg, nil
}

// newSlogLogger builds the structured logger River and its workers use.
func newSlogLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.ZerologLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		level = slog.LevelDebug
	case zerolog.WarnLevel:
		level = slog.LevelWarn
	case zerolog.ErrorLevel:
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Console() {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newGeocoder returns a service backed by Nominatim, or one that always
// answers with the default coordinates when the provider is "none".
func newGeocoder(cfg config.GeocodingConfig, cache geocoding.Cache, logger zerolog.Logger) *geocoding.Service {
	var searcher geocoding.Searcher
	if strings.EqualFold(cfg.Provider, "nominatim") {
		searcher = nominatim.NewClient(cfg.BaseURL, cfg.UserEmail,
			nominatim.WithRateLimit(cfg.RateLimit),
			nominatim.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		)
	}
	return geocoding.NewService(searcher, cache, cfg, logger)
}

func newBlobRouter(ctx context.Context, cfg config.BlobConfig) (blob.Router, error) {
	client, err := blob.NewS3Client(ctx, cfg)
	if err != nil {
		return blob.Router{}, err
	}
	return blob.Router{Files: blob.FileReader{}, S3: blob.NewS3Reader(client)}, nil
}

func newLoader(repo storage.Repository, geocoder events.Geocoder, embedder events.Embedder, cfg config.Config, logger zerolog.Logger) *loader.Loader {
	upserter := events.NewUpserter(geocoder, logger, events.WithGeocodeStaleAfter(cfg.Geocoding.StaleAfter))
	enricher := events.NewEnricher(embedder, logger)
	return loader.New(repo, upserter, enricher, logger, loader.Options{
		BatchSize: cfg.Loader.BatchSize,
		Workers:   cfg.Loader.Workers,
		Retry: loader.RetryPolicy{
			MaxAttempts: cfg.Loader.MaxAttempts,
			BaseDelay:   cfg.Loader.RetryBaseDelay,
			Jitter:      cfg.Loader.RetryJitter,
		},
		SkipGenrePreseed: cfg.Loader.SkipGenrePreseed,
	})
}

// services are the database-backed dependencies shared by the load,
// backfill and worker commands.
type services struct {
	cfg         config.Config
	logger      zerolog.Logger
	pool        *pgxpool.Pool
	repo        *postgres.Repository
	embedder    events.Embedder
	geocoder    *geocoding.Service
	blobs       blob.Router
	location    *time.Location
	stopTracing telemetry.Shutdown
}

func openServices(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*services, error) {
	stopTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	blobs, err := newBlobRouter(ctx, cfg.Blob)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, fmt.Errorf("object storage: %w", err)
	}

	location, err := time.LoadLocation(cfg.Loader.Timezone)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, fmt.Errorf("timezone: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}
	repo, err := postgres.NewRepository(pool, postgres.WithLockTimeout(cfg.Database.LockTimeout))
	if err != nil {
		pool.Close()
		_ = stopTracing(ctx)
		return nil, err
	}

	return &services{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		repo:        repo,
		embedder:    embedder,
		geocoder:    newGeocoder(cfg.Geocoding, repo.GeocodeCache(), logger),
		blobs:       blobs,
		location:    location,
		stopTracing: stopTracing,
	}, nil
}

// loader skips the embedder entirely when the provider is disabled, so rows
// get null vectors without a warning per entity.
func (s *services) loader() *loader.Loader {
	var embedder events.Embedder
	if embeddingEnabled(s.cfg.Embedding) {
		embedder = s.embedder
	}
	return newLoader(s.repo, s.geocoder, embedder, s.cfg, s.logger)
}

func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("tracing shutdown")
	}
	s.pool.Close()
}
