package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    DatabaseConfig  `yaml:"database"`
	Loader      LoaderConfig    `yaml:"loader"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Geocoding   GeocodingConfig `yaml:"geocoding"`
	Blob        BlobConfig      `yaml:"blob"`
	Logging     LoggingConfig   `yaml:"logging"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Jobs        JobsConfig      `yaml:"jobs"`
	Environment string          `yaml:"environment"`
}

type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	MigrationsPath string        `yaml:"migrations_path"`
}

// LoaderConfig tunes the batch orchestrator. Small batches keep each
// transaction's lock footprint short when several loaders share a database.
type LoaderConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	Workers          int           `yaml:"workers"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryJitter      time.Duration `yaml:"retry_jitter"`
	Timezone         string        `yaml:"timezone"`
	SkipGenrePreseed bool          `yaml:"skip_genre_preseed"`
}

type EmbeddingConfig struct {
	Provider         string        `yaml:"provider"`
	APIKey           string        `yaml:"api_key"`
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	Dimensions       int           `yaml:"dimensions"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type GeocodingConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	UserEmail   string        `yaml:"user_email"`
	RateLimit   float64       `yaml:"rate_limit"`
	Timeout     time.Duration `yaml:"timeout"`
	DefaultLat  float64       `yaml:"default_lat"`
	DefaultLon  float64       `yaml:"default_lon"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	CountryCode string        `yaml:"country_code"`
}

type BlobConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

type JobsConfig struct {
	BackfillInterval time.Duration `yaml:"backfill_interval"`
	LoadWorkers      int           `yaml:"load_workers"`
	RetryLoad        int           `yaml:"retry_load"`
	RetryBackfill    int           `yaml:"retry_backfill"`
}

// Default returns the configuration used when neither a file nor the
// environment provide a value.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConnections: 5,
			LockTimeout:    5 * time.Second,
		},
		Loader: LoaderConfig{
			BatchSize:      5,
			Workers:        1,
			MaxAttempts:    3,
			RetryBaseDelay: 200 * time.Millisecond,
			RetryJitter:    100 * time.Millisecond,
			Timezone:       "America/Chicago",
		},
		Embedding: EmbeddingConfig{
			Provider:         "none",
			Model:            "text-embedding-3-small",
			Dimensions:       384,
			Timeout:          15 * time.Second,
			FailureThreshold: 5,
		},
		Geocoding: GeocodingConfig{
			Provider:    "nominatim",
			BaseURL:     "https://nominatim.openstreetmap.org",
			RateLimit:   1,
			Timeout:     5 * time.Second,
			DefaultLat:  29.9511,
			DefaultLon:  -90.0715,
			StaleAfter:  30 * 24 * time.Hour,
			CountryCode: "us",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "fest-vibes-loader",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
		Jobs: JobsConfig{
			BackfillInterval: 24 * time.Hour,
			LoadWorkers:      2,
			RetryLoad:        3,
			RetryBackfill:    5,
		},
		Environment: "development",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)
	cfg.Database.LockTimeout = getEnvDuration("DATABASE_LOCK_TIMEOUT", cfg.Database.LockTimeout)
	cfg.Database.MigrationsPath = getEnv("DATABASE_MIGRATIONS_PATH", cfg.Database.MigrationsPath)

	cfg.Loader.BatchSize = getEnvInt("LOADER_BATCH_SIZE", cfg.Loader.BatchSize)
	cfg.Loader.Workers = getEnvInt("LOADER_WORKERS", cfg.Loader.Workers)
	cfg.Loader.MaxAttempts = getEnvInt("LOADER_MAX_ATTEMPTS", cfg.Loader.MaxAttempts)
	cfg.Loader.RetryBaseDelay = getEnvDuration("LOADER_RETRY_BASE_DELAY", cfg.Loader.RetryBaseDelay)
	cfg.Loader.RetryJitter = getEnvDuration("LOADER_RETRY_JITTER", cfg.Loader.RetryJitter)
	cfg.Loader.Timezone = getEnv("LOADER_TIMEZONE", cfg.Loader.Timezone)
	cfg.Loader.SkipGenrePreseed = getEnvBool("LOADER_SKIP_GENRE_PRESEED", cfg.Loader.SkipGenrePreseed)

	cfg.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", cfg.Embedding.APIKey))
	cfg.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Model = getEnv("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.Timeout = getEnvDuration("EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)

	cfg.Geocoding.Provider = getEnv("GEOCODING_PROVIDER", cfg.Geocoding.Provider)
	cfg.Geocoding.BaseURL = getEnv("GEOCODING_BASE_URL", cfg.Geocoding.BaseURL)
	cfg.Geocoding.UserEmail = getEnv("GEOCODING_EMAIL", cfg.Geocoding.UserEmail)
	cfg.Geocoding.RateLimit = getEnvFloat("GEOCODING_RATE_LIMIT", cfg.Geocoding.RateLimit)
	cfg.Geocoding.DefaultLat = getEnvFloat("GEOCODING_DEFAULT_LAT", cfg.Geocoding.DefaultLat)
	cfg.Geocoding.DefaultLon = getEnvFloat("GEOCODING_DEFAULT_LON", cfg.Geocoding.DefaultLon)
	cfg.Geocoding.StaleAfter = getEnvDuration("GEOCODING_STALE_AFTER", cfg.Geocoding.StaleAfter)

	cfg.Blob.Region = getEnv("BLOB_REGION", getEnv("AWS_REGION", cfg.Blob.Region))
	cfg.Blob.Endpoint = getEnv("BLOB_ENDPOINT", cfg.Blob.Endpoint)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = getEnv("TRACING_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Jobs.BackfillInterval = getEnvDuration("JOBS_BACKFILL_INTERVAL", cfg.Jobs.BackfillInterval)
	cfg.Jobs.LoadWorkers = getEnvInt("JOBS_LOAD_WORKERS", cfg.Jobs.LoadWorkers)
	cfg.Jobs.RetryLoad = getEnvInt("JOB_RETRY_LOAD", cfg.Jobs.RetryLoad)
	cfg.Jobs.RetryBackfill = getEnvInt("JOB_RETRY_BACKFILL", cfg.Jobs.RetryBackfill)

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
}

// CheckPoolCapacity verifies the connection pool can serve loads batch
// transactions from concurrentLoads documents at once, plus reserved
// connections held by other components. Batches look up the geocode cache
// outside their transaction, so one connection must stay free for those
// lookups or every batch waits on the pool forever.
func (c Config) CheckPoolCapacity(concurrentLoads, reserved int) error {
	need := c.Loader.Workers*max(concurrentLoads, 1) + reserved + 1
	if need > c.Database.MaxConnections {
		return fmt.Errorf("DATABASE_MAX_CONNECTIONS %d is too small: %d concurrent batch transactions, %d reserved and 1 for cache lookups need %d; lower LOADER_WORKERS or JOBS_LOAD_WORKERS, or raise the pool size",
			c.Database.MaxConnections, c.Loader.Workers*max(concurrentLoads, 1), reserved, need)
	}
	return nil
}

// vectorDimensions is the width of every vector column in the catalog
// schema. Providers are asked for exactly this many dimensions.
const vectorDimensions = 384

func (c Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Loader.BatchSize <= 0 {
		return fmt.Errorf("LOADER_BATCH_SIZE must be positive, got %d", c.Loader.BatchSize)
	}
	if c.Loader.Workers <= 0 {
		return fmt.Errorf("LOADER_WORKERS must be positive, got %d", c.Loader.Workers)
	}
	if err := c.CheckPoolCapacity(1, 0); err != nil {
		return err
	}
	if c.Loader.MaxAttempts <= 0 {
		return fmt.Errorf("LOADER_MAX_ATTEMPTS must be positive, got %d", c.Loader.MaxAttempts)
	}
	if _, err := time.LoadLocation(c.Loader.Timezone); err != nil {
		return fmt.Errorf("LOADER_TIMEZONE %q: %w", c.Loader.Timezone, err)
	}
	if c.Embedding.Dimensions != 0 && c.Embedding.Dimensions != vectorDimensions {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be %d to match the catalog vector columns, got %d", vectorDimensions, c.Embedding.Dimensions)
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "none", "":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("EMBEDDING_API_KEY is required for the openai embedding provider")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.Embedding.Provider)
	}
	switch strings.ToLower(c.Geocoding.Provider) {
	case "none", "", "nominatim":
	default:
		return fmt.Errorf("unknown GEOCODING_PROVIDER %q", c.Geocoding.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("250ms", "5s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
