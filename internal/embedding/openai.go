package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
	"github.com/fest-vibes/etl/internal/metrics"
)

const breakerName = "embedding-provider"

// OpenAIProvider requests embeddings from an OpenAI-compatible API. Calls go
// through a circuit breaker so a provider outage costs one fast failure per
// record instead of a timeout.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	breaker    *gobreaker.CircuitBreaker[events.Embedding]
	logger     zerolog.Logger
}

func NewOpenAIProvider(cfg config.EmbeddingConfig, logger zerolog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = events.EmbeddingDimensions
	}

	logger = logger.With().Str("component", "embedding").Logger()
	p := &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: dimensions,
		logger:     logger,
	}
	p.breaker = newBreaker(cfg.FailureThreshold, logger)
	return p, nil
}

func newBreaker(threshold uint32, logger zerolog.Logger) *gobreaker.CircuitBreaker[events.Embedding] {
	if threshold == 0 {
		threshold = 5
	}
	metrics.EmbeddingBreakerState.Set(0)
	return gobreaker.NewCircuitBreaker[events.Embedding](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			metrics.EmbeddingBreakerState.Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Encode returns a vector of the configured dimensions for text.
func (p *OpenAIProvider) Encode(ctx context.Context, text string) (events.Embedding, error) {
	start := time.Now()
	vector, err := p.breaker.Execute(func() (events.Embedding, error) {
		return p.request(ctx, text)
	})
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.EmbeddingRequestsTotal.WithLabelValues("breaker_open").Inc()
		return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	case err != nil:
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues("success").Inc()
	return vector, nil
}

func (p *OpenAIProvider) request(ctx context.Context, text string) (events.Embedding, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("create embedding: empty response")
	}
	vector := resp.Data[0].Embedding
	if len(vector) != p.dimensions {
		return nil, fmt.Errorf("create embedding: got %d dimensions, want %d", len(vector), p.dimensions)
	}
	return events.Embedding(vector), nil
}
