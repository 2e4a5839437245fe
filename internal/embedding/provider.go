// Package embedding provides the text embedding providers used to enrich
// catalog rows with vectors for semantic search.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
)

var (
	// ErrDisabled is returned by the provider used when no embedding
	// service is configured.
	ErrDisabled = errors.New("embedding provider disabled")
	// ErrBreakerOpen is returned without contacting the provider while the
	// circuit breaker is open.
	ErrBreakerOpen = errors.New("embedding circuit breaker open")
)

// Disabled never produces a vector. Rows are written with null embeddings
// and can be filled later by the backfill.
type Disabled struct{}

func (Disabled) Encode(context.Context, string) (events.Embedding, error) {
	return nil, ErrDisabled
}

// New builds the provider selected by cfg.Provider.
func New(cfg config.EmbeddingConfig, logger zerolog.Logger) (events.Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Disabled{}, nil
	case "openai":
		provider, err := NewOpenAIProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
