package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/domain/events"
)

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

func embeddingServer(t *testing.T, dims int, status *atomic.Int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream unavailable","type":"server_error"}}`))
			return
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vector := make([]float32, dims)
		for i := range vector {
			vector[i] = float32(i) / float32(dims)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vector},
			},
			"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testProvider(t *testing.T, baseURL string, threshold uint32) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(config.EmbeddingConfig{
		APIKey:           "test-key",
		BaseURL:          baseURL + "/v1",
		Model:            "text-embedding-3-small",
		Dimensions:       events.EmbeddingDimensions,
		FailureThreshold: threshold,
	}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestOpenAIProvider_Encode(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	srv := embeddingServer(t, events.EmbeddingDimensions, &status, &calls)
	p := testProvider(t, srv.URL, 3)

	vector, err := p.Encode(context.Background(), "Kermit Ruffins. Genres: Jazz")
	require.NoError(t, err)
	assert.Len(t, vector, events.EmbeddingDimensions)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIProvider_WrongDimensions(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	srv := embeddingServer(t, 1536, &status, &calls)
	p := testProvider(t, srv.URL, 3)

	_, err := p.Encode(context.Background(), "Blue Nile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1536")
}

func TestOpenAIProvider_BreakerOpensAfterFailures(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := embeddingServer(t, events.EmbeddingDimensions, &status, &calls)
	p := testProvider(t, srv.URL, 2)

	for range 2 {
		_, err := p.Encode(context.Background(), "Zydeco")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrBreakerOpen))
	}
	before := calls.Load()

	_, err := p.Encode(context.Background(), "Zydeco")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the provider")
}

func TestOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(config.EmbeddingConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	p, err := New(config.EmbeddingConfig{Provider: "none"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = p.Encode(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrDisabled)

	p, err = New(config.EmbeddingConfig{Provider: "OpenAI", APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	_, err = New(config.EmbeddingConfig{Provider: "word2vec"}, zerolog.Nop())
	assert.Error(t, err)
}
