package loader

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fest-vibes/etl/internal/metrics"
	"github.com/fest-vibes/etl/internal/storage"
)

// Class is the retry category of a failed batch attempt.
type Class int

const (
	// ClassFatal failures are not retried; the batch is skipped.
	ClassFatal Class = iota
	// ClassTransient failures come from concurrent writers and are retried
	// with backoff.
	ClassTransient
	// ClassUnavailable means the database cannot be reached. The batch is
	// retried like a transient failure, and the run stops if it still
	// fails.
	ClassUnavailable
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "fatal"
	}
}

// transientPhrases catch contention errors from drivers or wrappers that do
// not expose a SQLSTATE.
var transientPhrases = []string{"deadlock", "lock timeout", "concurrent update"}

// Classify sorts an error into a retry class. Typed storage categories win;
// message text is only a fallback.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, storage.ErrUnavailable):
		return ClassUnavailable
	case errors.Is(err, storage.ErrContention):
		return ClassTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// RetryPolicy bounds the attempts for one batch. The delay after failed
// attempt n is BaseDelay*2^(n-1) plus up to Jitter*n of random spread.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration

	random func() float64
}

// DefaultRetryPolicy allows three attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Jitter: 100 * time.Millisecond}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	random := p.random
	if random == nil {
		random = rand.Float64
	}
	backoff := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(float64(p.Jitter) * float64(attempt) * random())
	return backoff + jitter
}

// Do runs fn until it succeeds, fails with a fatal error, or the attempts
// run out. It returns the number of attempts made and the last
// error.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}

		class := Classify(err)
		metrics.BatchRetries.WithLabelValues(class.String()).Inc()
		if class == ClassFatal || attempt == maxAttempts {
			return attempt, err
		}

		delay := p.Delay(attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("class", class.String()).
			Msg("batch attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		}
	}
	return maxAttempts, err
}
