package nominatim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "FestVibesLoader/1.0"
	DefaultTimeout   = 5 * time.Second
	// MaxRetries counts attempts after the first one.
	MaxRetries = 2
)

// ErrEmptyQuery is returned for a blank search string.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Client forward-geocodes venue addresses. Requests share one limiter, so
// concurrent batches still respect the instance's usage policy (one
// request per second on the public server).
type Client struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
	limiter    *rate.Limiter
	retryDelay time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit sets requests per second. Non-positive values are ignored.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithRetryDelay sets the first backoff interval.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient returns a client for baseURL. A contact email goes into the
// User-Agent.
func NewClient(baseURL, email string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := DefaultUserAgent
	if email != "" {
		userAgent = fmt.Sprintf("%s (%s)", DefaultUserAgent, email)
	}
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   baseURL + "/search",
		userAgent:  userAgent,
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns matches for query, best first. A result with unparsable
// coordinates fails the whole search.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}

	params := url.Values{
		"q":      {query},
		"format": {"jsonv2"},
		"limit":  {strconv.Itoa(min(max(opts.Limit, 1), 50))},
	}
	if opts.CountryCodes != "" {
		params.Set("countrycodes", opts.CountryCodes)
	}

	places, err := c.fetch(ctx, c.endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("nominatim search: %w", err)
	}
	matches := make([]Match, 0, len(places))
	for _, p := range places {
		m, err := p.match()
		if err != nil {
			return nil, fmt.Errorf("nominatim search: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// fetch retries transport errors, 429 and 5xx with exponential backoff.
// A Retry-After header on a 429 overrides the backoff interval.
func (c *Client) fetch(ctx context.Context, requestURL string) ([]place, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = 30 * c.retryDelay

	return backoff.Retry(ctx, func() ([]place, error) {
		return c.attempt(ctx, requestURL)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(MaxRetries+1))
}

func (c *Client) attempt(ctx context.Context, requestURL string) ([]place, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, errors.New("rate limited (429)")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body))
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse json: %w", err))
	}
	return places, nil
}
