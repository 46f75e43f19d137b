// Package client provides the upstream CVE API fetcher with rate
// limiting, retry/backoff, and fault classification.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ssn-tools/cve-mirror/pkg/feed"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvd_requests_total",
		Help: "Total upstream requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nvd_request_duration_seconds",
		Help:    "Upstream request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Gate is the request gate every outbound call passes through.
// *ratelimit.Limiter satisfies it.
type Gate interface {
	Acquire(ctx context.Context) error
	ReleaseOn429(retryAfter time.Duration)
}

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL is the upstream CVE query endpoint.
	BaseURL string

	// APIKey is sent in the apiKey header when set. Absence means
	// upstream enforces its stricter anonymous rate limit.
	APIKey string

	// UserAgent identifies this client to upstream.
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Retry configures the backoff state machine.
	Retry RetryConfig

	// RetryAfterDefault is the suspension applied on a 429 without a
	// usable Retry-After header.
	RetryAfterDefault time.Duration
}

// DefaultConfig returns a safe default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		UserAgent:         "cve-mirror/1.0",
		Timeout:           60 * time.Second,
		Retry:             DefaultRetryConfig(),
		RetryAfterDefault: 30 * time.Second,
	}
}

// Fetcher issues one paginated request at a time against the upstream
// API. It owns retry/backoff; it does not validate page structure
// beyond JSON decoding (that is the feed validator's job).
type Fetcher struct {
	httpClient *http.Client
	gate       Gate
	cfg        Config
	logger     zerolog.Logger

	// Optional last-modified window, set for incremental syncs.
	modStart time.Time
	modEnd   time.Time
}

// New creates a Fetcher.
func New(cfg Config, gate Gate, logger zerolog.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("rate limit gate is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SetWindow restricts fetches to records modified in (start, end].
// Zero times clear the window.
func (f *Fetcher) SetWindow(start, end time.Time) {
	f.modStart = start
	f.modEnd = end
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(c *http.Client) {
	f.httpClient = c
}

// FetchPage fetches one page at the given offset. Transient failures
// and 429s are retried with exponential backoff up to the configured
// attempt budget; client faults and malformed responses propagate
// immediately. On success the decoded raw page is returned unvalidated.
func (f *Fetcher) FetchPage(ctx context.Context, offset, pageSize int) (feed.RawPage, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0, got %d", offset)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be > 0, got %d", pageSize)
	}

	reqURL, err := f.pageURL(offset, pageSize)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	var page feed.RawPage
	err = retryWithBackoff(ctx, f.cfg.Retry, f.logger, func() error {
		var attemptErr error
		page, attemptErr = f.attempt(ctx, reqURL)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Int("offset", offset).
		Int("page_size", pageSize).
		Dur("duration", time.Since(start)).
		Msg("Fetched page")

	return page, nil
}

// attempt performs a single request and classifies the outcome.
func (f *Fetcher) attempt(ctx context.Context, reqURL string) (feed.RawPage, error) {
	if err := f.gate.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		// Starvation beyond the limiter's max wait surfaces as a
		// timeout condition, retryable like any other.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("apiKey", f.cfg.APIKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), f.cfg.RetryAfterDefault)
		f.gate.ReleaseOn429(retryAfter)
		f.logger.Warn().
			Dur("retry_after", retryAfter).
			Msg("Upstream rate limited the request")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassRateLimit,
			Message:    resp.Status,
			Err:        ErrRateLimited,
		}

	case resp.StatusCode >= 500:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassTransient,
			Message:    resp.Status,
			Err:        ErrTransient,
		}

	case resp.StatusCode >= 400:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassClient,
			Message:    resp.Status,
			Err:        ErrClientFault,
		}

	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassMalformed,
			Message:    resp.Status,
			Err:        ErrMalformedResponse,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	var page feed.RawPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err)
	}

	return page, nil
}

// pageURL builds the query URL for one page.
func (f *Fetcher) pageURL(offset, pageSize int) (string, error) {
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("startIndex", strconv.Itoa(offset))
	q.Set("resultsPerPage", strconv.Itoa(pageSize))
	if !f.modStart.IsZero() && !f.modEnd.IsZero() {
		q.Set("lastModStartDate", f.modStart.UTC().Format(time.RFC3339))
		q.Set("lastModEndDate", f.modEnd.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// parseRetryAfter reads an upstream Retry-After value in seconds,
// falling back to def when absent or unusable.
func parseRetryAfter(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
