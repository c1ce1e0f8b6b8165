// Package upstream provides the resilient HTTP client for the container
// orchestration API: a global concurrency limiter, per-partition circuit
// breakers, and a classified retry loop with exponential backoff.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/harborwatch/fleetglass/pkg/breaker"
	"github.com/harborwatch/fleetglass/pkg/logging"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_upstream_requests_total",
		Help: "Total upstream requests by partition and status",
	}, []string{"partition", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetglass_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by partition",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"partition"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_upstream_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_upstream_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// endpointPattern extracts the numeric environment identifier that scopes a
// request to one physical upstream. Paths without one share the global
// partition.
var endpointPattern = regexp.MustCompile(`/endpoints/(\d+)`)

// GlobalPartition is the breaker partition for requests that address no
// specific upstream environment.
const GlobalPartition = "global"

// Config holds the client configuration.
type Config struct {
	// BaseURL of the orchestration API (e.g., "https://portainer.local:9443").
	BaseURL string

	// APIKey is sent as the X-API-Key header when present.
	APIKey string

	// MaxConcurrent bounds simultaneous upstream requests across all
	// partitions.
	MaxConcurrent int64

	// MaxIdleConns bounds pooled connections to the upstream.
	MaxIdleConns int

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// RequestTimeout bounds each individual attempt. A timed-out attempt is
	// classified as a network failure and retried.
	RequestTimeout time.Duration

	// RetryBackoffBase scales the exponential retry backoff: the Nth retry
	// waits base * 2^N. Defaults to one second.
	RetryBackoffBase time.Duration

	// Breaker configures the per-partition circuit breakers. IsFailure is
	// always overridden to count only server and network failures.
	Breaker breaker.Config
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:          baseURL,
		APIKey:           apiKey,
		MaxConcurrent:    10,
		MaxIdleConns:     20,
		MaxRetries:       3,
		RequestTimeout:   15 * time.Second,
		RetryBackoffBase: time.Second,
		Breaker:          breaker.DefaultConfig(),
	}
}

// Client is the resilient upstream API client.
type Client struct {
	httpClient *http.Client
	config     Config
	sem        *semaphore.Weighted
	breakers   *breaker.Registry
	logger     zerolog.Logger
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}

	logger := logging.NewLogger("upstream-client")

	brCfg := cfg.Breaker
	brCfg.IsFailure = isBreakerFailure

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConns,
			},
		},
		config:   cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		breakers: breaker.NewRegistry(brCfg, logger),
		logger:   logger,
	}, nil
}

// PartitionFor derives the breaker partition from a request path.
func PartitionFor(path string) string {
	if m := endpointPattern.FindStringSubmatch(path); m != nil {
		return "endpoint:" + m[1]
	}
	return GlobalPartition
}

// Do performs an upstream request with concurrency limiting, per-partition
// circuit breaking, and classified retries. On success the response body is
// returned; on failure the last classified error propagates, wrapped with
// ErrRetryExhausted when retries ran out.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	partition := PartitionFor(path)
	br := c.breakers.Get(partition)

	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(partition).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	attempts := c.config.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryBackoffBase * time.Duration(1<<attempt)

			class := ClassUnknown
			var uerr *Error
			if errors.As(lastErr, &uerr) {
				class = uerr.Class
			}
			upstreamRetriesTotal.WithLabelValues(string(class)).Inc()

			c.logger.Warn().
				Str("partition", partition).
				Str("path", path).
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying request after backoff")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var payload []byte
		err := br.Execute(func() error {
			data, attemptErr := c.attempt(ctx, method, path, body, partition)
			payload = data
			return attemptErr
		})
		if err == nil {
			if attempt > 0 {
				c.logger.Info().
					Str("partition", partition).
					Str("path", path).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return payload, nil
		}
		lastErr = err

		// Breaker rejections fail fast: retrying cannot succeed before the
		// cool-down elapses.
		if _, open := IsBreakerOpen(err); open {
			return nil, err
		}

		var uerr *Error
		if errors.As(err, &uerr) && !shouldRetry(uerr.Class) {
			return nil, err
		}
	}

	class := ClassUnknown
	var uerr *Error
	if errors.As(lastErr, &uerr) {
		class = uerr.Class
	}
	upstreamRetryExhaustedTotal.WithLabelValues(string(class)).Inc()

	c.logger.Error().
		Err(lastErr).
		Str("partition", partition).
		Str("path", path).
		Int("attempts", attempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

// attempt performs one bounded HTTP request and classifies its outcome.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, partition string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and per-attempt timeouts are network errors.
		upstreamErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues(partition, "network_error").Inc()
		return nil, &Error{Class: ClassNetwork, Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		return nil, &Error{Class: ClassNetwork, Message: "read response body", Err: err}
	}

	upstreamRequestsTotal.WithLabelValues(partition, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()

		c.logger.Warn().
			Str("partition", partition).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")

		return nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    resp.Status,
		}
	}

	return data, nil
}

// Get performs a GET request against an upstream API path.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request against an upstream API path.
func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// BreakerSnapshots returns the state of every partition breaker.
func (c *Client) BreakerSnapshots() map[string]breaker.Snapshot {
	return c.breakers.Snapshots()
}

// ResetBreakers resets all partition breakers (administrative surface).
func (c *Client) ResetBreakers() {
	c.breakers.ResetAll()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
