// Package client provides the Intercom HTTP client with rate limiting,
// retries, and error classification. It implements pagination.Fetcher.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/intercom-etl/pkg/pagination"
	"github.com/Sternrassler/intercom-etl/pkg/ratelimit"
)

// Prometheus metrics for Intercom client operations.
var (
	intercomRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_requests_total",
		Help: "Total Intercom requests by endpoint and status",
	}, []string{"endpoint", "status"})

	intercomRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intercom_request_duration_seconds",
		Help:    "Intercom request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	intercomErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_errors_total",
		Help: "Total Intercom errors by class",
	}, []string{"class"})

	intercomRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	intercomRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intercom_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	intercomRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAPI represents an error list returned in a response body.
	ErrorClassAPI ErrorClass = "api"
)

// Client is the Intercom REST client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis holds the shared rate limit window.
	Redis *redis.Client

	// AccessToken is sent as a bearer token on every request.
	AccessToken string

	// BaseURL is the API root, pagination.DefaultBaseURL in production.
	BaseURL string

	// UserAgent header.
	UserAgent string

	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(redis *redis.Client, accessToken string) Config {
	return Config{
		Redis:          redis,
		AccessToken:    accessToken,
		BaseURL:        pagination.DefaultBaseURL,
		UserAgent:      "intercom-etl/1.0",
		RequestTimeout: 30 * time.Second,
	}
}

// New creates a new Intercom client.
func New(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = pagination.DefaultBaseURL
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request_timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}

	logger := log.With().Str("component", "intercom-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs an HTTP request with rate limiting, retries, and error
// classification. Retryable failures (5xx, 429, network) are retried with
// backoff. Other 4xx responses are returned to the caller unchanged.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		intercomRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	var resp *http.Response

	retryErr := retryWithBackoff(ctx, func() (ErrorClass, error) {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			c.logger.Warn().Err(err).Msg("Rate limit check failed, sending request anyway")
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", req.Method).
			Msg("Executing Intercom request")

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			intercomRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			if ctx.Err() != nil {
				// cancelled or past deadline, retrying cannot help
				return "", reqErr
			}
			errClass := c.classifyError(nil, reqErr)
			intercomErrorsTotal.WithLabelValues(string(errClass)).Inc()
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			return errClass, reqErr
		}

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		intercomRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 400 {
			return "", nil
		}

		errClass := c.classifyError(resp, nil)
		intercomErrorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Intercom request error")

		if !shouldRetry(errClass) {
			// let the caller read the error body
			return "", nil
		}

		resp.Body.Close()
		return errClass, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
	})

	if retryErr != nil {
		return nil, retryErr
	}

	return resp, nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Get performs a GET request to an Intercom path such as "/tags".
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// RateLimitState returns the last observed rate limit window.
func (c *Client) RateLimitState(ctx context.Context) (*ratelimit.State, error) {
	return c.rateLimiter.GetState(ctx)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetThrottleDelay changes the pause applied when the rate limit runs low.
func (c *Client) SetThrottleDelay(d time.Duration) {
	c.rateLimiter.SetThrottleDelay(d)
}
