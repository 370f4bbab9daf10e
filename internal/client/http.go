// Package client provides the HTTP client used by the crawl driver
// Includes connection pooling, retry with backoff, per-host rate limiting and request middleware
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Almahr1/sieve/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPClient wraps the standard HTTP client with retry logic and middleware
type HTTPClient struct {
	Client      *http.Client
	Config      *config.HTTPConfig
	Logger      *zap.Logger
	RetryConfig RetryConfig

	// Limiter is the rate limit middleware installed by NewHTTPClient, nil when unlimited
	Limiter *RateLimitMiddleware
}

// RetryConfig defines retry behavior for failed requests
type RetryConfig struct {
	MaxRetries      int
	BackoffStrategy BackoffStrategy
	RetryableStatus []int
}

// BackoffStrategy defines how delays between retries are calculated
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional full jitter
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// Middleware wraps a single round trip
type Middleware interface {
	RoundTrip(req *http.Request, next http.RoundTripper) (*http.Response, error)
}

// LoggingMiddleware logs HTTP requests and responses at debug level
type LoggingMiddleware struct {
	logger *zap.Logger
}

// UserAgentMiddleware adds the User-Agent header to requests
type UserAgentMiddleware struct {
	userAgent string
}

// RateLimitMiddleware waits on a per-host token bucket before each request
type RateLimitMiddleware struct {
	limit   rate.Limit
	burst   int
	perHost bool

	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
}

// Response wraps http.Response with additional metadata
type Response struct {
	*http.Response
	URL      string
	Duration time.Duration
	Attempts int
}

// Options holds the crawl level settings the client needs beyond HTTPConfig
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	PerHostLimit      bool
	MaxRetries        int
}

// NewHTTPClient creates a client with the user agent, rate limit and logging
// middleware installed
func NewHTTPClient(cfg *config.HTTPConfig, options Options, logger *zap.Logger) *HTTPClient {
	if cfg == nil {
		cfg = &config.HTTPConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	middleware := []Middleware{NewLoggingMiddleware(logger)}
	if options.UserAgent != "" {
		middleware = append(middleware, NewUserAgentMiddleware(options.UserAgent))
	}
	var limiter *RateLimitMiddleware
	if options.RequestsPerSecond > 0 {
		limiter = NewRateLimitMiddleware(options.RequestsPerSecond, options.Burst, options.PerHostLimit)
		middleware = append(middleware, limiter)
	}

	httpClient := NewHTTPClientWithMiddleware(cfg, options, logger, middleware...)
	httpClient.Limiter = limiter
	return httpClient
}

func NewHTTPClientWithMiddleware(cfg *config.HTTPConfig, options Options, logger *zap.Logger, middleware ...Middleware) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := buildHTTPClient(cfg, options.Timeout)
	httpClient.Transport = chainMiddleware(middleware, httpClient.Transport)

	return &HTTPClient{
		Client: httpClient,
		Config: cfg,
		Logger: logger,
		RetryConfig: RetryConfig{
			MaxRetries: options.MaxRetries,
			BackoffStrategy: &ExponentialBackoff{
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   10 * time.Second,
				Multiplier: 2,
				Jitter:     true,
			},
			RetryableStatus: []int{
				http.StatusTooManyRequests,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout,
			},
		},
	}
}

// Get performs a GET request with retry logic and middleware
func (c *HTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.Do(ctx, req)
}

// Do executes an HTTP request, retrying transient network errors and
// retryable status codes. The body of a retried response is drained and closed.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= c.RetryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.RetryConfig.BackoffStrategy.NextDelay(attempt)
			c.Logger.Debug("retrying request",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.Client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !isRetryableError(err) {
				return nil, err
			}
			continue
		}

		if attempt < c.RetryConfig.MaxRetries && isRetryableStatus(resp.StatusCode, c.RetryConfig.RetryableStatus) {
			lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			continue
		}

		return &Response{
			Response: resp,
			URL:      req.URL.String(),
			Duration: time.Since(start),
			Attempts: attempt + 1,
		}, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.RetryConfig.MaxRetries+1, lastErr)
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.Client.CloseIdleConnections()
	return nil
}

// NextDelay calculates the next delay for exponential backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(e.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= e.Multiplier
		if e.MaxDelay > 0 && delay >= float64(e.MaxDelay) {
			delay = float64(e.MaxDelay)
			break
		}
	}
	if e.MaxDelay > 0 && delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	if e.Jitter && delay > 0 {
		delay = rand.Float64() * delay
	}
	return time.Duration(delay)
}

// RoundTrip logs request and response details
func (m *LoggingMiddleware) RoundTrip(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	start := time.Now()
	resp, err := next.RoundTrip(req)
	if err != nil {
		m.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	m.logger.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int64("content_length", resp.ContentLength),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

func (m *UserAgentMiddleware) RoundTrip(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", m.userAgent)
	}
	return next.RoundTrip(req)
}

// RoundTrip waits for the host's limiter before sending the request
func (m *RateLimitMiddleware) RoundTrip(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	if err := m.Limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return next.RoundTrip(req)
}

// Limiter gets or creates the rate limiter for a host. Without per-host
// limiting every host shares one limiter.
func (m *RateLimitMiddleware) Limiter(host string) *rate.Limiter {
	key := strings.ToLower(host)
	if !m.perHost {
		key = ""
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if limiter, exists := m.limiters[key]; exists {
		return limiter
	}
	limiter := rate.NewLimiter(m.limit, m.burst)
	m.limiters[key] = limiter
	return limiter
}

// CleanupIdle removes limiters whose bucket is full, meaning the host has not
// been requested recently. It returns the number removed.
func (m *RateLimitMiddleware) CleanupIdle() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for host, limiter := range m.limiters {
		if limiter.Tokens() >= float64(limiter.Burst()) {
			delete(m.limiters, host)
			removed++
		}
	}
	return removed
}

func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func NewUserAgentMiddleware(userAgent string) *UserAgentMiddleware {
	return &UserAgentMiddleware{userAgent: userAgent}
}

func NewRateLimitMiddleware(requestsPerSecond float64, burst int, perHost bool) *RateLimitMiddleware {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitMiddleware{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		perHost:  perHost,
		limiters: make(map[string]*rate.Limiter),
	}
}

// isRetryableError reports whether a transport error is worth retrying
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// isRetryableStatus checks if an HTTP status code should trigger a retry
func isRetryableStatus(statusCode int, retryableStatus []int) bool {
	for _, status := range retryableStatus {
		if status == statusCode {
			return true
		}
	}
	return false
}

// buildHTTPClient creates and configures the underlying http.Client
func buildHTTPClient(cfg *config.HTTPConfig, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: cfg.DialTimeout,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxIdleConnections,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnectionsPerHost,
		IdleConnTimeout:       cfg.IdleConnectionTimeout,
		TLSHandshakeTimeout:   cfg.TlsHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DialContext:           dialer.DialContext,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// roundTripperFunc adapts a function to http.RoundTripper
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// chainMiddleware wraps base so that middleware[0] runs first
func chainMiddleware(middleware []Middleware, base http.RoundTripper) http.RoundTripper {
	next := base
	for i := len(middleware) - 1; i >= 0; i-- {
		m, inner := middleware[i], next
		next = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return m.RoundTrip(req, inner)
		})
	}
	return next
}
