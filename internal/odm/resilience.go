package odm

import (
	"context"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/odmkit/odmctl/internal/telemetry"
)

// RetryConfig defines retry behavior for idempotent API calls
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504}, // Rate limit + server errors
	}
}

// RateLimiter enforces a minimum interval between calls. A nil limiter never waits.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls.
// A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	interval := time.Duration(float64(time.Second) / requestsPerSecond)
	return &RateLimiter{
		interval: interval,
	}
}

// Wait blocks until it's safe to make the next API call or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.lastCall.IsZero() {
		rl.lastCall = time.Now()
		return nil
	}

	elapsed := time.Since(rl.lastCall)
	if elapsed < rl.interval {
		sleepTime := rl.interval - elapsed
		log.Debug().Dur("sleep", sleepTime).Msg("Rate limiting API call")
		if err := SleepContext(ctx, sleepTime); err != nil {
			return err
		}
	}
	rl.lastCall = time.Now()
	return nil
}

// RetryableHTTPClient wraps an HTTP client with retries for idempotent
// requests and optional rate limiting. POST, PUT, PATCH and DELETE are sent
// exactly once.
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

// NewRetryableHTTPClient creates a new HTTP client with retry logic.
// headerTimeout bounds the wait for response headers; body transfer is
// bounded only by the request context so large uploads and downloads finish.
func NewRetryableHTTPClient(headerTimeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
	return &RetryableHTTPClient{
		client:      &http.Client{Transport: transport},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// WithRetryConfig replaces the retry policy.
func (c *RetryableHTTPClient) WithRetryConfig(cfg RetryConfig) *RetryableHTTPClient {
	c.retryConfig = cfg
	return c
}

// Do executes HTTP request with retry logic and rate limiting
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attempts := 0
	if idempotent(req.Method) {
		attempts = c.retryConfig.MaxRetries
	}
	labels := map[string]string{"method": req.Method}

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		// Clone request for retry
		reqClone := req.Clone(ctx)

		start := time.Now()
		resp, err := c.client.Do(reqClone)
		telemetry.TimerGlobal("odm_api_request_duration", time.Since(start), labels)
		if err != nil {
			telemetry.CounterGlobal("odm_api_request_errors", 1, labels)
			lastErr = err
			if attempt < attempts && ctx.Err() == nil {
				delay := c.calculateDelay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_retries", attempts).
					Dur("delay", delay).
					Str("url", req.URL.String()).
					Msg("HTTP request failed, retrying")
				if err := SleepContext(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}
		telemetry.CounterGlobal("odm_api_requests", 1, map[string]string{
			"method": req.Method,
			"status": strconv.Itoa(resp.StatusCode),
		})

		// Check if status code is retryable
		if c.shouldRetry(resp.StatusCode) && attempt < attempts {
			resp.Body.Close()
			delay := c.calculateDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", attempts).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("HTTP request returned retryable error, retrying")
			if err := SleepContext(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// shouldRetry determines if a status code should trigger a retry
func (c *RetryableHTTPClient) shouldRetry(statusCode int) bool {
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates exponential backoff delay with jitter
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))

	// Apply jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	// Cap at max delay
	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}

	return time.Duration(delay)
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
