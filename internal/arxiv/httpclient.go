package arxiv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// httpClientConfig configures the rate-limited HTTP client.
type httpClientConfig struct {
	// Timeout is the per-request timeout.
	Timeout time.Duration

	// RateLimit is the sustained requests per second; Burst is the token
	// bucket size.
	RateLimit float64
	Burst     int

	// MaxRetries is the retry budget for 429s, 5xx responses, and network
	// errors. RetryDelay is the base delay between attempts.
	MaxRetries int
	RetryDelay time.Duration

	UserAgent string
}

// httpClient wraps http.Client with token-bucket rate limiting and retries.
// Safe for concurrent use. Requests are GET-only; bodies never need to be
// replayed across attempts.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     httpClientConfig
}

func newHTTPClient(cfg httpClientConfig) *httpClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 3
	}
	if cfg.Burst == 0 {
		cfg.Burst = 3
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "paper-pipeline-service/1.0"
	}

	return &httpClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cfg:     cfg,
	}
}

// Do executes a request, waiting for the rate limiter before every attempt.
// 429 responses are retried honoring Retry-After; 5xx responses and network
// errors are retried with the base delay.
func (c *httpClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt < c.cfg.MaxRetries {
				if err := sleepCtx(req.Context(), c.cfg.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		delay := retryDelay(resp, c.cfg.RetryDelay)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt < c.cfg.MaxRetries {
			if err := sleepCtx(req.Context(), delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("max retries exhausted after %d attempts, last status: %d", c.cfg.MaxRetries+1, resp.StatusCode)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("no response received")
}

func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode < 600)
}

// retryDelay honors the Retry-After header (seconds or HTTP date) when
// present, falling back to the configured base delay.
func retryDelay(resp *http.Response, base time.Duration) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return base
	}
	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return base
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if until := time.Until(t); until > 0 {
			return until
		}
	}
	return base
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
