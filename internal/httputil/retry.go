package httputil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the retry behavior of Do.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)
	// Client sends the requests. Nil means http.DefaultClient.
	Client *http.Client
}

// DefaultRetryConfig returns the settings used for frontend callbacks.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// StatusError is a non-2xx response that was not retried or ran out of
// attempts.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Do executes a request with retry and backoff. buildReq is called per
// attempt because request bodies are consumed on read.
//
// Network errors, 429 and 5xx are retried. Other 4xx responses are returned
// at once with the body intact.
func Do(ctx context.Context, buildReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req.WithContext(ctx))
		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			delay = backoff(cfg, attempt, nil)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{Code: resp.StatusCode}
			delay = backoff(cfg, attempt, resp)
			resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt == attempts-1 {
			break
		}
		slog.Warn("httputil: retrying request",
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"max", attempts,
			"delay", delay,
			"err", lastErr,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all %d attempts exhausted: %w", attempts, lastErr)
}

// CheckStatus returns a *StatusError for a non-2xx response, carrying up to
// 1KB of its body. The body is left for the caller to close.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// backoff computes the sleep before the next attempt. A Retry-After header
// takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	delay += delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	if delay < 0 {
		delay = float64(cfg.BaseDelay)
	}
	return time.Duration(delay)
}

// parseRetryAfter accepts delta seconds or an HTTP-date. It returns 0 when the
// value is empty, unparseable or in the past.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
