package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retrier re-issues idempotent queries on transient failures. The send
// command never goes through it.
type retrier struct {
	maxRetries int
	base       time.Duration
	logger     *slog.Logger
}

func newRetrier(logger *slog.Logger) retrier {
	return retrier{maxRetries: 3, base: time.Second, logger: logger}
}

// retryableError indicates a transient failure worth another attempt.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func transient(resp *http.Response) bool {
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// do builds and executes the request, retrying network failures, 5xx and
// 429 with jittered quadratic backoff. buildReq runs once per attempt so
// request bodies are never reused.
func (r retrier) do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case transient(resp):
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
		default:
			return resp, nil
		}

		if attempt >= r.maxRetries {
			return nil, fmt.Errorf("request failed after %d retries: %w", r.maxRetries, lastErr)
		}
		r.logger.Warn("transient request failure, will retry",
			"attempt", attempt+1, "err", lastErr)
	}
}

// wait sleeps out the backoff for attempt, or returns early when ctx ends.
// Jitter spreads simultaneous client reconnect storms.
func (r retrier) wait(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * r.base
	backoff += time.Duration(rand.Int64N(int64(backoff/2 + 1)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
