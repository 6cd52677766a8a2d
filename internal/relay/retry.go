package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for backend calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for backend invocations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching is used because backend adapters wrap provider
// errors that carry no sentinel for transience. ErrBackendExit is the typed
// exception and is checked first.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},          // rate limiting
	{"500", "502", "503", "504", "unavailable"},      // transient server errors
	{"connection reset", "temporary", "broken pipe"}, // network errors
}

// retryableError reports whether err is transient and worth another attempt.
// A timeout is not: the time budget is already spent. Malformed output is
// not: the invocation completed, the output is just unusable.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrMalformedOutput) {
		return false
	}
	if errors.Is(err, ErrBackendExit) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}

// runWithRetry invokes the backend with exponential backoff on transient
// failures.
func (r *Relay) runWithRetry(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	delay := r.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if r.ledger != nil {
			r.ledger.RecordBackendCall()
		}

		resp, err := r.runner.Run(ctx, req)
		if err == nil {
			r.logger.Debug("backend call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return Response{}, fmt.Errorf("backend run: %w", err)
		}
		if attempt == r.retry.MaxRetries {
			break
		}

		r.logger.Debug("retrying backend call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, r.retry.MaxInterval)
		}
	}

	return Response{}, fmt.Errorf("backend run after %d retries (elapsed: %v): %w",
		r.retry.MaxRetries, time.Since(start), lastErr)
}
