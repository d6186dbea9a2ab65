package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// StatusError is an HTTP error response the server actually produced.
// Anything else coming out of an attempt means no response arrived at all.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// IsTransient reports whether an attempt failure is worth retrying: either
// no response arrived (network failure) or the server failed internally.
// 4xx responses are final - the request itself is invalid or already
// resolved, and repeating it cannot change the answer.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return err != nil
}

// RetryingTransport runs a single remote call with bounded retry and linear
// backoff for transient failures. It adds no side effects of its own; each
// attempt is exactly one execution of the wrapped operation.
type RetryingTransport struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay scales the backoff: retry k waits BaseDelay*k.
	BaseDelay time.Duration
}

// Do executes op, retrying transient failures up to MaxRetries times.
// The last error is surfaced when all attempts fail.
func (t RetryingTransport) Do(ctx context.Context, op func(ctx context.Context) error) error {
	// A negative MaxRetries still means one attempt; returning nil for an
	// operation that never ran would be a false success.
	retries := t.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := t.BaseDelay * time.Duration(attempt)
			slog.DebugContext(ctx, "Retrying after transient failure",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
