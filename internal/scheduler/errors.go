package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExclusiveMode rejects a non-critical submission while exclusive mode
	// is active. The item is never queued.
	ErrExclusiveMode = errors.New("admission rejected: exclusive mode active")

	// ErrQueueCleared rejects a queued item that was removed when exclusive
	// mode was entered.
	ErrQueueCleared = errors.New("canceled: exclusive mode cleared the queue")

	ErrStopped  = errors.New("scheduler stopped")
	ErrNotFound = errors.New("request not found")
)

// RateLimited marks an error as a provider rate-limit rejection.
//
// The dispatch loop escalates backoff only for errors wrapped this way; any
// other unit-of-work failure counts as a plain provider error and leaves the
// backoff state alone.
//
// retryAfter may be 0 when the provider gave no hint.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return rateLimitedError{err: err, after: retryAfter}
}

// IsRateLimited reports whether err is wrapped with RateLimited.
func IsRateLimited(err error) bool {
	var e rateLimitedError
	return errors.As(err, &e)
}

// RetryAfterHint extracts the provider's retry-after hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e rateLimitedError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string { return fmt.Sprintf("rate limited: %v", e.err) }
func (e rateLimitedError) Unwrap() error { return e.err }
