package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the page-level retry loop around adapter fetches.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxTries        uint
}

// DefaultRetryPolicy retries a transient page fetch twice before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 500 * time.Millisecond, MaxTries: 3}
}

// TransientError marks an adapter failure as retryable at page granularity.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that FetchWithRetry retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FetchWithRetry runs fn with exponential backoff. Only errors wrapped by
// Transient are retried; connection errors, token expiry and everything else
// abort immediately.
func FetchWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		expo.InitialInterval = policy.InitialInterval
	}
	tries := policy.MaxTries
	if tries == 0 {
		tries = 1
	}

	operation := func() (T, error) {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		var te *TransientError
		if errors.As(err, &te) {
			return out, err
		}
		return out, backoff.Permanent(err)
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(tries),
	)
	if err != nil {
		// Unwrap the transient marker so callers see the adapter's error.
		var te *TransientError
		if errors.As(err, &te) {
			return out, te.Err
		}
		return out, err
	}
	return out, nil
}
