package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchWithRetryTransient(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxTries: 3}

	calls := 0
	out, err := FetchWithRetry(context.Background(), policy, func() (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("flaky"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, calls)
}

func TestFetchWithRetryPermanentNotRetried(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxTries: 5}
	fatal := &ConnectError{Provider: "static", Message: "auth refused"}

	calls := 0
	_, err := FetchWithRetry(context.Background(), policy, func() (int, error) {
		calls++
		return 0, fatal
	})
	require.Error(t, err)
	require.True(t, IsConnectError(err))
	require.Equal(t, 1, calls)
}

func TestFetchWithRetryExhaustionSurfacesAdapterError(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxTries: 2}
	underlying := errors.New("still down")

	calls := 0
	_, err := FetchWithRetry(context.Background(), policy, func() (int, error) {
		calls++
		return 0, Transient(underlying)
	})
	require.ErrorIs(t, err, underlying)
	require.Equal(t, 2, calls)
}
