package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"poolsync/internal/model"
)

func TestWithRetryRecovers(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &model.NetworkError{Op: "test", Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return &model.NetworkError{Op: "test", Err: errors.New("reset")}
	})
	require.True(t, model.IsNetwork(err))
	require.Equal(t, 3, calls)
}

func TestWithRetrySkipsFatal(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return &model.ConfigurationError{Reason: "wrong chain"}
	})
	require.True(t, model.IsConfiguration(err))
	require.Equal(t, 1, calls)
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}, func(context.Context) error {
		return errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
}
