package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(max int) Policy {
	return Policy{MaxAttempts: max, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDoStopsOnSuccess(t *testing.T) {
	var seen []Attempt
	err := Do(context.Background(), fastPolicy(5), func(_ context.Context, a Attempt) error {
		seen = append(seen, a)
		if a < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []Attempt{1, 2, 3}, seen)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("store down")
	err := Do(context.Background(), fastPolicy(3), func(context.Context, Attempt) error {
		calls++
		return boom
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, boom)
}

func TestDoReturnsPermanentErrorImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad credentials")
	err := Do(context.Background(), fastPolicy(5), func(context.Context, Attempt) error {
		calls++
		return Permanent(bad)
	})
	require.Equal(t, 1, calls)
	if err != bad {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func(context.Context, Attempt) error {
			calls++
			return errors.New("fail")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatalf("retry did not observe cancellation")
	}
}

func TestZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context, Attempt) error {
		calls++
		return errors.New("x")
	})
	require.Equal(t, 1, calls)
}
