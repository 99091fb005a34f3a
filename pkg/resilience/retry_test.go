package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Jitter: 0.25}
}

func TestRetry_ExhaustsBudgetOnPersistentFailure(t *testing.T) {
	calls := 0
	boom := contracts.NewError(contracts.KindDownstream, "store unavailable")

	err := Retry(context.Background(), fastRetry(), nil, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls, "one initial call plus three retries")
}

func TestRetry_StopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return contracts.NewError(contracts.KindInternal, "deadlock")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, func(ctx context.Context) error {
		calls++
		return contracts.NewError(contracts.KindValidation, "empty scope")
	})
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, nil, func(ctx context.Context) error {
			return contracts.NewError(contracts.KindDownstream, "down")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.True(t, contracts.IsKind(err, contracts.KindDownstream))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not honor cancellation")
	}
}

func TestJitteredStaysInBounds(t *testing.T) {
	base := 100 * time.Millisecond
	lo := 75 * time.Millisecond
	hi := 125 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jittered(base, 0.25)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
	assert.Equal(t, base, jittered(base, 0))
}

func TestTransientClassifier(t *testing.T) {
	assert.True(t, Transient(errors.New("raw driver error")))
	assert.True(t, Transient(contracts.NewError(contracts.KindDownstream, "x")))
	assert.False(t, Transient(contracts.NewError(contracts.KindNotFound, "x")))
	assert.False(t, Transient(contracts.NewError(contracts.KindConflict, "x")))
	assert.False(t, Transient(contracts.NewError(contracts.KindSignature, "x")))
}
