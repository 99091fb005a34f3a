package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// RetryConfig bounds a retry loop. The delay before retry n doubles from
// BaseDelay, with ±Jitter fraction of randomization on each wait.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Jitter     float64
}

// DefaultRetryConfig is three retries at 100/200/400 ms with ±25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Jitter: 0.25}
}

// Retryable decides whether an error is transient enough to retry.
type Retryable func(error) bool

// Transient is the default classifier: only downstream and internal
// failures are retried. Domain outcomes and caller mistakes are final.
func Transient(err error) bool {
	switch contracts.KindOf(err) {
	case contracts.KindDownstream, contracts.KindInternal:
		return true
	}
	return false
}

// Retry runs op, retrying transient failures per cfg. The final error is
// returned unwrapped so callers can still classify it.
func Retry(ctx context.Context, cfg RetryConfig, shouldRetry Retryable, op func(context.Context) error) error {
	if shouldRetry == nil {
		shouldRetry = Transient
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || attempt >= cfg.MaxRetries || !shouldRetry(err) {
			return err
		}
		delay := jittered(cfg.BaseDelay<<attempt, cfg.Jitter)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return contracts.WrapError(contracts.KindDownstream, "retry canceled", ctx.Err())
		case <-timer.C:
		}
	}
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// Uniform in [d*(1-frac), d*(1+frac)].
	span := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * span //nolint:gosec // timing jitter, not crypto
	return time.Duration(float64(d) + offset)
}
