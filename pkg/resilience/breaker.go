// Package resilience wraps downstream dependencies (store, cache, bus) in
// circuit breakers and bounded retries. Composition happens once at wiring
// time; the engine only ever sees the decorated collaborators.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

const (
	// tripThreshold consecutive failures open a breaker.
	tripThreshold = 5
	// openTimeout is how long an open breaker waits before letting probes
	// through.
	openTimeout = 60 * time.Second
	// halfOpenProbes bounds in-flight half-open probes; the breaker closes
	// again after this many consecutive successes.
	halfOpenProbes = 2
)

// Classifier reports whether an error represents a completed round-trip
// (a domain outcome such as "not found") rather than a dependency failure.
// Benign errors never trip the breaker.
type Classifier func(error) bool

// Breaker guards one named dependency. A tripped breaker rejects calls
// with a KindDownstream error until its open timeout elapses.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	benign Classifier
	log    *slog.Logger
}

// NewBreaker builds a breaker for the named dependency. benign may be nil,
// in which case only nil errors count as success.
func NewBreaker(name string, benign Classifier, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	b := &Breaker{benign: benign, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Timeout:     openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= tripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return benign != nil && benign(err)
		},
	})
	return b
}

// Do runs op behind the breaker. When the breaker is open (or half-open
// and saturated) the op is not executed and a KindDownstream error is
// returned immediately.
func (b *Breaker) Do(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return contracts.WrapError(contracts.KindDownstream, b.cb.Name()+" context done", err)
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return contracts.WrapError(contracts.KindDownstream, b.cb.Name()+" circuit open", err)
	}
	return err
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.cb.Name() }

// State returns the breaker state as a health-check string:
// "closed", "half-open", or "open".
func (b *Breaker) State() string { return b.cb.State().String() }
