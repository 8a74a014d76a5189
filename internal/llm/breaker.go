package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright to
// stop hammering a failing provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker wraps gobreaker for capability transports. After three
// consecutive failures the circuit opens for thirty seconds; two
// consecutive half-open successes close it again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker with the transport defaults.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Execute runs fn through the breaker, honouring context cancellation
// before the call begins. A job that has started runs to completion.
func (b *Breaker) Execute(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	return out.(string), nil
}

// Run is Execute for callers that carry their result out of band.
func (b *Breaker) Run(ctx context.Context, fn func() error) error {
	_, err := b.Execute(ctx, func() (string, error) {
		return "", fn()
	})
	return err
}

// State reports "closed", "open", or "half-open" for diagnostics.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
