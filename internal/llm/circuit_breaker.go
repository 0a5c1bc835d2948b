package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejects
// requests to keep a failing generation backend from stalling every
// reflection worker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the tripping thresholds for the breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before half-open probes.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit again.
	HalfOpenMaxSuccesses uint32
}

// CircuitBreaker wraps gobreaker around generation calls. Closed passes
// requests through; MaxFailures consecutive failures open it; after Timeout
// it goes half-open and closes again after HalfOpenMaxSuccesses probes.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker with the default thresholds:
// 3 consecutive failures to trip, 30s open, 2 successes to close.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	})
}

// NewCircuitBreakerWithConfig creates a breaker with custom thresholds.
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        "GenerationBreaker",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
	}
	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. If the circuit is open it returns
// ErrCircuitOpen immediately without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := cb.breaker.Execute(func() (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State reports the breaker state as "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
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
