// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/bravellian/platform/internal/metrics"
)

// State mirrors gobreaker.State under the naming this module's callers
// already expect.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is returned by Execute when the breaker rejected the call
// without running fn, whether because it is open or because a half-open
// probe slot was unavailable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker guards a per-store (or per-resource) operation with a
// count-based trip policy: once ReadyToTrip sees enough consecutive
// failures, calls fail fast with ErrCircuitOpen until Timeout elapses and
// a single probe request is let through in half-open state.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker constructs a Breaker named name that trips after
// failureThreshold consecutive failures and stays open for resetTimeout
// before allowing a half-open probe.
func NewBreaker(name string, failureThreshold uint32, resetTimeout time.Duration) *Breaker {
	if failureThreshold == 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			state := fromGobreakerState(to)
			metrics.SetCircuitBreakerState(name, state.String())
			if state == StateOpen {
				metrics.RecordCircuitBreakerTrip(name, "consecutive_failures")
			}
		},
	}

	b := &Breaker{name: name, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
	metrics.SetCircuitBreakerState(name, StateClosed.String())
	return b
}

// Execute runs fn if the breaker allows it, translating gobreaker's
// ErrOpenState/ErrTooManyRequests into ErrCircuitOpen so callers never
// need to import gobreaker directly.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }
