// SPDX-License-Identifier: MIT

// Package backoff governs how fast workers poll for and retry work:
// EmptyClaim backs off a claim loop exponentially while a table has
// nothing eligible, and Governor caps the rate at which a reaper or
// discovery loop is allowed to run its cycle even if its ticker fires
// faster than that.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var pollThrottled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Name:      "poll_throttled_total",
		Help:      "Total poll cycles skipped because a Governor's rate limit was not yet available",
	},
	[]string{"name"},
)

// Config bounds EmptyClaim's backoff curve.
type Config struct {
	// Base is the delay after the first consecutive empty claim.
	Base time.Duration
	// Cap is the maximum delay EmptyClaim will ever return.
	Cap time.Duration
	// Multiplier grows the delay each consecutive empty claim (2.0 doubles it).
	Multiplier float64
	// Jitter is the ± fraction of the computed delay randomized in, to
	// keep a fleet of workers from polling in lockstep.
	Jitter float64
}

// DefaultConfig returns the documented defaults: base 0.25s, cap 30s,
// doubling with ±20% jitter.
func DefaultConfig() Config {
	return Config{Base: 250 * time.Millisecond, Cap: 30 * time.Second, Multiplier: 2.0, Jitter: 0.2}
}

// EmptyClaim tracks consecutive empty Claim results for one worker loop
// and computes how long it should sleep before polling again.
type EmptyClaim struct {
	cfg    Config
	mu     sync.Mutex
	streak int
}

// NewEmptyClaim constructs an EmptyClaim backoff tracker bound to cfg.
func NewEmptyClaim(cfg Config) *EmptyClaim {
	return &EmptyClaim{cfg: cfg}
}

// Success resets the backoff streak: the caller found work.
func (e *EmptyClaim) Success() {
	e.mu.Lock()
	e.streak = 0
	e.mu.Unlock()
}

// Empty records one more consecutive empty claim and returns how long the
// caller should wait before the next attempt.
func (e *EmptyClaim) Empty() time.Duration {
	e.mu.Lock()
	e.streak++
	streak := e.streak
	e.mu.Unlock()
	return e.delayFor(streak)
}

func (e *EmptyClaim) delayFor(streak int) time.Duration {
	base := float64(e.cfg.Base)
	delay := base * mathPow(e.cfg.Multiplier, streak-1)
	capNanos := float64(e.cfg.Cap)
	if delay > capNanos {
		delay = capNanos
	}
	if e.cfg.Jitter > 0 {
		spread := delay * e.cfg.Jitter
		delay += (rand.Float64()*2 - 1) * spread // #nosec G404 -- scheduling jitter, not security sensitive
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func mathPow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Governor rate-limits how often a named background loop (reaper,
// discovery) is allowed to run its cycle, independent of how fast its own
// ticker fires — useful when the ticker interval is itself configurable
// and an operator could otherwise set it low enough to hammer the store.
type Governor struct {
	name    string
	limiter *rate.Limiter
}

// NewGovernor builds a Governor named name allowing at most ratePerSecond
// cycles per second with the given burst.
func NewGovernor(name string, ratePerSecond rate.Limit, burst int) *Governor {
	return &Governor{name: name, limiter: rate.NewLimiter(ratePerSecond, burst)}
}

// Wait blocks until the Governor's rate limit allows the next cycle, or
// returns ctx.Err() if ctx is done first.
func (g *Governor) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// Allow reports, without blocking, whether a cycle may run now. It
// records a throttled-cycle metric when it returns false.
func (g *Governor) Allow() bool {
	if g.limiter.Allow() {
		return true
	}
	pollThrottled.WithLabelValues(g.name).Inc()
	return false
}
