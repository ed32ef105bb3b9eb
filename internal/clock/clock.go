// Package clock provides the two time abstractions the substrate depends on:
// a monotonic reference for local scheduling (renewals, backoff, timeouts)
// and a server-UTC-now provider for anything that is ever compared against a
// persisted row. The two must never be confused: persisted comparisons use
// ServerNowUTC so that skew between worker processes cannot corrupt lease or
// claim semantics, while renewal scheduling uses Monotonic so that wall-clock
// jumps (NTP step, DST, suspend/resume) cannot cause a spurious early or late
// renewal.
package clock

import "time"

// Monotonic is a steady elapsed-time reference. now() is guaranteed
// non-decreasing for the lifetime of the process; it must never be
// persisted, and two readings from different processes are not comparable.
type Monotonic interface {
	Now() float64 // seconds since an arbitrary fixed epoch
}

// Real is the production Monotonic implementation, backed by time.Now()'s
// monotonic reading.
type Real struct {
	start time.Time
}

// NewReal returns a Monotonic anchored at the moment of construction.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() float64 {
	return time.Since(r.start).Seconds()
}

// TimeProvider yields the time the substrate treats as authoritative for
// every persisted comparison. Production code always uses server time (the
// database's own clock function, read back through a query); tests inject a
// fake so that due-time and lease-expiry scenarios are deterministic without
// sleeping.
type TimeProvider interface {
	UTCNow() time.Time
}

// SystemTimeProvider reads the local process clock, truncated to millisecond
// precision to match the wire/storage precision required for all
// timestamps.
type SystemTimeProvider struct{}

func (SystemTimeProvider) UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Fixed is a TimeProvider that never advances on its own; tests call Advance
// between assertions to simulate the passage of server time deterministically.
type Fixed struct {
	t time.Time
}

// NewFixed returns a Fixed TimeProvider starting at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC().Truncate(time.Millisecond)}
}

func (f *Fixed) UTCNow() time.Time {
	return f.t
}

// Advance moves the fixed clock forward by d and returns the new value.
func (f *Fixed) Advance(d time.Duration) time.Time {
	f.t = f.t.Add(d)
	return f.t
}

// Set pins the fixed clock to an exact instant.
func (f *Fixed) Set(t time.Time) {
	f.t = t.UTC().Truncate(time.Millisecond)
}
