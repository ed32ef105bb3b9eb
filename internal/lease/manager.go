package lease

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/metrics"
	"github.com/bravellian/platform/internal/resilience"
	"github.com/bravellian/platform/internal/substraterr"
	"github.com/bravellian/platform/internal/telemetry"
)

// renewPercent is the fraction of the lease duration at which a renewal is
// scheduled (default 0.6): renewing well before expiry leaves room for
// one retry on a transient failure without losing the lease.
const renewPercent = 0.6

// jitterFraction is the ± uniform jitter applied to the renewal delay to
// avoid every holder in a cluster renewing in lockstep.
const jitterFraction = 0.5

// Lease is a held lease with automatic background renewal. Callers must
// call EnsureStillHeld (or select on Lost()) before any action gated on
// exclusive ownership, since the lease may have been lost between renewals.
type Lease struct {
	name  ids.ResourceName
	owner ids.OwnerToken
	store *Store

	mu           sync.RWMutex
	leaseUntil   time.Time
	fencingToken ids.FencingToken

	cancel context.CancelFunc
	lost   chan struct{}
	lostMu sync.Once
	done   chan struct{}
}

// Manager acquires and auto-renews leases on behalf of one process.
// Manager itself holds no state between calls; every Lease it returns
// manages its own renewal goroutine until Dispose is called or the lease is
// lost.
type Manager struct {
	store *Store
}

// NewManager constructs a Manager bound to store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Acquire blocks for a single acquire attempt (it does not poll/retry) and,
// on success, starts a background renewal loop at renewPercent×duration
// with ±jitterFraction uniform jitter. The returned Lease must eventually
// be disposed via Dispose.
func (m *Manager) Acquire(ctx context.Context, name ids.ResourceName, owner ids.OwnerToken, duration time.Duration) (*Lease, bool, error) {
	result, err := m.store.Acquire(ctx, name, owner, duration)
	if err != nil {
		return nil, false, err
	}
	metrics.RecordLeaseAcquire(name.String(), result.Acquired)
	if !result.Acquired {
		return nil, false, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		name:         name,
		owner:        owner,
		store:        m.store,
		leaseUntil:   result.LeaseUntil,
		fencingToken: result.FencingToken,
		cancel:       cancel,
		lost:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go l.renewLoop(runCtx, duration)

	log.WithComponent("lease").Info().
		Str("resource_name", name.String()).
		Str("owner_token", owner.String()).
		Int64("fencing_token", int64(result.FencingToken)).
		Msg("lease acquired")

	return l, true, nil
}

func jitteredDelay(duration time.Duration) time.Duration {
	base := time.Duration(float64(duration) * renewPercent)
	spread := float64(base) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread // #nosec G404 -- scheduling jitter, not security sensitive
	delay := time.Duration(float64(base) + offset)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

func (l *Lease) renewLoop(ctx context.Context, duration time.Duration) {
	defer close(l.done)
	timer := time.NewTimer(jitteredDelay(duration))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !l.renewOnce(ctx, duration) {
				l.signalLost()
				return
			}
			timer.Reset(jitteredDelay(duration))
		}
	}
}

// renewOnce performs one renewal attempt, retrying exactly once more
// immediately on a transient storage error before treating the lease as
// lost.
func (l *Lease) renewOnce(ctx context.Context, duration time.Duration) bool {
	var result RenewResult
	err := resilience.RetryOnce(ctx, func() error {
		var renewErr error
		result, renewErr = l.store.Renew(ctx, l.name, l.owner, duration)
		return renewErr
	})
	if err != nil {
		log.WithComponent("lease").Error().Err(err).
			Str("resource_name", l.name.String()).
			Msg("lease renewal failed")
		metrics.RecordLeaseRenew(l.name.String(), false)
		return false
	}
	if !result.Renewed {
		log.WithComponent("lease").Warn().
			Str("resource_name", l.name.String()).
			Msg("lease renewal lost")
		metrics.RecordLeaseRenew(l.name.String(), false)
		return false
	}

	l.mu.Lock()
	l.leaseUntil = result.LeaseUntil
	l.mu.Unlock()

	metrics.RecordLeaseRenew(l.name.String(), true)

	log.WithComponent("lease").Debug().
		Str("resource_name", l.name.String()).
		Time("lease_until", result.LeaseUntil).
		Msg("lease renewed")

	return true
}

func (l *Lease) signalLost() {
	l.lostMu.Do(func() {
		metrics.RecordLeaseLost(l.name.String())
		close(l.lost)
	})
}

// Lost returns a channel closed when the lease's renewal loop has observed
// the lease is no longer held. Handlers running under the lease should
// select on this alongside the caller's own cancellation token.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// EnsureStillHeld returns substraterr.LostLease if the lease's renewal loop
// has already detected loss; it does not perform a fresh round-trip.
func (l *Lease) EnsureStillHeld() error {
	select {
	case <-l.lost:
		l.mu.RLock()
		fencing := l.fencingToken
		l.mu.RUnlock()
		return substraterr.NewLostLease(l.name.String(), int64(fencing), int64(fencing)+1)
	default:
		return nil
	}
}

// FencingToken returns the token observed at acquire time (or the most
// recent successful renewal; renewal does not change the token, only
// acquire does).
func (l *Lease) FencingToken() ids.FencingToken { return l.fencingToken }

// LeaseUntil returns the most recently renewed expiry.
func (l *Lease) LeaseUntil() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaseUntil
}

// Dispose stops the renewal loop and releases the lease. Release failures
// are logged, never returned: a disposed lease is abandoned either way.
func (l *Lease) Dispose(ctx context.Context) {
	l.cancel()
	<-l.done
	if err := l.store.Release(ctx, l.name, l.owner); err != nil {
		log.WithComponent("lease").Warn().Err(err).
			Str("resource_name", l.name.String()).
			Msg("lease release failed")
	}
}

// SpanAttributes returns the telemetry attributes describing this lease,
// suitable for attaching to a span covering work done under it.
func (l *Lease) SpanAttributes() []attribute.KeyValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return telemetry.LeaseAttributes(l.name.String(), l.owner.String(), int64(l.fencingToken))
}
