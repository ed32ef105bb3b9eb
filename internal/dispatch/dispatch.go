// Package dispatch implements the multi-store fan-out dispatcher: a
// pluggable SelectionStrategy walks a set of
// StoreProviders, acquiring a short store-scoped lease before claiming and
// dispatching one batch, so a fleet of peer processes can safely share the
// same set of application databases without double-processing a store.
//
// A Discovery source may be polled to grow and shrink the provider set at
// runtime; a Router resolves write-path keys (tenant id, database name) to
// the store that owns them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/lease"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/resilience"
	"github.com/bravellian/platform/internal/substraterr"
)

// StoreProvider binds one application database to the claim/ack/abandon/
// fail/reap surface the dispatcher drives, plus the writer callers use for
// the write path (Router.Writer).
type StoreProvider interface {
	ID() string
	Writer() *dbsql.Store
	Dispatch(ctx context.Context, ownerToken ids.OwnerToken) (int, error)
}

// OutboxProvider adapts an *outbox.Outbox bound to one store into a
// StoreProvider; this is the common case, since most stores are dispatched
// by claiming their own Outbox.
type OutboxProvider struct {
	id    string
	store *dbsql.Store
	out   *outbox.Outbox
}

// NewOutboxProvider binds id to store's Outbox.
func NewOutboxProvider(id string, store *dbsql.Store, out *outbox.Outbox) *OutboxProvider {
	return &OutboxProvider{id: id, store: store, out: out}
}

func (p *OutboxProvider) ID() string           { return p.id }
func (p *OutboxProvider) Writer() *dbsql.Store { return p.store }

func (p *OutboxProvider) Dispatch(ctx context.Context, ownerToken ids.OwnerToken) (int, error) {
	return p.out.Dispatch(ctx, ownerToken)
}

// SelectionStrategy picks the next store to service, given the full
// provider set and the outcome of the previous iteration.
type SelectionStrategy interface {
	Next(stores []StoreProvider, lastStore string, lastProcessedCount int) StoreProvider
}

// RoundRobin advances to the store after lastStore on every call,
// processing one batch per store per cycle regardless of how much work
// that store had.
type RoundRobin struct{}

func (RoundRobin) Next(stores []StoreProvider, lastStore string, _ int) StoreProvider {
	return nextAfter(stores, lastStore)
}

// DrainFirst stays on lastStore as long as it keeps producing work, and
// only advances once a batch comes back empty.
type DrainFirst struct{}

func (DrainFirst) Next(stores []StoreProvider, lastStore string, lastProcessedCount int) StoreProvider {
	if lastStore != "" && lastProcessedCount > 0 {
		for _, s := range stores {
			if s.ID() == lastStore {
				return s
			}
		}
	}
	return nextAfter(stores, lastStore)
}

func nextAfter(stores []StoreProvider, lastStore string) StoreProvider {
	if len(stores) == 0 {
		return nil
	}
	if lastStore == "" {
		return stores[0]
	}
	for i, s := range stores {
		if s.ID() == lastStore {
			return stores[(i+1)%len(stores)]
		}
	}
	return stores[0]
}

// StoreConfig is one entry Discovery returns: enough to build or rebuild a
// StoreProvider. Fingerprint is an opaque summary of connection details
// (e.g. a hash of the DSN plus topology); Discovery must not recreate a
// store whose Fingerprint hasn't changed since the last refresh.
type StoreConfig struct {
	ID           string
	DSN          string
	Fingerprint  string
	ControlPlane bool
}

// Discovery enumerates the current set of stores. Implementations are
// polled on a cadence by Dispatcher.RunDiscovery.
type Discovery interface {
	Discover(ctx context.Context) ([]StoreConfig, error)
}

// StaticDiscovery returns a fixed set, for deployments that never add or
// remove stores at runtime.
type StaticDiscovery struct {
	Configs []StoreConfig
}

func (d StaticDiscovery) Discover(context.Context) ([]StoreConfig, error) {
	return d.Configs, nil
}

// EtcdDiscovery lists a key prefix on every Discover call; each value is
// the JSON encoding of a StoreConfig. A store's key is its id unless the
// decoded config already sets one. This is the standing mechanism for a
// deployment that grows and shrinks its store set at runtime: write or
// update a key under prefix to add or change a store, delete it to retire
// one, and let RunDiscovery pick the change up on its next poll.
type EtcdDiscovery struct {
	Client *clientv3.Client
	Prefix string
}

// NewEtcdDiscovery binds an EtcdDiscovery to an already-connected client
// and the key prefix store configs are published under.
func NewEtcdDiscovery(client *clientv3.Client, prefix string) *EtcdDiscovery {
	return &EtcdDiscovery{Client: client, Prefix: prefix}
}

func (d *EtcdDiscovery) Discover(ctx context.Context) ([]StoreConfig, error) {
	resp, err := d.Client.Get(ctx, d.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("dispatch: etcd list %q: %w", d.Prefix, err)
	}

	configs := make([]StoreConfig, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var cfg StoreConfig
		if err := json.Unmarshal(kv.Value, &cfg); err != nil {
			log.WithComponent("dispatch").Error().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed store config")
			continue
		}
		if cfg.ID == "" {
			cfg.ID = strings.TrimPrefix(string(kv.Key), d.Prefix)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// StoreFactory builds (or rebuilds) a StoreProvider from a StoreConfig.
// Called by RunDiscovery whenever a config is new or its Fingerprint
// changed.
type StoreFactory func(cfg StoreConfig) (StoreProvider, error)

// DefaultDiscoveryInterval is the documented discovery poll cadence.
const DefaultDiscoveryInterval = 5 * time.Minute

// DefaultLeaseSeconds is the per-store lease duration.
const DefaultLeaseSeconds = 30

// Dispatcher owns the live provider set, the lease manager bound to each
// provider's own store, and (optionally) a Discovery source that keeps the
// set current.
type Dispatcher struct {
	mu            sync.RWMutex
	providers     map[string]StoreProvider
	order         []string
	configs       map[string]StoreConfig
	leaseManagers map[string]*lease.Manager
	breakers      map[string]*resilience.Breaker
	strategy      SelectionStrategy
	leaseSeconds  int
	lastStore     string
	lastProcessed int

	discovery      Discovery
	factory        StoreFactory
	discoveryGroup singleflight.Group
}

// DefaultDiscoveryBuildConcurrency bounds how many StoreFactory calls
// RunDiscovery runs at once when a refresh turns up more than one new or
// changed store: each call may dial a fresh connection, so an unbounded
// fan-out could exhaust file descriptors on a large fleet.
const DefaultDiscoveryBuildConcurrency = 8

// DefaultBreakerFailureThreshold/DefaultBreakerResetTimeout configure the
// per-store circuit breaker guarding RunOnce's dispatch call: after this
// many consecutive TransientStorageError results from a store, that store
// is skipped (ErrCircuitOpen) until the reset timeout elapses and a single
// probe dispatch is let through.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second
)

// New builds a Dispatcher with no providers. Add static stores with
// AddProvider, or wire a Discovery source and call RunDiscovery on
// DefaultDiscoveryInterval (or a custom cadence).
func New(strategy SelectionStrategy) *Dispatcher {
	return &Dispatcher{
		providers:     make(map[string]StoreProvider),
		configs:       make(map[string]StoreConfig),
		leaseManagers: make(map[string]*lease.Manager),
		breakers:      make(map[string]*resilience.Breaker),
		strategy:      strategy,
		leaseSeconds:  DefaultLeaseSeconds,
	}
}

// WithDiscovery wires a Discovery source and the factory RunDiscovery uses
// to turn a StoreConfig into a StoreProvider.
func (d *Dispatcher) WithDiscovery(discovery Discovery, factory StoreFactory) *Dispatcher {
	d.discovery = discovery
	d.factory = factory
	return d
}

// AddProvider registers a statically-configured store.
func (d *Dispatcher) AddProvider(p StoreProvider, controlPlane bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addProviderLocked(p, StoreConfig{ID: p.ID(), ControlPlane: controlPlane})
}

func (d *Dispatcher) addProviderLocked(p StoreProvider, cfg StoreConfig) {
	if _, exists := d.providers[p.ID()]; !exists {
		d.order = append(d.order, p.ID())
	}
	d.providers[p.ID()] = p
	d.configs[p.ID()] = cfg
}

// RemoveProvider drops a store from the live set. It does not close the
// store's connection; the caller owns that lifecycle for statically-added
// providers.
func (d *Dispatcher) RemoveProvider(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeProviderLocked(id)
}

func (d *Dispatcher) removeProviderLocked(id string) {
	delete(d.providers, id)
	delete(d.configs, id)
	delete(d.leaseManagers, id)
	delete(d.breakers, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Provider returns the live provider for id, if any.
func (d *Dispatcher) Provider(id string) (StoreProvider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[id]
	return p, ok
}

// providersForDispatch returns every provider except the control-plane
// store, in stable registration order: the control plane only hosts
// Semaphore/coordination tables and must never be handed to the
// message-processing loop (control-plane vs application-
// database separation").
func (d *Dispatcher) providersForDispatch() []StoreProvider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StoreProvider, 0, len(d.order))
	for _, id := range d.order {
		if d.configs[id].ControlPlane {
			continue
		}
		out = append(out, d.providers[id])
	}
	return out
}

func (d *Dispatcher) leaseManagerFor(p StoreProvider) *lease.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.leaseManagers[p.ID()]; ok {
		return m
	}
	m := lease.NewManager(lease.NewStore(p.Writer()))
	d.leaseManagers[p.ID()] = m
	return m
}

func (d *Dispatcher) breakerFor(p StoreProvider) *resilience.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[p.ID()]; ok {
		return b
	}
	b := resilience.NewBreaker("dispatch:"+p.ID(), DefaultBreakerFailureThreshold, DefaultBreakerResetTimeout)
	d.breakers[p.ID()] = b
	return b
}

// RunOnce runs a single dispatcher iteration: the strategy picks a store,
// a short lease scoped to "outbox:run:{storeId}" is acquired on that
// store's own leases table, and if acquired one batch is claimed and
// dispatched. If the lease is not acquired the store is skipped for this
// iteration (another process is already servicing it) and (storeId, 0,
// nil) is returned. Returns ("", 0, nil) if there are no stores to
// service.
func (d *Dispatcher) RunOnce(ctx context.Context) (string, int, error) {
	stores := d.providersForDispatch()
	if len(stores) == 0 {
		return "", 0, nil
	}

	d.mu.RLock()
	strategy, lastStore, lastProcessed := d.strategy, d.lastStore, d.lastProcessed
	leaseSeconds := d.leaseSeconds
	d.mu.RUnlock()

	provider := strategy.Next(stores, lastStore, lastProcessed)
	if provider == nil {
		return "", 0, nil
	}

	resourceName, err := ids.NewResourceName(fmt.Sprintf("outbox:run:%s", provider.ID()))
	if err != nil {
		return provider.ID(), 0, fmt.Errorf("dispatch: lease resource name: %w", err)
	}

	manager := d.leaseManagerFor(provider)
	owner := ids.NewOwnerToken()
	l, acquired, err := manager.Acquire(ctx, resourceName, owner, time.Duration(leaseSeconds)*time.Second)
	if err != nil {
		return provider.ID(), 0, err
	}
	d.recordIteration(provider.ID(), 0)
	if !acquired {
		log.WithComponent("dispatch").Debug().Str("store", provider.ID()).Msg("store lease held elsewhere, skipping")
		return provider.ID(), 0, nil
	}
	defer l.Dispose(ctx)

	breaker := d.breakerFor(provider)
	var n int
	var dispatchErr error
	breakerErr := breaker.Execute(func() error {
		n, dispatchErr = provider.Dispatch(ctx, owner)
		if dispatchErr != nil && substraterr.IsRetryable(dispatchErr) {
			return dispatchErr
		}
		return nil
	})
	d.recordIteration(provider.ID(), n)
	if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
		log.WithComponent("dispatch").Warn().Str("store", provider.ID()).Msg("store breaker open, skipping")
		return provider.ID(), 0, nil
	}
	if dispatchErr != nil {
		return provider.ID(), n, dispatchErr
	}
	return provider.ID(), n, nil
}

func (d *Dispatcher) recordIteration(storeID string, processed int) {
	d.mu.Lock()
	d.lastStore = storeID
	d.lastProcessed = processed
	d.mu.Unlock()
}

// RunDiscovery polls the Discovery source once, adding newly-seen stores,
// removing missing ones, and recreating stores whose Fingerprint changed.
// A no-op if no Discovery is wired. Safe to call from a ticking goroutine
// on DefaultDiscoveryInterval: concurrent callers (the ticker racing a
// manual refresh, say) collapse onto a single in-flight poll via a
// singleflight group rather than serializing one after another.
func (d *Dispatcher) RunDiscovery(ctx context.Context) error {
	if d.discovery == nil {
		return nil
	}
	_, err, _ := d.discoveryGroup.Do("refresh", func() (interface{}, error) {
		return nil, d.runDiscoveryOnce(ctx)
	})
	return err
}

func (d *Dispatcher) runDiscoveryOnce(ctx context.Context) error {
	configs, err := d.discovery.Discover(ctx)
	if err != nil {
		return substraterr.NewTransientStorageError("dispatch.discovery", err)
	}

	var changed []StoreConfig
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			continue
		}
		seen[cfg.ID] = true

		d.mu.RLock()
		existing, known := d.configs[cfg.ID]
		d.mu.RUnlock()
		if known && existing.Fingerprint == cfg.Fingerprint {
			continue
		}
		changed = append(changed, cfg)
	}

	// Building a provider may dial a fresh connection per store; do it
	// concurrently (bounded) so a refresh touching many stores at once
	// doesn't serialize on the slowest dial.
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(DefaultDiscoveryBuildConcurrency)
	for _, cfg := range changed {
		cfg := cfg
		group.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			provider, err := d.factory(cfg)
			if err != nil {
				log.WithComponent("dispatch").Error().Err(err).Str("store", cfg.ID).Msg("failed to build store provider")
				return nil
			}
			d.mu.Lock()
			d.addProviderLocked(provider, cfg)
			d.leaseManagers[cfg.ID] = lease.NewManager(lease.NewStore(provider.Writer()))
			d.mu.Unlock()
			log.WithComponent("dispatch").Info().Str("store", cfg.ID).Msg("store provider added or recreated")
			return nil
		})
	}
	_ = group.Wait() // per-store errors are logged and skipped, never fatal to the refresh

	d.mu.RLock()
	var stale []string
	for id := range d.configs {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	d.mu.RUnlock()
	for _, id := range stale {
		d.mu.Lock()
		d.removeProviderLocked(id)
		d.mu.Unlock()
		log.WithComponent("dispatch").Info().Str("store", id).Msg("store provider removed, no longer discovered")
	}

	return nil
}

// Router resolves a write-path routing key (tenant id, database name) to
// the store that owns it. The route table is bounded by an LRU so a
// deployment with a very large or slowly-churning key space doesn't grow
// memory without limit; keys fall out under pressure and are expected to
// be re-asserted by whatever assigns routes (typically in step with
// Discovery).
type Router struct {
	routes     *lru.Cache[string, string]
	dispatcher *Dispatcher
}

// DefaultRouterCacheSize bounds the number of routing keys Router
// remembers at once.
const DefaultRouterCacheSize = 100_000

// NewRouter binds a Router to dispatcher's provider set, with a route
// cache of DefaultRouterCacheSize entries.
func NewRouter(dispatcher *Dispatcher) (*Router, error) {
	return NewRouterWithCacheSize(dispatcher, DefaultRouterCacheSize)
}

// NewRouterWithCacheSize is NewRouter with an explicit cache size.
func NewRouterWithCacheSize(dispatcher *Dispatcher, cacheSize int) (*Router, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, substraterr.NewConfigurationError("dispatch.router", err.Error())
	}
	return &Router{routes: cache, dispatcher: dispatcher}, nil
}

// SetRoute asserts that key belongs to storeID, overwriting any previous
// mapping.
func (r *Router) SetRoute(key, storeID string) {
	r.routes.Add(key, storeID)
}

// RemoveRoute forgets key, if known.
func (r *Router) RemoveRoute(key string) {
	r.routes.Remove(key)
}

// Writer returns the writer for the store that owns key. Fails loudly
// (fail loudly if no mapping exists) rather than guessing a
// default store.
func (r *Router) Writer(key string) (*dbsql.Store, error) {
	storeID, ok := r.routes.Get(key)
	if !ok {
		return nil, substraterr.NewNotFound("route", key)
	}
	provider, ok := r.dispatcher.Provider(storeID)
	if !ok {
		return nil, substraterr.NewNotFound("store", storeID)
	}
	return provider.Writer(), nil
}
