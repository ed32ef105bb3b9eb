package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/schema"
)

func newTestProvider(t *testing.T, id string) (*OutboxProvider, *outbox.Outbox, *dbsql.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := dbsql.Open(dbsql.DefaultConfig(filepath.Join(dir, id+".db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, schema.EnsureSchema(context.Background(), store.DB))

	out := outbox.New(store, outbox.DefaultConfig())
	return NewOutboxProvider(id, store, out), out, store
}

func mustTopic(t *testing.T, s string) ids.Topic {
	t.Helper()
	topic, err := ids.NewTopic(s)
	require.NoError(t, err)
	return topic
}

func TestRoundRobinCyclesEveryStoreRegardlessOfWork(t *testing.T) {
	stores := []StoreProvider{
		&OutboxProvider{id: "a"},
		&OutboxProvider{id: "b"},
		&OutboxProvider{id: "c"},
	}
	strategy := RoundRobin{}

	next := strategy.Next(stores, "", 0)
	require.Equal(t, "a", next.ID())
	next = strategy.Next(stores, "a", 50)
	require.Equal(t, "b", next.ID())
	next = strategy.Next(stores, "c", 50)
	require.Equal(t, "a", next.ID())
}

func TestDrainFirstStaysUntilBatchEmpty(t *testing.T) {
	stores := []StoreProvider{
		&OutboxProvider{id: "a"},
		&OutboxProvider{id: "b"},
	}
	strategy := DrainFirst{}

	next := strategy.Next(stores, "a", 10)
	require.Equal(t, "a", next.ID())
	next = strategy.Next(stores, "a", 0)
	require.Equal(t, "b", next.ID())
}

func TestRunOnceDispatchesFromTheSelectedStore(t *testing.T) {
	providerA, outA, _ := newTestProvider(t, "store-a")
	providerB, _, _ := newTestProvider(t, "store-b")

	topic := mustTopic(t, "orders.placed")
	_, err := outA.Enqueue(context.Background(), nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)
	outA.RegisterHandler(topic, func(context.Context, outbox.Message) error { return nil })

	d := New(RoundRobin{})
	d.AddProvider(providerA, false)
	d.AddProvider(providerB, false)

	storeID, n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "store-a", storeID)
	require.Equal(t, 1, n)

	storeID, n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "store-b", storeID)
	require.Equal(t, 0, n)
}

func TestRunOnceSkipsStoreWhoseLeaseIsHeldElsewhere(t *testing.T) {
	provider, _, store := newTestProvider(t, "store-a")
	d := New(RoundRobin{})
	d.AddProvider(provider, false)

	resourceName, err := ids.NewResourceName("outbox:run:store-a")
	require.NoError(t, err)
	manager := d.leaseManagerFor(provider)
	_ = store

	rivalLease, acquired, err := manager.Acquire(context.Background(), resourceName, ids.NewOwnerToken(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	defer rivalLease.Dispose(context.Background())

	storeID, n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "store-a", storeID)
	require.Equal(t, 0, n)
}

func TestProvidersForDispatchExcludesControlPlane(t *testing.T) {
	providerApp, _, _ := newTestProvider(t, "app")
	providerControl, _, _ := newTestProvider(t, "control")

	d := New(RoundRobin{})
	d.AddProvider(providerApp, false)
	d.AddProvider(providerControl, true)

	stores := d.providersForDispatch()
	require.Len(t, stores, 1)
	require.Equal(t, "app", stores[0].ID())
}

func TestRunDiscoveryAddsRemovesAndSkipsUnchangedStores(t *testing.T) {
	providerApp, _, _ := newTestProvider(t, "app")
	built := 0

	d := New(RoundRobin{})
	d.WithDiscovery(
		StaticDiscovery{Configs: []StoreConfig{{ID: "app", Fingerprint: "v1"}}},
		func(cfg StoreConfig) (StoreProvider, error) {
			built++
			return providerApp, nil
		},
	)

	require.NoError(t, d.RunDiscovery(context.Background()))
	require.Equal(t, 1, built)
	_, ok := d.Provider("app")
	require.True(t, ok)

	// Same fingerprint: must not rebuild.
	require.NoError(t, d.RunDiscovery(context.Background()))
	require.Equal(t, 1, built)

	// Missing from the next refresh: removed.
	d.discovery = StaticDiscovery{}
	require.NoError(t, d.RunDiscovery(context.Background()))
	_, ok = d.Provider("app")
	require.False(t, ok)
}

func TestRouterFailsLoudlyForUnknownKey(t *testing.T) {
	d := New(RoundRobin{})
	router, err := NewRouter(d)
	require.NoError(t, err)

	_, err = router.Writer("unknown-tenant")
	require.Error(t, err)
}

func TestRouterResolvesWriterForMappedKey(t *testing.T) {
	provider, _, store := newTestProvider(t, "tenant-store")
	d := New(RoundRobin{})
	d.AddProvider(provider, false)

	router, err := NewRouter(d)
	require.NoError(t, err)
	router.SetRoute("tenant-42", "tenant-store")

	writer, err := router.Writer("tenant-42")
	require.NoError(t, err)
	require.Same(t, store, writer)
}
