package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := dbsql.Open(dbsql.DefaultConfig(filepath.Join(dir, "lease.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, schema.EnsureSchema(context.Background(), db.DB))
	return NewStore(db)
}

func TestAcquireFirstTimeGrantsFencingTokenOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()

	result, err := s.Acquire(ctx, name, owner, 30*time.Second)
	require.NoError(t, err)
	require.True(t, result.Acquired)
	require.Equal(t, ids.FencingToken(1), result.FencingToken)
}

func TestAcquireBySecondOwnerFailsWhileHeld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner1 := ids.NewOwnerToken()
	owner2 := ids.NewOwnerToken()

	_, err = s.Acquire(ctx, name, owner1, 30*time.Second)
	require.NoError(t, err)

	result, err := s.Acquire(ctx, name, owner2, 30*time.Second)
	require.NoError(t, err)
	require.False(t, result.Acquired)
}

func TestAcquireIncrementsFencingOnOwnershipChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner1 := ids.NewOwnerToken()
	owner2 := ids.NewOwnerToken()

	first, err := s.Acquire(ctx, name, owner1, time.Millisecond)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	time.Sleep(5 * time.Millisecond)

	second, err := s.Acquire(ctx, name, owner2, 30*time.Second)
	require.NoError(t, err)
	require.True(t, second.Acquired)
	require.True(t, first.FencingToken.Less(second.FencingToken))
}

func TestAcquireBySameOwnerIsReentrantWithoutFencingBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()

	first, err := s.Acquire(ctx, name, owner, 30*time.Second)
	require.NoError(t, err)

	second, err := s.Acquire(ctx, name, owner, 30*time.Second)
	require.NoError(t, err)
	require.True(t, second.Acquired)
	require.Equal(t, first.FencingToken, second.FencingToken)
}

func TestRenewExtendsLeaseUntilForCurrentOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()

	_, err = s.Acquire(ctx, name, owner, 30*time.Second)
	require.NoError(t, err)

	result, err := s.Renew(ctx, name, owner, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Renewed)
}

func TestRenewFailsForWrongOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()
	other := ids.NewOwnerToken()

	_, err = s.Acquire(ctx, name, owner, 30*time.Second)
	require.NoError(t, err)

	result, err := s.Renew(ctx, name, other, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Renewed)
}

func TestRenewFailsAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()

	_, err = s.Acquire(ctx, name, owner, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	result, err := s.Renew(ctx, name, owner, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Renewed)
}

func TestReleaseClearsOwnershipAllowingOthersToAcquire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("outbox:run:store-1")
	require.NoError(t, err)
	owner1 := ids.NewOwnerToken()
	owner2 := ids.NewOwnerToken()

	_, err = s.Acquire(ctx, name, owner1, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, name, owner1))

	result, err := s.Acquire(ctx, name, owner2, 30*time.Second)
	require.NoError(t, err)
	require.True(t, result.Acquired)
}

func TestFencingTokenOfReturnsNotFoundForUnknownResource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name, err := ids.NewResourceName("never-acquired")
	require.NoError(t, err)

	_, err = s.FencingTokenOf(ctx, name)
	require.Error(t, err)
}
