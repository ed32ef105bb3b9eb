package workqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/substraterr"
)

func newTestQueue(t *testing.T) (*Queue, *dbsql.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := dbsql.Open(dbsql.DefaultConfig(filepath.Join(dir, "wq.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.DB.ExecContext(ctx, `CREATE TABLE outbox (
		id TEXT PRIMARY KEY, topic TEXT, status INTEGER NOT NULL DEFAULT 0,
		locked_until TEXT, owner_token TEXT, retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT, next_attempt_at TEXT NOT NULL, due_time_utc TEXT,
		created_at TEXT NOT NULL, processed_at TEXT, processed_by TEXT)`)
	require.NoError(t, err)

	spec := TableSpec{Table: "outbox", OrderColumn: "created_at"}
	return New(store, spec, DefaultConfig()), store
}

func insertReadyRow(t *testing.T, store *dbsql.Store, id ids.WorkItemID, createdAt time.Time) {
	t.Helper()
	_, err := store.DB.ExecContext(context.Background(),
		`INSERT INTO outbox (id, topic, status, next_attempt_at, created_at) VALUES (?, 'orders.placed', 0, ?, ?)`,
		id.String(), formatTime(createdAt), formatTime(createdAt))
	require.NoError(t, err)
}

func TestClaimRejectsInvalidArguments(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	owner := ids.NewOwnerToken()

	_, err := q.Claim(ctx, owner, 0, 10)
	require.ErrorAs(t, err, new(*substraterr.ValidationError))

	_, err = q.Claim(ctx, owner, 30, 0)
	require.ErrorAs(t, err, new(*substraterr.ValidationError))
}

func TestClaimExcludesAlreadyInProgressRows(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	id1 := ids.NewWorkItemID()
	insertReadyRow(t, store, id1, time.Now())

	owner1 := ids.NewOwnerToken()
	claimed, err := q.Claim(ctx, owner1, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id1, claimed[0])

	owner2 := ids.NewOwnerToken()
	claimed2, err := q.Claim(ctx, owner2, 30, 10)
	require.NoError(t, err)
	require.Empty(t, claimed2)
}

func TestAckOnlyAffectsMatchingOwner(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	id1 := ids.NewWorkItemID()
	insertReadyRow(t, store, id1, time.Now())

	owner := ids.NewOwnerToken()
	claimed, err := q.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	wrongOwner := ids.NewOwnerToken()
	n, err := q.Ack(ctx, wrongOwner, claimed)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = q.Ack(ctx, owner, claimed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAbandonIncrementsRetryAndReschedules(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	id1 := ids.NewWorkItemID()
	insertReadyRow(t, store, id1, time.Now())

	owner := ids.NewOwnerToken()
	claimed, err := q.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)

	n, err := q.Abandon(ctx, owner, claimed, "handler timeout", nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var status int
	var retryCount int
	row := store.DB.QueryRowContext(ctx, `SELECT status, retry_count FROM outbox WHERE id = ?`, id1.String())
	require.NoError(t, row.Scan(&status, &retryCount))
	require.Equal(t, int(StatusReady), status)
	require.Equal(t, 1, retryCount)
}

func TestAbandonExceedingCeilingFails(t *testing.T) {
	q, store := newTestQueue(t)
	q.cfg.MaxRetries = 1
	ctx := context.Background()
	id1 := ids.NewWorkItemID()
	insertReadyRow(t, store, id1, time.Now())

	owner := ids.NewOwnerToken()

	for i := 0; i < 2; i++ {
		claimed, err := q.Claim(ctx, owner, 30, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		_, err = q.Abandon(ctx, owner, claimed, "boom", nil)
		require.NoError(t, err)
	}

	var status int
	row := store.DB.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id1.String())
	require.NoError(t, row.Scan(&status))
	require.Equal(t, int(StatusFailed), status)
}

func TestReapExpiredResetsStaleInProgressRows(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	id1 := ids.NewWorkItemID()
	insertReadyRow(t, store, id1, time.Now())

	owner := ids.NewOwnerToken()
	_, err := q.Claim(ctx, owner, 1, 10)
	require.NoError(t, err)

	// Force the lease to already be in the past.
	_, err = store.DB.ExecContext(ctx, `UPDATE outbox SET locked_until = ? WHERE id = ?`,
		formatTime(time.Now().Add(-time.Hour)), id1.String())
	require.NoError(t, err)

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var status int
	row := store.DB.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id1.String())
	require.NoError(t, row.Scan(&status))
	require.Equal(t, int(StatusReady), status)
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	require.Equal(t, 2*time.Second, backoffDelay(1, 60*time.Second))
	require.Equal(t, 60*time.Second, backoffDelay(10, 60*time.Second))
}
