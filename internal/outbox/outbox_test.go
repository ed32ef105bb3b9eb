package outbox

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/schema"
)

func newTestOutbox(t *testing.T) (*Outbox, *dbsql.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := dbsql.Open(dbsql.DefaultConfig(filepath.Join(dir, "outbox.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, schema.EnsureSchema(context.Background(), store.DB))
	return New(store, DefaultConfig()), store
}

func mustTopic(t *testing.T, s string) ids.Topic {
	t.Helper()
	topic, err := ids.NewTopic(s)
	require.NoError(t, err)
	return topic
}

func TestEnqueueThenDispatchAcksOnHandlerSuccess(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")

	_, err := o.Enqueue(ctx, nil, topic, `{"orderId":1}`, "", time.Time{})
	require.NoError(t, err)

	var handled []Message
	o.RegisterHandler(topic, func(_ context.Context, msg Message) error {
		handled = append(handled, msg)
		return nil
	})

	n, err := o.Dispatch(ctx, ids.NewOwnerToken())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, handled, 1)
	require.Equal(t, `{"orderId":1}`, handled[0].Payload)
}

func TestDispatchAbandonsOnHandlerError(t *testing.T) {
	o, store := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")

	_, err := o.Enqueue(ctx, nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)

	o.RegisterHandler(topic, func(_ context.Context, _ Message) error {
		return errors.New("boom")
	})

	n, err := o.Dispatch(ctx, ids.NewOwnerToken())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var status int
	var retryCount int
	row := store.DB.QueryRowContext(ctx, `SELECT status, retry_count FROM outbox LIMIT 1`)
	require.NoError(t, row.Scan(&status, &retryCount))
	require.Equal(t, 0, status) // Ready
	require.Equal(t, 1, retryCount)
}

func TestDispatchAbandonsWhenNoHandlerRegistered(t *testing.T) {
	o, store := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.unrouted")

	_, err := o.Enqueue(ctx, nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)

	n, err := o.Dispatch(ctx, ids.NewOwnerToken())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var retryCount int
	row := store.DB.QueryRowContext(ctx, `SELECT retry_count FROM outbox LIMIT 1`)
	require.NoError(t, row.Scan(&retryCount))
	require.Equal(t, 1, retryCount)
}

func TestEnqueueParticipatesInCallerTransaction(t *testing.T) {
	o, store := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")

	tx, err := store.DB.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = o.Enqueue(ctx, tx, topic, "payload", "corr-1", time.Time{})
	require.NoError(t, err)

	// Not yet visible outside the transaction.
	var count int
	row := store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)

	require.NoError(t, tx.Commit())

	row = store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestAckIsNoOpForWrongOwner(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")
	_, err := o.Enqueue(ctx, nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	claimed, err := o.queue.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := o.Ack(ctx, ids.NewOwnerToken(), claimed[0])
	require.NoError(t, err)
	require.False(t, ok)
}

type fakeJoinHook struct {
	acked  []string
	failed []string
}

func (f *fakeJoinHook) OnAck(_ context.Context, _ *sql.Tx, outboxMessageID string) error {
	f.acked = append(f.acked, outboxMessageID)
	return nil
}

func (f *fakeJoinHook) OnFail(_ context.Context, _ *sql.Tx, outboxMessageID string) error {
	f.failed = append(f.failed, outboxMessageID)
	return nil
}

func TestAckInvokesJoinHookAtomically(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")
	messageID, err := o.Enqueue(ctx, nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)

	hook := &fakeJoinHook{}
	o.SetJoinHook(hook)

	owner := ids.NewOwnerToken()
	claimed, err := o.queue.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := o.Ack(ctx, owner, claimed[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{messageID.String()}, hook.acked)
}

func TestDeleteOldDoneRemovesOnlyRetentionExpiredRows(t *testing.T) {
	o, store := newTestOutbox(t)
	o.cfg.RetentionWindow = time.Hour
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")
	_, err := o.Enqueue(ctx, nil, topic, "payload", "", time.Time{})
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	claimed, err := o.queue.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	ok, err := o.Ack(ctx, owner, claimed[0])
	require.NoError(t, err)
	require.True(t, ok)

	n, err := o.DeleteOldDone(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n) // just processed, inside the retention window

	_, err = store.DB.ExecContext(ctx, `UPDATE outbox SET processed_at = '2000-01-01T00:00:00.000Z'`)
	require.NoError(t, err)

	n, err = o.DeleteOldDone(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestListDeadLettersReturnsOnlyFailedRows(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()
	topic := mustTopic(t, "orders.placed")

	_, err := o.Enqueue(ctx, nil, topic, "bad-payload", "corr-1", time.Time{})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, nil, topic, "good-payload", "corr-2", time.Time{})
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	claimed, err := o.queue.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	ok, err := o.Fail(ctx, owner, claimed[0], "handler exhausted retries")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = o.Ack(ctx, owner, claimed[1])
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := o.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "handler exhausted retries", entries[0].LastError)
}
