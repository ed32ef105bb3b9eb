package dbsql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(DefaultConfig(filepath.Join(dir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenAndServerNowUTC(t *testing.T) {
	store := openTestStore(t)

	now, err := store.ServerNowUTC(context.Background())
	require.NoError(t, err)
	require.False(t, now.IsZero())
}

func TestBeginClaimCommitsWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.DB.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	tx, err := store.Dialect.BeginClaim(ctx, store.DB)
	require.NoError(t, err)

	_, err = tx.ExecContext(ctx, "INSERT INTO t (id, v) VALUES (1, 'a')")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))

	var v string
	row := store.DB.QueryRowContext(ctx, "SELECT v FROM t WHERE id = 1")
	require.NoError(t, row.Scan(&v))
	require.Equal(t, "a", v)
}

func TestUpsertClauseShape(t *testing.T) {
	d := SQLiteDialect{}
	clause := d.UpsertClause([]string{"message_id"}, []string{"status", "last_error"})
	require.Equal(t, "ON CONFLICT (message_id) DO UPDATE SET status=excluded.status, last_error=excluded.last_error", clause)
}
