package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/schema"
)

// OpenTestDB opens a SQLite-backed Store in a t.TempDir(), applies the
// module's schema, and registers a t.Cleanup to close it. The engine
// packages' own tests currently open their stores with their own
// dbsql.Open/schema.EnsureSchema helpers rather than through this one.
func OpenTestDB(t *testing.T) *dbsql.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := dbsql.Open(dbsql.DefaultConfig(path))
	if err != nil {
		t.Fatalf("testutil: open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := schema.EnsureSchema(context.Background(), store.DB); err != nil {
		t.Fatalf("testutil: ensure schema: %v", err)
	}
	return store
}
