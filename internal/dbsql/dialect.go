// Package dbsql provides the SQL-dialect abstraction every storage-backed
// component in this module is built against. The core engines (workqueue,
// lease, semaphore, schema) are written once against the Dialect interface;
// only this package knows whether the backing store can do a true
// `SELECT ... FOR UPDATE SKIP LOCKED` or has to emulate one.
//
// SQLite — the only driver wired into go.mod — has no row-level locking and
// no SKIP LOCKED. Dialect.BeginClaim for SQLiteDialect instead serializes
// claims through a `BEGIN IMMEDIATE` transaction: IMMEDIATE acquires the
// single write lock up front, so two concurrent claimants can never observe
// the same "Ready" row as claimable, which is the same external guarantee
// SKIP LOCKED gives a row-locking engine, at the cost of serializing writers
// rather than letting them skip past each other's locked rows.
package dbsql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bravellian/platform/internal/persistence/sqlite"
)

// Dialect isolates the handful of SQL behaviors that differ across
// database engines: how to begin a transaction strong enough to emulate
// claim semantics, how to express "now" in a query, and how to express an
// upsert. Every other package in this module talks to a *sql.DB/ClaimTx
// through the standard library and never branches on driver.
type Dialect interface {
	// Name identifies the dialect for logging ("sqlite", "postgres", ...).
	Name() string

	// BeginClaim starts a transaction strong enough that two concurrent
	// callers cannot both observe and claim the same Ready row. On
	// engines with real row locking this would map to a plain
	// BeginTx + SELECT ... FOR UPDATE SKIP LOCKED; on SQLite it maps to
	// BEGIN IMMEDIATE, which must be issued as a literal statement on a
	// held connection rather than through sql.TxOptions (database/sql has
	// no portable option for it).
	BeginClaim(ctx context.Context, db *sql.DB) (*ClaimTx, error)

	// NowExpr returns the SQL expression for the server's current UTC
	// time, suitable for interpolation into a query (never a literal
	// formatted Go-side time, so that all comparisons use one clock).
	NowExpr() string

	// UpsertClause returns the `ON CONFLICT (...) DO UPDATE SET ...`-style
	// clause (or engine equivalent) used by idempotent inserts (Inbox
	// arrival, migration-history recording).
	UpsertClause(conflictColumns []string, updateColumns []string) string
}

// ClaimTx wraps a single held connection inside a claim-strength
// transaction. It exposes the same Exec/Query surface callers need without
// leaking whether the dialect used BeginTx or a literal BEGIN statement.
type ClaimTx struct {
	conn *sql.Conn
	done bool
}

func (c *ClaimTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *ClaimTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *ClaimTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// Commit commits the underlying transaction and releases the connection.
func (c *ClaimTx) Commit(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	_, err := c.conn.ExecContext(ctx, "COMMIT")
	closeErr := c.conn.Close()
	if err != nil {
		return fmt.Errorf("dbsql: commit claim transaction: %w", err)
	}
	return closeErr
}

// Rollback rolls back the underlying transaction and releases the
// connection. Safe to call after a successful Commit (no-op).
func (c *ClaimTx) Rollback(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	closeErr := c.conn.Close()
	if err != nil {
		return fmt.Errorf("dbsql: rollback claim transaction: %w", err)
	}
	return closeErr
}

// SQLiteDialect is the Dialect for modernc.org/sqlite, the only database
// driver this module depends on today; SQL-family portability is still
// modeled through this interface for Postgres/SQL Server ports.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) BeginClaim(ctx context.Context, db *sql.DB) (*ClaimTx, error) {
	// database/sql's BeginTx has no portable option for SQLite's IMMEDIATE
	// lock mode, so it is issued as a literal statement against a single
	// held connection. BEGIN IMMEDIATE acquires the database's one write
	// lock up front: a second caller's BEGIN IMMEDIATE blocks (and, with
	// the busy_timeout PRAGMA set, waits) until this transaction commits
	// or rolls back, which rules out two claimants observing the same
	// Ready row as available.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbsql: acquire connection for claim transaction: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dbsql: begin immediate: %w", err)
	}
	return &ClaimTx{conn: conn}, nil
}

func (SQLiteDialect) NowExpr() string {
	return "strftime('%Y-%m-%dT%H:%M:%fZ','now')"
}

func (SQLiteDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	cols := joinCols(conflictColumns)
	sets := make([]byte, 0, 64)
	for i, c := range updateColumns {
		if i > 0 {
			sets = append(sets, ", "...)
		}
		sets = append(sets, c...)
		sets = append(sets, "=excluded."...)
		sets = append(sets, c...)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", cols, string(sets))
}

func joinCols(cols []string) string {
	out := make([]byte, 0, 32)
	for i, c := range cols {
		if i > 0 {
			out = append(out, ", "...)
		}
		out = append(out, c...)
	}
	return string(out)
}

// Store bundles an open database handle with the Dialect that knows how to
// drive it; every package in this module that touches storage takes a
// *Store rather than a bare *sql.DB.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// Config mirrors persistence/sqlite.Config; kept as its own type here so
// that non-SQLite dialects can be added later without this package
// importing driver-specific option types into its public surface.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sane defaults for a single-process worker.
func DefaultConfig(path string) Config {
	d := sqlite.DefaultConfig()
	return Config{Path: path, BusyTimeout: d.BusyTimeout, MaxOpenConns: d.MaxOpenConns}
}

// Open establishes a connection pool against the configured SQLite file and
// returns a Store bound to SQLiteDialect.
func Open(cfg Config) (*Store, error) {
	db, err := sqlite.Open(cfg.Path, sqlite.Config{BusyTimeout: cfg.BusyTimeout, MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, Dialect: SQLiteDialect{}}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// ServerNowUTC reads the database's own clock back through a round-trip
// query so that every caller comparing against a persisted row uses the
// same authoritative notion of "now" the row itself was stamped with.
func (s *Store) ServerNowUTC(ctx context.Context) (time.Time, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf("SELECT %s", s.Dialect.NowExpr()))
	var raw string
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("dbsql: server now: %w", err)
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("dbsql: parse server now %q: %w", raw, err)
	}
	return t.UTC(), nil
}
