// Package schema owns the DDL for every table the substrate's components
// read and write, and the idempotent apply/history bookkeeping that lets a
// process call EnsureSchema on every startup without duplicating work.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/google/renameio/v2"

	"github.com/bravellian/platform/internal/log"
)

// Module names recorded in schema_history, one per logical table group.
const (
	ModuleWorkQueue = "workqueue" // outbox, inbox, timers, job_definitions, job_runs
	ModuleLease     = "lease"
	ModuleSemaphore = "semaphore"
	ModuleJoin      = "join"
	ModuleFanout    = "fanout"
	ModuleDispatch  = "dispatch"
	ModuleScheduler = "scheduler"
)

// CurrentVersion is the schema_history version this build's DDL produces.
// Bump it whenever a statement in Statements changes in a way that isn't
// itself idempotent (e.g. a column rename, not an added IF NOT EXISTS
// table).
const CurrentVersion = 1

// Statements holds the full set of CREATE TABLE/INDEX statements, applied
// in order inside a single transaction. Every statement is written
// idempotently (IF NOT EXISTS) so EnsureSchema is safe to call on every
// process startup.
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS schema_history (
		module          TEXT PRIMARY KEY,
		version         INTEGER NOT NULL,
		applied_at_utc  TEXT NOT NULL
	)`,

	// --- Lease -------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS leases (
		resource_name   TEXT PRIMARY KEY,
		owner_token     TEXT,
		lease_until     TEXT,
		fencing_token   INTEGER NOT NULL DEFAULT 0,
		context_json    TEXT,
		version         INTEGER NOT NULL DEFAULT 0
	)`,

	// --- Semaphore -----------------------------------------------------
	`CREATE TABLE IF NOT EXISTS semaphores (
		name                  TEXT PRIMARY KEY,
		limit_count           INTEGER NOT NULL,
		next_fencing_counter  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS semaphore_leases (
		name              TEXT NOT NULL,
		token             TEXT NOT NULL,
		fencing           INTEGER NOT NULL,
		owner_id          TEXT NOT NULL,
		lease_until_utc   TEXT NOT NULL,
		client_request_id TEXT,
		PRIMARY KEY (name, token)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_semaphore_leases_name_client
		ON semaphore_leases (name, client_request_id)`,

	// --- Outbox ----------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS outbox (
		id                TEXT PRIMARY KEY,
		message_id        TEXT NOT NULL,
		topic             TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '',
		correlation_id    TEXT,
		status            INTEGER NOT NULL DEFAULT 0,
		locked_until      TEXT,
		owner_token       TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		next_attempt_at   TEXT NOT NULL,
		due_time_utc      TEXT,
		created_at        TEXT NOT NULL,
		processed_at      TEXT,
		processed_by      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_claimable
		ON outbox (status, due_time_utc, next_attempt_at)`,

	// --- Inbox ---------------------------------------------------------
	// Inbox rows are dual-purpose: (message_id, source) is the arrival
	// dedup identity (arrival_status tracks Seen/Processing/Done/Dead),
	// while id/topic/payload/status/locked_until/owner_token/retry_count/
	// next_attempt_at/due_time_utc/created_at/processed_at/processed_by
	// give every row the WorkItem shape internal/workqueue's generic
	// claim/ack/abandon/fail/reap engine requires for dispatch.
	`CREATE TABLE IF NOT EXISTS inbox (
		id                TEXT PRIMARY KEY,
		message_id        TEXT NOT NULL,
		source            TEXT NOT NULL,
		topic             TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '',
		hash              TEXT,
		first_seen_utc    TEXT NOT NULL,
		last_seen_utc     TEXT NOT NULL,
		attempts          INTEGER NOT NULL DEFAULT 0,
		arrival_status    TEXT NOT NULL DEFAULT 'Seen',
		status            INTEGER NOT NULL DEFAULT 0,
		locked_until      TEXT,
		owner_token       TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		next_attempt_at   TEXT NOT NULL,
		due_time_utc      TEXT,
		created_at        TEXT NOT NULL,
		processed_at      TEXT,
		processed_by      TEXT,
		UNIQUE (message_id, source)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_claimable
		ON inbox (status, due_time_utc, next_attempt_at)`,

	// --- Scheduler: Timers + Jobs -------------------------------------
	`CREATE TABLE IF NOT EXISTS timers (
		id                TEXT PRIMARY KEY,
		topic             TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '',
		status            INTEGER NOT NULL DEFAULT 0,
		locked_until      TEXT,
		owner_token       TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		next_attempt_at   TEXT NOT NULL,
		due_time_utc      TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		processed_at      TEXT,
		processed_by      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timers_claimable
		ON timers (status, due_time_utc)`,

	`CREATE TABLE IF NOT EXISTS job_definitions (
		job_name       TEXT PRIMARY KEY,
		topic          TEXT NOT NULL,
		cron_schedule  TEXT NOT NULL,
		payload        TEXT NOT NULL DEFAULT '',
		is_enabled     INTEGER NOT NULL DEFAULT 1,
		next_due_time  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_runs (
		id                TEXT PRIMARY KEY,
		job_name          TEXT NOT NULL,
		topic             TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '',
		status            INTEGER NOT NULL DEFAULT 0,
		locked_until      TEXT,
		owner_token       TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		next_attempt_at   TEXT NOT NULL,
		due_time_utc      TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		processed_at      TEXT,
		processed_by      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_runs_claimable
		ON job_runs (status, due_time_utc)`,
	`CREATE TABLE IF NOT EXISTS scheduler_state (
		id                    INTEGER PRIMARY KEY CHECK (id = 1),
		current_fencing_token INTEGER NOT NULL DEFAULT 0
	)`,

	// --- Join ----------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS joins (
		join_id         TEXT PRIMARY KEY,
		grouping_key    TEXT,
		expected_steps  INTEGER NOT NULL,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		failed_steps    INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'Pending',
		metadata        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS join_members (
		join_id           TEXT NOT NULL,
		outbox_message_id TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'Pending',
		PRIMARY KEY (join_id, outbox_message_id)
	)`,

	// --- Fanout ----------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS fanout_policies (
		policy_name       TEXT PRIMARY KEY,
		source_topic      TEXT NOT NULL,
		destination_topics TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fanout_cursors (
		policy_name            TEXT PRIMARY KEY,
		last_position          INTEGER NOT NULL DEFAULT 0,
		current_fencing_token  INTEGER NOT NULL DEFAULT 0
	)`,
	// fanout_expansions is the dedup ledger keyed by (sourceId, destinationKey)
	// A source row re-expanded after a crash must not
	// produce a destination row it already produced.
	`CREATE TABLE IF NOT EXISTS fanout_expansions (
		source_id        TEXT NOT NULL,
		destination_key  TEXT NOT NULL,
		PRIMARY KEY (source_id, destination_key)
	)`,
}

// Option configures optional EnsureSchema behavior beyond applying DDL.
type Option func(*ensureOptions)

type ensureOptions struct {
	markerPath string
}

// WithLocalMarker records CurrentVersion to a local file after a
// successful EnsureSchema, written atomically via renameio (write to a
// temp file, fsync, rename) so a crash mid-write never leaves a torn
// marker behind. The database's schema_history table remains the source
// of truth; the marker only lets a caller check the last-applied version
// without a round trip when the database is unreachable (e.g. at process
// start, before a connection pool exists).
func WithLocalMarker(path string) Option {
	return func(o *ensureOptions) { o.markerPath = path }
}

// EnsureSchema applies every DDL statement in Statements inside a single
// transaction, then records (or refreshes) the schema_history row for
// each module at CurrentVersion. Safe to call on every process startup.
func EnsureSchema(ctx context.Context, db *sql.DB, opts ...Option) error {
	var o ensureOptions
	for _, opt := range opts {
		opt(&o)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: apply statement failed: %w\n%s", err, stmt)
		}
	}

	modules := []string{
		ModuleWorkQueue, ModuleLease, ModuleSemaphore,
		ModuleJoin, ModuleFanout, ModuleDispatch, ModuleScheduler,
	}
	for _, m := range modules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_history (module, version, applied_at_utc)
			VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT (module) DO UPDATE SET
				version = excluded.version,
				applied_at_utc = excluded.applied_at_utc
		`, m, CurrentVersion); err != nil {
			return fmt.Errorf("schema: record history for %s: %w", m, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: commit: %w", err)
	}

	if o.markerPath != "" {
		if err := renameio.WriteFile(o.markerPath, []byte(strconv.Itoa(CurrentVersion)), 0o644); err != nil {
			log.WithComponent("schema").Warn().Err(err).Str("path", o.markerPath).Msg("failed to write local schema version marker")
		}
	}

	log.WithComponent("schema").Info().
		Int("version", CurrentVersion).
		Msg("schema ensured")

	return nil
}

// LocalMarkerVersion reads the schema version last recorded by
// WithLocalMarker, or (0, false) if no marker file exists at path yet.
func LocalMarkerVersion(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("schema: read local marker: %w", err)
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false, fmt.Errorf("schema: parse local marker: %w", err)
	}
	return v, true, nil
}

// VersionOf returns the applied schema version for module, or (0, false)
// if the module has never had EnsureSchema run for it.
func VersionOf(ctx context.Context, db *sql.DB, module string) (int, bool, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_history WHERE module = ?`, module).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema: version of %s: %w", module, err)
	}
	return version, true, nil
}
