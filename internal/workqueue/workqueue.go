// Package workqueue implements the claim/ack/abandon/fail/reap engine
// shared by every WorkItem-shaped table: Outbox, Inbox, Timers, and
// JobRuns. Each caller parameterizes a Queue with a TableSpec describing
// its table name, its ordering column, and any extra predicate (e.g.
// "dueTime ≤ serverNow" for Timers); the claim/ack/abandon/fail/reap
// statements themselves are written once here.
package workqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/metrics"
	"github.com/bravellian/platform/internal/substraterr"
)

// Status mirrors the WorkItem status enum.
type Status int

const (
	StatusReady Status = iota
	StatusInProgress
	StatusDone
	StatusFailed
)

// TableSpec describes one WorkItem-shaped table to the generic engine.
type TableSpec struct {
	// Table is the bare table name ("outbox", "timers", "job_runs", ...).
	Table string
	// OrderColumn is the column claim() orders eligible rows by
	// ("created_at" for Outbox, "due_time_utc" for Timers/JobRuns,
	// "last_seen_utc" for Inbox), ties broken by id.
	OrderColumn string
	// ExtraPredicate, if non-empty, is ANDed into the claim WHERE clause
	// verbatim (e.g. "due_time_utc IS NOT NULL AND due_time_utc <= ?" for
	// Timers, which additionally requires a due time to have arrived).
	ExtraPredicate string
	// ExtraPredicateArgs supplies any placeholder values ExtraPredicate
	// references, evaluated once per claim call alongside serverNow.
	ExtraPredicateArgs func(serverNow time.Time) []any
}

// Config controls retry/backoff behavior shared by every queue.
type Config struct {
	// MaxRetries is the retryCount ceiling after which abandon() becomes
	// fail() instead (ack-path becomes fail, default 10).
	MaxRetries int
	// MaxBackoff caps the exponential abandon backoff (default 60s).
	MaxBackoff time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 10, MaxBackoff: 60 * time.Second}
}

// Queue is the generic claim/ack/abandon/fail/reap engine bound to one
// TableSpec and storage Store. Every time comparison it makes reads the
// database's own clock back through Store.ServerNowUTC rather than the
// local process clock, so that skew between worker processes cannot
// corrupt claim or expiry semantics (clock discipline also
// documented in internal/clock).
type Queue struct {
	store *dbsql.Store
	spec  TableSpec
	cfg   Config
}

// New constructs a Queue bound to store and spec.
func New(store *dbsql.Store, spec TableSpec, cfg Config) *Queue {
	return &Queue{store: store, spec: spec, cfg: cfg}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(timeLayout)
}

// Claim atomically selects up to batchSize Ready rows eligible for work
// (lockedUntil null-or-past, dueTimeUtc null-or-past, plus any
// ExtraPredicate), transitions them to InProgress under ownerToken, and
// returns their ids in eligibility order. Implemented via BEGIN IMMEDIATE
// (dbsql.Dialect.BeginClaim) so two concurrent callers never claim the
// same row (skip-locked semantics).
func (q *Queue) Claim(ctx context.Context, ownerToken ids.OwnerToken, leaseSeconds int, batchSize int) ([]ids.WorkItemID, error) {
	if leaseSeconds <= 0 {
		return nil, substraterr.NewValidationError("leaseSeconds", "must be > 0")
	}
	if batchSize <= 0 {
		return nil, substraterr.NewValidationError("batchSize", "must be > 0")
	}

	serverNow, err := q.store.ServerNowUTC(ctx)
	if err != nil {
		return nil, substraterr.NewTransientStorageError("claim.server_now", err)
	}

	tx, err := q.store.Dialect.BeginClaim(ctx, q.store.DB)
	if err != nil {
		return nil, substraterr.NewTransientStorageError("claim.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	where := fmt.Sprintf(`status = %d AND (locked_until IS NULL OR locked_until <= ?)
		AND (due_time_utc IS NULL OR due_time_utc <= ?)`, StatusReady)
	args := []any{formatTime(serverNow), formatTime(serverNow)}
	if q.spec.ExtraPredicate != "" {
		where += " AND " + q.spec.ExtraPredicate
		if q.spec.ExtraPredicateArgs != nil {
			args = append(args, q.spec.ExtraPredicateArgs(serverNow)...)
		}
	}

	selectQuery := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY %s ASC, id ASC LIMIT ?`,
		q.spec.Table, where, q.spec.OrderColumn)
	rows, err := tx.QueryContext(ctx, selectQuery, append(args, batchSize)...)
	if err != nil {
		return nil, substraterr.NewTransientStorageError("claim.select", err)
	}

	var claimed []ids.WorkItemID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, substraterr.NewTransientStorageError("claim.scan", err)
		}
		id, err := ids.ParseWorkItemID(raw)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("workqueue: corrupt id in %s: %w", q.spec.Table, err)
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, substraterr.NewTransientStorageError("claim.rows", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, substraterr.NewTransientStorageError("claim.commit_empty", err)
		}
		committed = true
		return nil, nil
	}

	lockedUntil := formatTime(serverNow.Add(time.Duration(leaseSeconds) * time.Second))
	updateQuery := fmt.Sprintf(`UPDATE %s SET status = ?, owner_token = ?, locked_until = ? WHERE id = ?`, q.spec.Table)
	for _, id := range claimed {
		if _, err := tx.ExecContext(ctx, updateQuery, StatusInProgress, ownerToken.String(), lockedUntil, id.String()); err != nil {
			return nil, substraterr.NewTransientStorageError("claim.update", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, substraterr.NewTransientStorageError("claim.commit", err)
	}
	committed = true

	log.WithComponent("workqueue").Debug().
		Str("table", q.spec.Table).
		Int("claimed", len(claimed)).
		Str("owner_token", ownerToken.String()).
		Msg("claim")
	metrics.RecordClaim(q.spec.Table, len(claimed))

	return claimed, nil
}

// Ack transitions InProgress rows owned by ownerToken to Done. Rows not
// currently owned by ownerToken are silently skipped; the returned count
// reflects only rows actually affected (OwnerMismatch).
func (q *Queue) Ack(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	serverNow, err := q.store.ServerNowUTC(ctx)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("ack.server_now", err)
	}
	processedAt := formatTime(serverNow)
	var affected int
	for _, id := range itemIDs {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, owner_token = NULL, locked_until = NULL,
			processed_at = ?, processed_by = ?
			WHERE id = ? AND owner_token = ? AND status = ?`, q.spec.Table)
		res, err := q.store.DB.ExecContext(ctx, query, StatusDone, processedAt, ownerToken.String(),
			id.String(), ownerToken.String(), StatusInProgress)
		if err != nil {
			return affected, substraterr.NewTransientStorageError("ack.update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			log.WithComponent("workqueue").Warn().
				Str("table", q.spec.Table).
				Str("work_item_id", id.String()).
				Str("owner_token", ownerToken.String()).
				Msg("ack owner mismatch")
			continue
		}
		affected += int(n)
	}
	metrics.RecordAck(q.spec.Table, affected)
	return affected, nil
}

// Abandon transitions InProgress rows owned by ownerToken back to Ready,
// clearing ownership, incrementing retryCount, and scheduling
// nextAttemptAt via exponential backoff (min(2^retryCount, MaxBackoff)
// seconds) unless retryDelay overrides it. Rows whose retryCount would
// exceed cfg.MaxRetries are failed instead of abandoned.
func (q *Queue) Abandon(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	serverNow, err := q.store.ServerNowUTC(ctx)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("abandon.server_now", err)
	}

	var affected, reabandoned int
	for _, id := range itemIDs {
		var retryCount int
		row := q.store.DB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = ? AND owner_token = ? AND status = ?`, q.spec.Table),
			id.String(), ownerToken.String(), StatusInProgress)
		if err := row.Scan(&retryCount); err != nil {
			if err == sql.ErrNoRows {
				continue // owner mismatch, silently skip
			}
			return affected, substraterr.NewTransientStorageError("abandon.select", err)
		}

		nextRetryCount := retryCount + 1
		if nextRetryCount > q.cfg.MaxRetries {
			n, err := q.failOne(ctx, id, ownerToken, lastError)
			if err != nil {
				return affected, err
			}
			affected += n
			continue
		}

		delay := backoffDelay(nextRetryCount, q.cfg.MaxBackoff)
		if retryDelay != nil {
			delay = *retryDelay
		}
		nextAttempt := formatTime(serverNow.Add(delay))

		query := fmt.Sprintf(`UPDATE %s SET status = ?, owner_token = NULL, locked_until = NULL,
			retry_count = ?, last_error = ?, next_attempt_at = ?
			WHERE id = ? AND owner_token = ? AND status = ?`, q.spec.Table)
		res, err := q.store.DB.ExecContext(ctx, query,
			StatusReady, nextRetryCount, nullableString(lastError), nextAttempt,
			id.String(), ownerToken.String(), StatusInProgress)
		if err != nil {
			return affected, substraterr.NewTransientStorageError("abandon.update", err)
		}
		n, _ := res.RowsAffected()
		affected += int(n)
		reabandoned += int(n)
	}
	metrics.RecordAbandon(q.spec.Table, reabandoned)
	return affected, nil
}

// Fail transitions InProgress rows owned by ownerToken to Failed. Rows not
// currently owned are silently skipped.
func (q *Queue) Fail(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	var affected int
	for _, id := range itemIDs {
		n, err := q.failOne(ctx, id, ownerToken, reason)
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

func (q *Queue) failOne(ctx context.Context, id ids.WorkItemID, ownerToken ids.OwnerToken, reason string) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, owner_token = NULL, locked_until = NULL, last_error = ?
		WHERE id = ? AND owner_token = ? AND status = ?`, q.spec.Table)
	res, err := q.store.DB.ExecContext(ctx, query, StatusFailed, nullableString(reason), id.String(), ownerToken.String(), StatusInProgress)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("fail.update", err)
	}
	n, _ := res.RowsAffected()
	metrics.RecordFail(q.spec.Table, int(n))
	return int(n), nil
}

// ReapExpired resets any InProgress row whose lockedUntil has passed back
// to Ready, clearing ownership. Idempotent and safe to run concurrently
// with claimers.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	serverNow, err := q.store.ServerNowUTC(ctx)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("reap.server_now", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, owner_token = NULL, locked_until = NULL
		WHERE status = ? AND locked_until <= ?`, q.spec.Table)
	res, err := q.store.DB.ExecContext(ctx, query, StatusReady, StatusInProgress, formatTime(serverNow))
	if err != nil {
		return 0, substraterr.NewTransientStorageError("reap.update", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.WithComponent("workqueue").Info().
			Str("table", q.spec.Table).
			Int64("reaped", n).
			Msg("reap expired")
	}
	metrics.RecordReap(q.spec.Table, int(n))
	return int(n), nil
}

func backoffDelay(retryCount int, maxBackoff time.Duration) time.Duration {
	seconds := 1 << retryCount
	capSeconds := int(maxBackoff.Seconds())
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds) * time.Second
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
