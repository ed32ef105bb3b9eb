// Package semaphore implements a cluster-wide bounded-concurrency lock:
// up to `limit` holders for a given name may hold a child lease
// concurrently, each stamped with a fencing value strictly increasing per
// name. Unlike Lease, a semaphore has many simultaneous holders rather than
// one; the row it sits on (`semaphores`) only records the limit and the
// fencing counter, while each holder gets its own row in
// `semaphore_leases`.
package semaphore

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

// Status is the outcome of TryAcquire.
type Status int

const (
	// Acquired reports a new (or idempotently replayed) child lease was
	// granted.
	Acquired Status = iota
	// NotAcquired reports the semaphore exists but is at its limit.
	NotAcquired
	// NotFound reports the semaphore itself has never been created via
	// EnsureExists.
	NotFound
)

// AcquireResult reports the outcome of TryAcquire.
type AcquireResult struct {
	Status     Status
	Token      string
	Fencing    ids.FencingToken
	LeaseUntil time.Time
}

// Config bounds the ttl and limit values this Semaphore will accept,
// matching the configured limit.
type Config struct {
	MinTTL   time.Duration
	MaxTTL   time.Duration
	MaxLimit int
}

// DefaultConfig returns generous but finite bounds.
func DefaultConfig() Config {
	return Config{MinTTL: time.Second, MaxTTL: 24 * time.Hour, MaxLimit: 10_000}
}

// Semaphore is the store-backed bounded-concurrency primitive.
type Semaphore struct {
	db  *dbsql.Store
	cfg Config
}

// New binds a Semaphore to db with cfg.
func New(db *dbsql.Store, cfg Config) *Semaphore {
	return &Semaphore{db: db, cfg: cfg}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Millisecond).Format(timeLayout) }

// EnsureExists creates the semaphore row for name if absent. Calling it
// again with a different limit updates the limit in place without
// revoking any currently active holder.
func (s *Semaphore) EnsureExists(ctx context.Context, name ids.ResourceName, limit int) error {
	if limit < 1 || limit > s.cfg.MaxLimit {
		return substraterr.NewValidationError("limit", fmt.Sprintf("must be in [1, %d]", s.cfg.MaxLimit))
	}
	query := fmt.Sprintf("INSERT INTO semaphores (name, limit_count) VALUES (?, ?) %s",
		s.db.Dialect.UpsertClause([]string{"name"}, []string{"limit_count"}))
	_, err := s.db.DB.ExecContext(ctx, query, name.String(), limit)
	if err != nil {
		return substraterr.NewTransientStorageError("semaphore.ensure_exists", err)
	}
	return nil
}

// TryAcquire attempts to grant a holder slot for name. It atomically (a)
// deletes expired child leases, (b) computes the active count, (c) if the
// clientRequestId matches an already-active lease returns it unchanged
// (idempotent replay of the same request), (d) otherwise, if the active
// count is below the configured limit, allocates the next fencing value
// and inserts a new child lease.
func (s *Semaphore) TryAcquire(ctx context.Context, name ids.ResourceName, ttl time.Duration, ownerID string, clientRequestID string) (AcquireResult, error) {
	if ttl < s.cfg.MinTTL || ttl > s.cfg.MaxTTL {
		return AcquireResult{}, substraterr.NewValidationError("ttl", fmt.Sprintf("must be in [%s, %s]", s.cfg.MinTTL, s.cfg.MaxTTL))
	}

	serverNow, err := s.db.ServerNowUTC(ctx)
	if err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.server_now", err)
	}

	tx, err := s.db.Dialect.BeginClaim(ctx, s.db.DB)
	if err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var limit int
	row := tx.QueryRowContext(ctx, `SELECT limit_count FROM semaphores WHERE name = ?`, name.String())
	if err := row.Scan(&limit); err != nil {
		if err == sql.ErrNoRows {
			return AcquireResult{Status: NotFound}, nil
		}
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.select_semaphore", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM semaphore_leases WHERE name = ? AND lease_until_utc <= ?`,
		name.String(), formatTime(serverNow)); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.reap_expired", err)
	}

	if clientRequestID != "" {
		var token string
		var fencing int64
		var leaseUntilRaw string
		row := tx.QueryRowContext(ctx,
			`SELECT token, fencing, lease_until_utc FROM semaphore_leases
			 WHERE name = ? AND client_request_id = ? AND lease_until_utc > ?`,
			name.String(), clientRequestID, formatTime(serverNow))
		err := row.Scan(&token, &fencing, &leaseUntilRaw)
		if err != nil && err != sql.ErrNoRows {
			return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.select_idempotent", err)
		}
		if err == nil {
			leaseUntil, parseErr := time.Parse(timeLayout, leaseUntilRaw)
			if parseErr != nil {
				return AcquireResult{}, fmt.Errorf("semaphore: corrupt lease_until_utc: %w", parseErr)
			}
			if err := tx.Commit(ctx); err != nil {
				return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.commit_idempotent", err)
			}
			committed = true
			return AcquireResult{Status: Acquired, Token: token, Fencing: ids.FencingToken(fencing), LeaseUntil: leaseUntil}, nil
		}
	}

	var activeCount int
	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM semaphore_leases WHERE name = ? AND lease_until_utc > ?`,
		name.String(), formatTime(serverNow))
	if err := row.Scan(&activeCount); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.count_active", err)
	}

	if activeCount >= limit {
		if err := tx.Commit(ctx); err != nil {
			return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.commit_full", err)
		}
		committed = true
		metrics.RecordSemaphoreRejection(name.String())
		return AcquireResult{Status: NotAcquired}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE semaphores SET next_fencing_counter = next_fencing_counter + 1 WHERE name = ?`, name.String()); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.bump_fencing", err)
	}
	var fencing int64
	row = tx.QueryRowContext(ctx, `SELECT next_fencing_counter FROM semaphores WHERE name = ?`, name.String())
	if err := row.Scan(&fencing); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.select_fencing", err)
	}

	token := ids.NewOwnerToken().String()
	leaseUntil := serverNow.Add(ttl)
	var crid any
	if clientRequestID != "" {
		crid = clientRequestID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO semaphore_leases (name, token, fencing, owner_id, lease_until_utc, client_request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name.String(), token, fencing, ownerID, formatTime(leaseUntil), crid); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("semaphore.try_acquire.commit", err)
	}
	committed = true

	log.WithComponent("semaphore").Info().
		Str("semaphore_name", name.String()).
		Str("owner_token", ownerID).
		Int64("fencing_token", fencing).
		Msg("semaphore lease acquired")

	return AcquireResult{Status: Acquired, Token: token, Fencing: ids.FencingToken(fencing), LeaseUntil: leaseUntil}, nil
}

// Renew extends leaseUntilUtc for token iff it exists and has not expired.
func (s *Semaphore) Renew(ctx context.Context, name ids.ResourceName, token string, ttl time.Duration) (bool, error) {
	serverNow, err := s.db.ServerNowUTC(ctx)
	if err != nil {
		return false, substraterr.NewTransientStorageError("semaphore.renew.server_now", err)
	}
	newUntil := serverNow.Add(ttl)
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE semaphore_leases SET lease_until_utc = ? WHERE name = ? AND token = ? AND lease_until_utc > ?`,
		formatTime(newUntil), name.String(), token, formatTime(serverNow))
	if err != nil {
		return false, substraterr.NewTransientStorageError("semaphore.renew", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Release deletes the child lease for token, freeing its slot.
func (s *Semaphore) Release(ctx context.Context, name ids.ResourceName, token string) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM semaphore_leases WHERE name = ? AND token = ?`, name.String(), token)
	if err != nil {
		return substraterr.NewTransientStorageError("semaphore.release", err)
	}
	return nil
}

// ReapExpired deletes every child lease across all semaphores whose
// leaseUntilUtc has already passed, in one statement; intended to be
// called on a fixed cadence by a background reaper.
func (s *Semaphore) ReapExpired(ctx context.Context) (int, error) {
	serverNow, err := s.db.ServerNowUTC(ctx)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("semaphore.reap.server_now", err)
	}
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM semaphore_leases WHERE lease_until_utc <= ?`, formatTime(serverNow))
	if err != nil {
		return 0, substraterr.NewTransientStorageError("semaphore.reap", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.WithComponent("semaphore").Info().Int64("reaped", n).Msg("semaphore leases reaped")
	}
	return int(n), nil
}
