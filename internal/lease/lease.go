// Package lease implements a DB-authoritative mutual-exclusion lock with
// strictly monotonic fencing tokens. The database row, not any in-memory
// state, is the source of truth: two processes racing to acquire the same
// resourceName are serialized by Dialect.BeginClaim's writer transaction
// (the row's version stamp is bumped on every change but never compared),
// and every successful acquire or renew hands back a fencing
// token a holder can present to a downstream system to reject stale writes.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/substraterr"
)

// AcquireResult reports the outcome of Store.Acquire.
type AcquireResult struct {
	Acquired     bool
	LeaseUntil   time.Time
	FencingToken ids.FencingToken
	ServerNowUTC time.Time
}

// RenewResult reports the outcome of Store.Renew.
type RenewResult struct {
	Renewed      bool
	LeaseUntil   time.Time
	ServerNowUTC time.Time
}

// Store is the low-level, stateless lease table access. It performs no
// scheduling or background renewal of its own; Manager builds that on top.
type Store struct {
	db *dbsql.Store
}

// NewStore binds a Store to db.
func NewStore(db *dbsql.Store) *Store {
	return &Store{db: db}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Millisecond).Format(timeLayout) }

func parseNullableTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s.String)
}

// Acquire acquires the lease for name on behalf of owner for duration,
// succeeding iff no current holder exists (leaseUntil null or ≤ server now)
// or owner is already the current holder. Every acquire that changes
// ownership increments the row's fencing counter, so a new holder's token
// is strictly greater than any previously issued for name; a re-acquire by
// the current holder keeps its existing token.
func (s *Store) Acquire(ctx context.Context, name ids.ResourceName, owner ids.OwnerToken, duration time.Duration) (AcquireResult, error) {
	if duration <= 0 {
		return AcquireResult{}, substraterr.NewValidationError("duration", "must be > 0")
	}

	serverNow, err := s.db.ServerNowUTC(ctx)
	if err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.server_now", err)
	}

	tx, err := s.db.Dialect.BeginClaim(ctx, s.db.DB)
	if err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		existingOwner sql.NullString
		leaseUntilRaw sql.NullString
		fencing       ids.FencingToken
	)
	row := tx.QueryRowContext(ctx,
		`SELECT owner_token, lease_until, fencing_token FROM leases WHERE resource_name = ?`, name.String())
	err = row.Scan(&existingOwner, &leaseUntilRaw, &fencing)
	switch {
	case err == sql.ErrNoRows:
		// First-ever acquire for this resource.
		newUntil := serverNow.Add(duration)
		newFencing := ids.FencingToken(1)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO leases (resource_name, owner_token, lease_until, fencing_token, version)
			 VALUES (?, ?, ?, ?, 1)`,
			name.String(), owner.String(), formatTime(newUntil), int64(newFencing)); err != nil {
			return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.insert", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.commit", err)
		}
		committed = true
		return AcquireResult{Acquired: true, LeaseUntil: newUntil, FencingToken: newFencing, ServerNowUTC: serverNow}, nil
	case err != nil:
		return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.select", err)
	}

	leaseUntil, err := parseNullableTime(leaseUntilRaw)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("lease: corrupt lease_until for %s: %w", name, err)
	}

	held := existingOwner.Valid && existingOwner.String != "" && leaseUntil.After(serverNow)
	sameOwner := existingOwner.Valid && existingOwner.String == owner.String()

	if held && !sameOwner {
		if err := tx.Commit(ctx); err != nil {
			return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.commit_noop", err)
		}
		committed = true
		return AcquireResult{Acquired: false, ServerNowUTC: serverNow}, nil
	}

	newUntil := serverNow.Add(duration)
	newFencing := fencing
	if !sameOwner {
		newFencing = fencing + 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET owner_token = ?, lease_until = ?, fencing_token = ?, version = version + 1
		 WHERE resource_name = ?`,
		owner.String(), formatTime(newUntil), int64(newFencing), name.String()); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AcquireResult{}, substraterr.NewTransientStorageError("lease.acquire.commit", err)
	}
	committed = true

	return AcquireResult{Acquired: true, LeaseUntil: newUntil, FencingToken: newFencing, ServerNowUTC: serverNow}, nil
}

// Renew extends leaseUntil to serverNow+duration iff owner currently holds
// the lease and it has not already expired. A renewal that arrives after
// expiry (or targeting a resource owned by someone else) reports Renewed =
// false; the caller has lost the lease and must not continue to act as its
// holder.
func (s *Store) Renew(ctx context.Context, name ids.ResourceName, owner ids.OwnerToken, duration time.Duration) (RenewResult, error) {
	if duration <= 0 {
		return RenewResult{}, substraterr.NewValidationError("duration", "must be > 0")
	}

	serverNow, err := s.db.ServerNowUTC(ctx)
	if err != nil {
		return RenewResult{}, substraterr.NewTransientStorageError("lease.renew.server_now", err)
	}

	var leaseUntilRaw sql.NullString
	row := s.db.DB.QueryRowContext(ctx, `SELECT lease_until FROM leases WHERE resource_name = ? AND owner_token = ?`,
		name.String(), owner.String())
	if err := row.Scan(&leaseUntilRaw); err != nil {
		if err == sql.ErrNoRows {
			return RenewResult{Renewed: false, ServerNowUTC: serverNow}, nil
		}
		return RenewResult{}, substraterr.NewTransientStorageError("lease.renew.select", err)
	}

	leaseUntil, err := parseNullableTime(leaseUntilRaw)
	if err != nil {
		return RenewResult{}, fmt.Errorf("lease: corrupt lease_until for %s: %w", name, err)
	}
	if !leaseUntil.After(serverNow) {
		return RenewResult{Renewed: false, ServerNowUTC: serverNow}, nil
	}

	newUntil := serverNow.Add(duration)
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE leases SET lease_until = ?, version = version + 1 WHERE resource_name = ? AND owner_token = ? AND lease_until > ?`,
		formatTime(newUntil), name.String(), owner.String(), formatTime(serverNow))
	if err != nil {
		return RenewResult{}, substraterr.NewTransientStorageError("lease.renew.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return RenewResult{Renewed: false, ServerNowUTC: serverNow}, nil
	}
	return RenewResult{Renewed: true, LeaseUntil: newUntil, ServerNowUTC: serverNow}, nil
}

// Release clears ownership iff owner currently holds the lease. Releasing a
// lease already lost to another owner is a silent no-op: the caller no
// longer has anything to relinquish.
func (s *Store) Release(ctx context.Context, name ids.ResourceName, owner ids.OwnerToken) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE leases SET owner_token = NULL, lease_until = NULL, version = version + 1
		 WHERE resource_name = ? AND owner_token = ?`,
		name.String(), owner.String())
	if err != nil {
		return substraterr.NewTransientStorageError("lease.release", err)
	}
	return nil
}

// FencingTokenOf returns the current fencing token recorded for name,
// regardless of who (if anyone) currently holds it.
func (s *Store) FencingTokenOf(ctx context.Context, name ids.ResourceName) (ids.FencingToken, error) {
	var fencing int64
	row := s.db.DB.QueryRowContext(ctx, `SELECT fencing_token FROM leases WHERE resource_name = ?`, name.String())
	if err := row.Scan(&fencing); err != nil {
		if err == sql.ErrNoRows {
			return 0, substraterr.NewNotFound("lease", name.String())
		}
		return 0, substraterr.NewTransientStorageError("lease.fencing_token_of", err)
	}
	return ids.FencingToken(fencing), nil
}
