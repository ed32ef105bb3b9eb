// Package inbox implements at-least-once arrival deduplication keyed by
// (messageId, source), plus a WorkQueue-shaped dispatch lifecycle
// identical to Outbox's: an inbox row is both a dedup
// ledger entry and a claimable unit of work.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/substraterr"
	"github.com/bravellian/platform/internal/workqueue"
)

// ComputeHash returns the content digest callers pass as Enqueue's hash
// parameter: a changed payload for the same (messageId, source) produces a
// different hash, so AlreadyProcessed can distinguish a genuine retry from
// a same-id message whose content actually changed.
func ComputeHash(payload string) string {
	return strconv.FormatUint(xxhash.Sum64String(payload), 16)
}

// ArrivalStatus is the dedup-ledger status, distinct from the WorkItem
// claim status a row also carries.
type ArrivalStatus string

const (
	Seen       ArrivalStatus = "Seen"
	Processing ArrivalStatus = "Processing"
	Done       ArrivalStatus = "Done"
	Dead       ArrivalStatus = "Dead"
)

// EnqueueResult reports whether the (messageId, source) pair already
// existed, and if so whether it was already in a terminal arrival state.
type EnqueueResult struct {
	WasNew         bool
	WasTerminal    bool
	PreviousStatus ArrivalStatus
}

// Config controls dispatch defaults, mirroring Outbox's.
type Config struct {
	LeaseSeconds int
	BatchSize    int
	workqueue.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{LeaseSeconds: 30, BatchSize: 50, Config: workqueue.DefaultConfig()}
}

// Inbox is the arrival-dedup + dispatch component bound to one store.
type Inbox struct {
	store *dbsql.Store
	queue *workqueue.Queue
	cfg   Config
}

// New binds an Inbox to store.
func New(store *dbsql.Store, cfg Config) *Inbox {
	spec := workqueue.TableSpec{Table: "inbox", OrderColumn: "last_seen_utc"}
	return &Inbox{store: store, queue: workqueue.New(store, spec, cfg.Config), cfg: cfg}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Millisecond).Format(timeLayout) }

// Enqueue records an arrival for (messageId, source) as a single atomic
// upsert, so two concurrent first-arrivals for the same pair can never
// both insert: one wins the INSERT, the other falls through to the ON
// CONFLICT branch and only bumps lastSeenUtc/attempts. A first-ever
// arrival inserts a new row with arrivalStatus=Seen, attempts=0, eligible
// for claim immediately (or at dueTimeUtc). A repeat arrival leaves
// arrivalStatus untouched; callers should consult WasTerminal to decide
// whether to skip reprocessing a message already Done or Dead.
func (ib *Inbox) Enqueue(ctx context.Context, messageID ids.MessageID, source, topic, payload string, hash string, dueTimeUtc time.Time) (EnqueueResult, error) {
	serverNow, err := ib.store.ServerNowUTC(ctx)
	if err != nil {
		return EnqueueResult{}, substraterr.NewTransientStorageError("inbox.enqueue.server_now", err)
	}

	id := ids.NewWorkItemID()
	var hashArg, dueArg any
	if hash != "" {
		hashArg = hash
	}
	if !dueTimeUtc.IsZero() {
		dueArg = formatTime(dueTimeUtc)
	}

	query := fmt.Sprintf(`
		INSERT INTO inbox (id, message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc,
			attempts, arrival_status, status, next_attempt_at, due_time_utc, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)
		%s, attempts = attempts + 1
		RETURNING arrival_status, attempts`,
		ib.store.Dialect.UpsertClause([]string{"message_id", "source"}, []string{"last_seen_utc"}))

	var existingStatus string
	var attempts int
	row := ib.store.DB.QueryRowContext(ctx, query,
		id.String(), messageID.String(), source, topic, payload, hashArg,
		formatTime(serverNow), formatTime(serverNow), string(Seen),
		formatTime(serverNow), dueArg, formatTime(serverNow))
	if err := row.Scan(&existingStatus, &attempts); err != nil {
		return EnqueueResult{}, substraterr.NewTransientStorageError("inbox.enqueue.upsert", err)
	}
	if attempts == 0 {
		return EnqueueResult{WasNew: true}, nil
	}

	status := ArrivalStatus(existingStatus)
	terminal := status == Done || status == Dead
	return EnqueueResult{WasNew: false, WasTerminal: terminal, PreviousStatus: status}, nil
}

// AlreadyProcessed reports whether (messageId, source) is already in a
// terminal arrival state, optionally also requiring the stored hash to
// match (a changed hash for the same messageId is treated as not yet
// processed, since the content differs).
func (ib *Inbox) AlreadyProcessed(ctx context.Context, messageID ids.MessageID, source string, hash string) (bool, error) {
	var status string
	var storedHash sql.NullString
	row := ib.store.DB.QueryRowContext(ctx,
		`SELECT arrival_status, hash FROM inbox WHERE message_id = ? AND source = ?`, messageID.String(), source)
	if err := row.Scan(&status, &storedHash); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, substraterr.NewTransientStorageError("inbox.already_processed", err)
	}
	terminal := ArrivalStatus(status) == Done || ArrivalStatus(status) == Dead
	if !terminal {
		return false, nil
	}
	if hash != "" && storedHash.Valid && storedHash.String != hash {
		return false, nil
	}
	return true, nil
}

func (ib *Inbox) setArrivalStatus(ctx context.Context, messageID ids.MessageID, status ArrivalStatus) error {
	_, err := ib.store.DB.ExecContext(ctx,
		`UPDATE inbox SET arrival_status = ? WHERE message_id = ?`, string(status), messageID.String())
	if err != nil {
		return substraterr.NewTransientStorageError("inbox.set_arrival_status", err)
	}
	return nil
}

// MarkProcessing transitions the arrival ledger entry to Processing.
func (ib *Inbox) MarkProcessing(ctx context.Context, messageID ids.MessageID) error {
	return ib.setArrivalStatus(ctx, messageID, Processing)
}

// MarkProcessed transitions the arrival ledger entry to Done.
func (ib *Inbox) MarkProcessed(ctx context.Context, messageID ids.MessageID) error {
	return ib.setArrivalStatus(ctx, messageID, Done)
}

// MarkDead transitions the arrival ledger entry to Dead: the message will
// never be processed successfully and repeat arrivals should be ignored.
func (ib *Inbox) MarkDead(ctx context.Context, messageID ids.MessageID) error {
	return ib.setArrivalStatus(ctx, messageID, Dead)
}

// Claim/Ack/Abandon/Fail/ReapExpired delegate to the generic WorkQueue
// engine over the inbox table's claim-shaped columns, identical to
// Outbox's dispatch lifecycle (identical lifecycle
// to Outbox").

func (ib *Inbox) Claim(ctx context.Context, ownerToken ids.OwnerToken) ([]ids.WorkItemID, error) {
	return ib.queue.Claim(ctx, ownerToken, ib.cfg.LeaseSeconds, ib.cfg.BatchSize)
}

func (ib *Inbox) Ack(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return ib.queue.Ack(ctx, ownerToken, itemIDs)
}

func (ib *Inbox) Abandon(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string) (int, error) {
	return ib.queue.Abandon(ctx, ownerToken, itemIDs, lastError, nil)
}

func (ib *Inbox) Fail(ctx context.Context, ownerToken ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return ib.queue.Fail(ctx, ownerToken, itemIDs, reason)
}

func (ib *Inbox) ReapExpired(ctx context.Context) (int, error) {
	return ib.queue.ReapExpired(ctx)
}

// DeadLetterEntry is one arrival-ledger row whose ArrivalStatus is Dead,
// surfaced for operator tooling. It is a read-only projection of the
// existing inbox row, not a new write path.
type DeadLetterEntry struct {
	MessageID  ids.MessageID
	Source     string
	Topic      string
	Payload    string
	Attempts   int
	RetryCount int
	LastError  string
}

// ListDeadLetters returns up to limit Dead-arrival rows, most recently
// seen first.
func (ib *Inbox) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ib.store.DB.QueryContext(ctx,
		`SELECT message_id, source, topic, payload, attempts, retry_count, last_error
		 FROM inbox WHERE arrival_status = ? ORDER BY last_seen_utc DESC LIMIT ?`,
		Dead, limit)
	if err != nil {
		return nil, substraterr.NewTransientStorageError("inbox.list_dead_letters", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var (
			messageIDRaw, source, topic, payload string
			attempts, retryCount                 int
			lastError                            sql.NullString
		)
		if err := rows.Scan(&messageIDRaw, &source, &topic, &payload, &attempts, &retryCount, &lastError); err != nil {
			return nil, substraterr.NewTransientStorageError("inbox.list_dead_letters.scan", err)
		}
		messageID, err := ids.ParseMessageID(messageIDRaw)
		if err != nil {
			return nil, fmt.Errorf("inbox: corrupt message_id: %w", err)
		}
		out = append(out, DeadLetterEntry{
			MessageID: messageID, Source: source, Topic: topic, Payload: payload,
			Attempts: attempts, RetryCount: retryCount, LastError: lastError.String,
		})
	}
	return out, rows.Err()
}
