// Package outbox implements the transactional-outbox writer and dispatcher:
// producers enqueue rows inside their own business transaction (or a fresh
// one), and a background dispatcher claims, hands them to a handler keyed
// by topic, and ack/abandons/fails them via the generic workqueue engine.
// Ack additionally advances any Join this row is a member of, atomically
// with the row's own status transition.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/substraterr"
	"github.com/bravellian/platform/internal/workqueue"
)

// Execer is the subset of *sql.Tx / *sql.DB an in-flight caller transaction
// exposes; Enqueue accepts one so a row can be inserted as part of a
// broader business transaction without this package knowing its shape.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Message is the row handed to a registered Handler for one topic.
type Message struct {
	ID            ids.WorkItemID
	MessageID     ids.MessageID
	Topic         ids.Topic
	Payload       string
	CorrelationID string
	RetryCount    int
}

// Handler processes one claimed Message. Returning an error (or a
// substraterr.HandlerError wrapping one) causes the dispatcher to abandon
// the row with backoff; returning nil acks it.
type Handler func(ctx context.Context, msg Message) error

// JoinHook lets the join component observe Outbox ack/fail without this
// package importing it back: Outbox calls OnAck/OnFail inside the same
// transaction as the row's own status update.
type JoinHook interface {
	OnAck(ctx context.Context, tx *sql.Tx, outboxMessageID string) error
	OnFail(ctx context.Context, tx *sql.Tx, outboxMessageID string) error
}

// Config controls dispatch defaults.
type Config struct {
	LeaseSeconds    int
	BatchSize       int
	RetentionWindow time.Duration
	workqueue.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		LeaseSeconds:    30,
		BatchSize:       50,
		RetentionWindow: 7 * 24 * time.Hour,
		Config:          workqueue.DefaultConfig(),
	}
}

// Outbox is the writer + dispatcher bound to one store.
type Outbox struct {
	store *dbsql.Store
	queue *workqueue.Queue
	cfg   Config

	mu       sync.RWMutex
	handlers map[ids.Topic]Handler
	joinHook JoinHook
}

// New binds an Outbox to store.
func New(store *dbsql.Store, cfg Config) *Outbox {
	spec := workqueue.TableSpec{Table: "outbox", OrderColumn: "created_at"}
	return &Outbox{
		store:    store,
		queue:    workqueue.New(store, spec, cfg.Config),
		cfg:      cfg,
		handlers: make(map[ids.Topic]Handler),
	}
}

// SetJoinHook wires in the join component's ack/fail observer. Called once
// at startup; nil is a valid value meaning "no join integration".
func (o *Outbox) SetJoinHook(hook JoinHook) { o.joinHook = hook }

// RegisterHandler binds topic to h, replacing any previous registration.
func (o *Outbox) RegisterHandler(topic ids.Topic, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[topic] = h
}

func (o *Outbox) handlerFor(topic ids.Topic) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[topic]
	return h, ok
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Millisecond).Format(timeLayout) }

// Enqueue inserts a new Outbox row. If tx is non-nil the insert
// participates in the caller's transaction without committing it;
// otherwise a fresh single-statement write is issued. dueTimeUtc being the
// zero value means immediate eligibility.
func (o *Outbox) Enqueue(ctx context.Context, tx Execer, topic ids.Topic, payload, correlationID string, dueTimeUtc time.Time) (ids.MessageID, error) {
	serverNow, err := o.store.ServerNowUTC(ctx)
	if err != nil {
		return ids.MessageID{}, substraterr.NewTransientStorageError("outbox.enqueue.server_now", err)
	}

	id := ids.NewWorkItemID()
	messageID := ids.NewMessageID()
	var due any
	if !dueTimeUtc.IsZero() {
		due = formatTime(dueTimeUtc)
	}
	var corr any
	if correlationID != "" {
		corr = correlationID
	}

	execer := tx
	if execer == nil {
		execer = o.store.DB
	}

	_, err = execer.ExecContext(ctx, `
		INSERT INTO outbox (id, message_id, topic, payload, correlation_id, status, next_attempt_at, due_time_utc, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id.String(), messageID.String(), topic.String(), payload, corr,
		formatTime(serverNow), due, formatTime(serverNow))
	if err != nil {
		return ids.MessageID{}, substraterr.NewTransientStorageError("outbox.enqueue.insert", err)
	}

	return messageID, nil
}

// Dispatch claims one batch, invokes the registered handler for each row's
// topic, and ack/abandons/fails according to the handler's outcome. It
// returns the number of rows claimed.
func (o *Outbox) Dispatch(ctx context.Context, ownerToken ids.OwnerToken) (int, error) {
	leaseSeconds := o.cfg.LeaseSeconds
	batchSize := o.cfg.BatchSize

	claimed, err := o.queue.Claim(ctx, ownerToken, leaseSeconds, batchSize)
	if err != nil {
		return 0, err
	}

	// abandonOrFail abandons id with backoff, or, once its retry count would
	// pass MaxRetries, fails it through Fail so a registered JoinHook sees it.
	abandonOrFail := func(id ids.WorkItemID, retryCount int, lastError string) error {
		if retryCount+1 > o.cfg.MaxRetries {
			_, err := o.Fail(ctx, ownerToken, id, lastError)
			return err
		}
		_, err := o.queue.Abandon(ctx, ownerToken, []ids.WorkItemID{id}, lastError, nil)
		return err
	}

	for _, id := range claimed {
		msg, err := o.load(ctx, id)
		if err != nil {
			log.WithComponent("outbox").Error().Err(err).Str("work_item_id", id.String()).Msg("failed to load claimed row")
			continue
		}

		handler, ok := o.handlerFor(msg.Topic)
		if !ok {
			log.WithComponent("outbox").Warn().Str("topic", msg.Topic.String()).Msg("no handler registered for topic")
			if err := abandonOrFail(id, msg.RetryCount, "no handler registered"); err != nil {
				log.WithComponent("outbox").Error().Err(err).Msg("failed to abandon unhandled row")
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			handlerErr := substraterr.NewHandlerError(msg.Topic.String(), err)
			if abandonErr := abandonOrFail(id, msg.RetryCount, handlerErr.Error()); abandonErr != nil {
				log.WithComponent("outbox").Error().Err(abandonErr).Msg("failed to abandon row after handler error")
			}
			continue
		}

		if _, err := o.Ack(ctx, ownerToken, id); err != nil {
			log.WithComponent("outbox").Error().Err(err).Str("work_item_id", id.String()).Msg("failed to ack row")
		}
	}

	return len(claimed), nil
}

func (o *Outbox) load(ctx context.Context, id ids.WorkItemID) (Message, error) {
	var (
		messageIDRaw string
		topicRaw     string
		payload      string
		correlation  sql.NullString
		retryCount   int
	)
	row := o.store.DB.QueryRowContext(ctx,
		`SELECT message_id, topic, payload, correlation_id, retry_count FROM outbox WHERE id = ?`, id.String())
	if err := row.Scan(&messageIDRaw, &topicRaw, &payload, &correlation, &retryCount); err != nil {
		return Message{}, substraterr.NewTransientStorageError("outbox.load", err)
	}
	messageID, err := ids.ParseMessageID(messageIDRaw)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: corrupt message_id: %w", err)
	}
	topic, err := ids.NewTopic(topicRaw)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: corrupt topic: %w", err)
	}
	return Message{
		ID: id, MessageID: messageID, Topic: topic, Payload: payload,
		CorrelationID: correlation.String, RetryCount: retryCount,
	}, nil
}

// Ack transitions one InProgress row owned by ownerToken to Done and, if a
// JoinHook is registered, atomically advances any Join member row
// referencing it in the same transaction. Returns false if the row
// was not owned by ownerToken (silent no-op).
func (o *Outbox) Ack(ctx context.Context, ownerToken ids.OwnerToken, id ids.WorkItemID) (bool, error) {
	return o.finish(ctx, ownerToken, id, workqueue.StatusDone, "")
}

// Fail transitions one InProgress row owned by ownerToken to Failed,
// advancing any Join member's failedSteps in the same transaction.
func (o *Outbox) Fail(ctx context.Context, ownerToken ids.OwnerToken, id ids.WorkItemID, reason string) (bool, error) {
	return o.finish(ctx, ownerToken, id, workqueue.StatusFailed, reason)
}

func (o *Outbox) finish(ctx context.Context, ownerToken ids.OwnerToken, id ids.WorkItemID, status workqueue.Status, reason string) (bool, error) {
	serverNow, err := o.store.ServerNowUTC(ctx)
	if err != nil {
		return false, substraterr.NewTransientStorageError("outbox.finish.server_now", err)
	}

	tx, err := o.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, substraterr.NewTransientStorageError("outbox.finish.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var messageIDRaw string
	row := tx.QueryRowContext(ctx, `SELECT message_id FROM outbox WHERE id = ? AND owner_token = ? AND status = ?`,
		id.String(), ownerToken.String(), workqueue.StatusInProgress)
	if err := row.Scan(&messageIDRaw); err != nil {
		if err == sql.ErrNoRows {
			if err := tx.Commit(); err != nil {
				return false, substraterr.NewTransientStorageError("outbox.finish.commit_noop", err)
			}
			committed = true
			return false, nil // owner mismatch or already terminal; silent no-op
		}
		return false, substraterr.NewTransientStorageError("outbox.finish.select", err)
	}

	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = ?, owner_token = NULL, locked_until = NULL,
		 processed_at = ?, processed_by = ?, last_error = ?
		 WHERE id = ? AND owner_token = ? AND status = ?`,
		status, formatTime(serverNow), ownerToken.String(), reasonArg,
		id.String(), ownerToken.String(), workqueue.StatusInProgress)
	if err != nil {
		return false, substraterr.NewTransientStorageError("outbox.finish.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if err := tx.Commit(); err != nil {
			return false, substraterr.NewTransientStorageError("outbox.finish.commit_noop", err)
		}
		committed = true
		return false, nil
	}

	if o.joinHook != nil {
		var hookErr error
		if status == workqueue.StatusDone {
			hookErr = o.joinHook.OnAck(ctx, tx, messageIDRaw)
		} else {
			hookErr = o.joinHook.OnFail(ctx, tx, messageIDRaw)
		}
		if hookErr != nil {
			return false, fmt.Errorf("outbox: join hook: %w", hookErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, substraterr.NewTransientStorageError("outbox.finish.commit", err)
	}
	committed = true
	return true, nil
}

// Abandon reverts a claimed row to Ready with backoff, delegating directly
// to the generic workqueue engine (no Join interaction on abandon, only on
// terminal ack/fail).
func (o *Outbox) Abandon(ctx context.Context, ownerToken ids.OwnerToken, id ids.WorkItemID, lastError string) (bool, error) {
	n, err := o.queue.Abandon(ctx, ownerToken, []ids.WorkItemID{id}, lastError, nil)
	return n > 0, err
}

// ReapExpired resets any row whose lease has passed back to Ready.
func (o *Outbox) ReapExpired(ctx context.Context) (int, error) {
	return o.queue.ReapExpired(ctx)
}

// DeleteOldDone removes Done rows whose processedAt is older than
// RetentionWindow, in one statement.
func (o *Outbox) DeleteOldDone(ctx context.Context) (int, error) {
	serverNow, err := o.store.ServerNowUTC(ctx)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("outbox.delete_old_done.server_now", err)
	}
	cutoff := formatTime(serverNow.Add(-o.cfg.RetentionWindow))
	res, err := o.store.DB.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = ? AND processed_at IS NOT NULL AND processed_at <= ?`,
		workqueue.StatusDone, cutoff)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("outbox.delete_old_done", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeadLetterEntry is one Failed outbox row, surfaced for operator tooling.
// This package has no separate dead-letter table: a row that exhausted its
// retries is simply a Failed row, and DeadLetterEntry is a read-only
// projection of it, not a new write path.
type DeadLetterEntry struct {
	ID            ids.WorkItemID
	MessageID     ids.MessageID
	Topic         ids.Topic
	Payload       string
	CorrelationID string
	RetryCount    int
	LastError     string
}

// ListDeadLetters returns up to limit Failed rows, most recently processed
// first, for an operator inspecting why messages stopped moving.
func (o *Outbox) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.store.DB.QueryContext(ctx,
		`SELECT id, message_id, topic, payload, correlation_id, retry_count, last_error
		 FROM outbox WHERE status = ? ORDER BY processed_at DESC LIMIT ?`,
		workqueue.StatusFailed, limit)
	if err != nil {
		return nil, substraterr.NewTransientStorageError("outbox.list_dead_letters", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var (
			idRaw, messageIDRaw, topicRaw string
			payload                       string
			correlation, lastError        sql.NullString
			retryCount                    int
		)
		if err := rows.Scan(&idRaw, &messageIDRaw, &topicRaw, &payload, &correlation, &retryCount, &lastError); err != nil {
			return nil, substraterr.NewTransientStorageError("outbox.list_dead_letters.scan", err)
		}
		id, err := ids.ParseWorkItemID(idRaw)
		if err != nil {
			return nil, fmt.Errorf("outbox: corrupt id: %w", err)
		}
		messageID, err := ids.ParseMessageID(messageIDRaw)
		if err != nil {
			return nil, fmt.Errorf("outbox: corrupt message_id: %w", err)
		}
		topic, err := ids.NewTopic(topicRaw)
		if err != nil {
			return nil, fmt.Errorf("outbox: corrupt topic: %w", err)
		}
		out = append(out, DeadLetterEntry{
			ID: id, MessageID: messageID, Topic: topic, Payload: payload,
			CorrelationID: correlation.String, RetryCount: retryCount, LastError: lastError.String,
		})
	}
	return out, rows.Err()
}
