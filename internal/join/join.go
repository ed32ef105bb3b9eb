// Package join implements fan-in over Outbox rows: a Join
// tracks expectedSteps against completedSteps/failedSteps advanced
// atomically by Outbox's own ack/fail transaction, and the special
// `join.wait` Outbox topic polls that state to completion.
package join

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/substraterr"
)

// WaitTopic is the reserved Outbox topic a join's completion poller is
// enqueued under.
const WaitTopic = "join.wait"

// Status mirrors the TEXT status column on the joins table.
type Status string

const (
	Pending   Status = "Pending"
	Completed Status = "Completed"
	Failed    Status = "Failed"
)

// memberStatus mirrors the TEXT status column on join_members: a member
// starts Pending and is flipped by Outbox's ack/fail transaction.
const (
	memberPending   = "Pending"
	memberCompleted = "Completed"
	memberFailed    = "Failed"
)

// WaitPayload is the join.wait Outbox message body.
type WaitPayload struct {
	JoinID              string `json:"joinId"`
	FailIfAnyStepFailed bool   `json:"failIfAnyStepFailed"`
	OnCompleteTopic     string `json:"onCompleteTopic,omitempty"`
	OnCompletePayload   string `json:"onCompletePayload,omitempty"`
	OnFailTopic         string `json:"onFailTopic,omitempty"`
	OnFailPayload       string `json:"onFailPayload,omitempty"`
}

// errNotYetComplete signals the join.wait handler should be abandoned and
// retried later, not treated as a terminal handler failure.
var errNotYetComplete = errors.New("join: not all steps complete")

// Join binds the fan-in engine to one store and the Outbox whose ack/fail
// it observes.
type Join struct {
	store  *dbsql.Store
	outbox *outbox.Outbox
}

// New binds a Join to store, observing and enqueuing through out. The
// caller must also call out.SetJoinHook(j) to wire the ack/fail
// observation (kept a separate step so Outbox never imports this package).
func New(store *dbsql.Store, out *outbox.Outbox) *Join {
	j := &Join{store: store, outbox: out}
	out.RegisterHandler(mustTopic(WaitTopic), j.handleWait)
	return j
}

func mustTopic(s string) ids.Topic {
	t, err := ids.NewTopic(s)
	if err != nil {
		panic(fmt.Sprintf("join: reserved topic %q fails validation: %v", s, err))
	}
	return t
}

// StartJoin creates a new join expecting expectedSteps members and returns
// its id. groupingKey and metadata are opaque caller-supplied strings,
// either of which may be empty.
func (j *Join) StartJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (string, error) {
	if expectedSteps <= 0 {
		return "", substraterr.NewValidationError("expectedSteps", "must be > 0")
	}
	joinID := uuid.New().String()

	var groupingArg, metadataArg any
	if groupingKey != "" {
		groupingArg = groupingKey
	}
	if metadata != "" {
		metadataArg = metadata
	}

	_, err := j.store.DB.ExecContext(ctx, `
		INSERT INTO joins (join_id, grouping_key, expected_steps, completed_steps, failed_steps, status, metadata)
		VALUES (?, ?, ?, 0, 0, ?, ?)`,
		joinID, groupingArg, expectedSteps, string(Pending), metadataArg)
	if err != nil {
		return "", substraterr.NewTransientStorageError("join.start_join", err)
	}
	return joinID, nil
}

// Attach idempotently binds outboxMessageID as a member of joinID: calling
// it twice for the same pair is a no-op, satisfying at-least-once callers
// that retry their own enqueue-then-attach sequence.
func (j *Join) Attach(ctx context.Context, joinID string, outboxMessageID string) error {
	query := fmt.Sprintf(`
		INSERT INTO join_members (join_id, outbox_message_id, status) VALUES (?, ?, ?)
		%s`, j.store.Dialect.UpsertClause([]string{"join_id", "outbox_message_id"}, []string{"status"}))
	_, err := j.store.DB.ExecContext(ctx, query, joinID, outboxMessageID, memberPending)
	if err != nil {
		return substraterr.NewTransientStorageError("join.attach", err)
	}
	return nil
}

// OnAck implements outbox.JoinHook: inside the same transaction as an
// Outbox row's ack, it marks every still-Pending join_members row for
// outboxMessageID Completed and increments each referenced join's
// completedSteps by one.
func (j *Join) OnAck(ctx context.Context, tx *sql.Tx, outboxMessageID string) error {
	return j.advance(ctx, tx, outboxMessageID, memberCompleted, "completed_steps")
}

// OnFail implements outbox.JoinHook: the symmetric increment of
// failedSteps.
func (j *Join) OnFail(ctx context.Context, tx *sql.Tx, outboxMessageID string) error {
	return j.advance(ctx, tx, outboxMessageID, memberFailed, "failed_steps")
}

func (j *Join) advance(ctx context.Context, tx *sql.Tx, outboxMessageID, newStatus, counterColumn string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT join_id FROM join_members WHERE outbox_message_id = ? AND status = ?`,
		outboxMessageID, memberPending)
	if err != nil {
		return fmt.Errorf("join: advance select: %w", err)
	}
	var joinIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("join: advance scan: %w", err)
		}
		joinIDs = append(joinIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("join: advance rows: %w", err)
	}
	rows.Close()

	if len(joinIDs) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE join_members SET status = ? WHERE outbox_message_id = ? AND status = ?`,
		newStatus, outboxMessageID, memberPending); err != nil {
		return fmt.Errorf("join: advance update member: %w", err)
	}

	updateJoin := fmt.Sprintf(`UPDATE joins SET %s = %s + 1 WHERE join_id = ?`, counterColumn, counterColumn)
	for _, id := range joinIDs {
		if _, err := tx.ExecContext(ctx, updateJoin, id); err != nil {
			return fmt.Errorf("join: advance update join %s: %w", id, err)
		}
	}
	return nil
}

type joinState struct {
	expectedSteps, completedSteps, failedSteps int
	status                                     Status
}

func (j *Join) loadState(ctx context.Context, joinID string) (joinState, error) {
	var s joinState
	var status string
	row := j.store.DB.QueryRowContext(ctx,
		`SELECT expected_steps, completed_steps, failed_steps, status FROM joins WHERE join_id = ?`, joinID)
	if err := row.Scan(&s.expectedSteps, &s.completedSteps, &s.failedSteps, &status); err != nil {
		if err == sql.ErrNoRows {
			return joinState{}, substraterr.NewNotFound("join", joinID)
		}
		return joinState{}, substraterr.NewTransientStorageError("join.load_state", err)
	}
	s.status = Status(status)
	return s, nil
}

func (j *Join) markStatus(ctx context.Context, joinID string, status Status) error {
	_, err := j.store.DB.ExecContext(ctx, `UPDATE joins SET status = ? WHERE join_id = ?`, string(status), joinID)
	if err != nil {
		return substraterr.NewTransientStorageError("join.mark_status", err)
	}
	return nil
}

// handleWait is the registered outbox.Handler for WaitTopic, implementing
// the three-way decision: abandon while steps are still
// outstanding, fail-and-notify if any step failed under
// failIfAnyStepFailed, otherwise complete-and-notify.
func (j *Join) handleWait(ctx context.Context, msg outbox.Message) error {
	var payload WaitPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("join: invalid join.wait payload: %w", err)
	}

	state, err := j.loadState(ctx, payload.JoinID)
	if err != nil {
		return err
	}

	// Already resolved by an earlier delivery of this same join.wait
	// message; ack without renotifying.
	if state.status == Completed || state.status == Failed {
		return nil
	}

	if state.completedSteps+state.failedSteps < state.expectedSteps {
		return errNotYetComplete
	}

	if state.failedSteps > 0 && payload.FailIfAnyStepFailed {
		if err := j.markStatus(ctx, payload.JoinID, Failed); err != nil {
			return err
		}
		return j.notify(ctx, payload.OnFailTopic, payload.OnFailPayload)
	}

	if err := j.markStatus(ctx, payload.JoinID, Completed); err != nil {
		return err
	}
	return j.notify(ctx, payload.OnCompleteTopic, payload.OnCompletePayload)
}

func (j *Join) notify(ctx context.Context, topicRaw, payload string) error {
	if topicRaw == "" {
		return nil
	}
	topic, err := ids.NewTopic(topicRaw)
	if err != nil {
		return fmt.Errorf("join: invalid notify topic: %w", err)
	}
	_, err = j.outbox.Enqueue(ctx, nil, topic, payload, "", time.Time{})
	return err
}
