// Package fanout implements the one-to-many Outbox expansion described in
// a FanoutPolicy maps one source topic to a set of
// destination topics, and the dispatcher replays source rows past its
// cursor into a fresh destination row per topic, deduplicated by
// (sourceId, destinationKey) so a crash-and-retry can never double the
// fanout beyond the system's ordinary at-least-once guarantee.
//
// This implementation scopes source and destinations to one store: the
// cross-store case described alongside internal/dispatch's Dispatcher is handled by
// running one Fanout per store rather than by this package spanning
// connections, since a single SQL transaction cannot cover two databases.
package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/lease"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/substraterr"
)

// Policy is one row of fanout_policies, decoded.
type Policy struct {
	Name              string
	SourceTopic       ids.Topic
	DestinationTopics []ids.Topic
}

// Fanout binds the dispatcher to one store and the Outbox it both reads
// source rows from and writes destination rows into.
type Fanout struct {
	store  *dbsql.Store
	outbox *outbox.Outbox
}

// New binds a Fanout to store, reading from and writing into out.
func New(store *dbsql.Store, out *outbox.Outbox) *Fanout {
	return &Fanout{store: store, outbox: out}
}

// CreatePolicy upserts a fanout policy and ensures its cursor exists
// starting at position 0 (the beginning of the source topic's history).
func (f *Fanout) CreatePolicy(ctx context.Context, name string, sourceTopic ids.Topic, destinationTopics []ids.Topic) error {
	if len(destinationTopics) == 0 {
		return substraterr.NewValidationError("destinationTopics", "must contain at least one topic")
	}
	raw := make([]string, len(destinationTopics))
	for i, t := range destinationTopics {
		raw[i] = t.String()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("fanout: encode destination topics: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO fanout_policies (policy_name, source_topic, destination_topics) VALUES (?, ?, ?)
		%s`, f.store.Dialect.UpsertClause([]string{"policy_name"}, []string{"source_topic", "destination_topics"}))
	if _, err := f.store.DB.ExecContext(ctx, query, name, sourceTopic.String(), string(encoded)); err != nil {
		return substraterr.NewTransientStorageError("fanout.create_policy.upsert", err)
	}

	if _, err := f.store.DB.ExecContext(ctx,
		`INSERT INTO fanout_cursors (policy_name, last_position) VALUES (?, 0)
		 ON CONFLICT (policy_name) DO NOTHING`, name); err != nil {
		return substraterr.NewTransientStorageError("fanout.create_policy.cursor", err)
	}
	return nil
}

// DeletePolicy removes a policy and its cursor.
func (f *Fanout) DeletePolicy(ctx context.Context, name string) error {
	tx, err := f.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return substraterr.NewTransientStorageError("fanout.delete_policy.begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM fanout_cursors WHERE policy_name = ?`, name); err != nil {
		return substraterr.NewTransientStorageError("fanout.delete_policy.cursor", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fanout_policies WHERE policy_name = ?`, name); err != nil {
		return substraterr.NewTransientStorageError("fanout.delete_policy.policy", err)
	}
	if err := tx.Commit(); err != nil {
		return substraterr.NewTransientStorageError("fanout.delete_policy.commit", err)
	}
	return nil
}

func (f *Fanout) loadPolicy(ctx context.Context, name string) (Policy, int64, error) {
	var sourceTopicRaw, destinationRaw string
	row := f.store.DB.QueryRowContext(ctx,
		`SELECT source_topic, destination_topics FROM fanout_policies WHERE policy_name = ?`, name)
	if err := row.Scan(&sourceTopicRaw, &destinationRaw); err != nil {
		if err == sql.ErrNoRows {
			return Policy{}, 0, substraterr.NewNotFound("fanout_policy", name)
		}
		return Policy{}, 0, substraterr.NewTransientStorageError("fanout.load_policy.select", err)
	}

	var rawTopics []string
	if err := json.Unmarshal([]byte(destinationRaw), &rawTopics); err != nil {
		return Policy{}, 0, fmt.Errorf("fanout: corrupt destination_topics for %s: %w", name, err)
	}
	sourceTopic, err := ids.NewTopic(sourceTopicRaw)
	if err != nil {
		return Policy{}, 0, fmt.Errorf("fanout: corrupt source_topic for %s: %w", name, err)
	}
	destinationTopics := make([]ids.Topic, len(rawTopics))
	for i, raw := range rawTopics {
		topic, err := ids.NewTopic(raw)
		if err != nil {
			return Policy{}, 0, fmt.Errorf("fanout: corrupt destination topic for %s: %w", name, err)
		}
		destinationTopics[i] = topic
	}

	var lastPosition int64
	row = f.store.DB.QueryRowContext(ctx, `SELECT last_position FROM fanout_cursors WHERE policy_name = ?`, name)
	if err := row.Scan(&lastPosition); err != nil {
		if err != sql.ErrNoRows {
			return Policy{}, 0, substraterr.NewTransientStorageError("fanout.load_policy.cursor", err)
		}
	}

	return Policy{Name: name, SourceTopic: sourceTopic, DestinationTopics: destinationTopics}, lastPosition, nil
}

// acceptFencingToken accepts fencing into the policy's cursor row only if
// it is not older than the currently recorded token, the same monotonic
// guard internal/scheduler applies to scheduler_state.
func (f *Fanout) acceptFencingToken(ctx context.Context, policyName string, fencing ids.FencingToken) error {
	res, err := f.store.DB.ExecContext(ctx, `
		UPDATE fanout_cursors SET current_fencing_token = ?
		WHERE policy_name = ? AND ? >= current_fencing_token`,
		int64(fencing), policyName, int64(fencing))
	if err != nil {
		return substraterr.NewTransientStorageError("fanout.accept_fencing_token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return substraterr.NewTransientStorageError("fanout.accept_fencing_token", err)
	}
	if n == 0 {
		return substraterr.NewLostLease(policyName, int64(fencing), int64(fencing)+1)
	}
	return nil
}

type sourceRow struct {
	position      int64
	messageID     string
	payload       string
	correlationID sql.NullString
}

// RunOnce reads up to batchSize source rows past the policy's cursor,
// expands each into one destination Outbox row per destination topic not
// already recorded for (sourceId, destinationKey), and advances the
// cursor. l must be a currently-held lease scoped to this policy; its
// fencing token is accepted into the cursor's own monotonic counter
// before any row is processed, and rechecked before every per-row
// transaction, so a lease lost mid-batch stops further expansion rather
// than writing under a stale claim to policyName (fanout cursor
// updates require a currently-held policy lease, verified by fencing").
// Returns the number of source rows processed.
func (f *Fanout) RunOnce(ctx context.Context, l *lease.Lease, policyName string, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, substraterr.NewValidationError("batchSize", "must be > 0")
	}
	if err := l.EnsureStillHeld(); err != nil {
		return 0, err
	}
	policy, lastPosition, err := f.loadPolicy(ctx, policyName)
	if err != nil {
		return 0, err
	}
	if err := f.acceptFencingToken(ctx, policyName, l.FencingToken()); err != nil {
		return 0, err
	}

	rows, err := f.store.DB.QueryContext(ctx, `
		SELECT rowid, message_id, payload, correlation_id FROM outbox
		WHERE topic = ? AND rowid > ? ORDER BY rowid ASC LIMIT ?`,
		policy.SourceTopic.String(), lastPosition, batchSize)
	if err != nil {
		return 0, substraterr.NewTransientStorageError("fanout.run_once.select", err)
	}
	var sourceRows []sourceRow
	for rows.Next() {
		var r sourceRow
		if err := rows.Scan(&r.position, &r.messageID, &r.payload, &r.correlationID); err != nil {
			rows.Close()
			return 0, substraterr.NewTransientStorageError("fanout.run_once.scan", err)
		}
		sourceRows = append(sourceRows, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, substraterr.NewTransientStorageError("fanout.run_once.rows", err)
	}
	rows.Close()

	for _, r := range sourceRows {
		if err := l.EnsureStillHeld(); err != nil {
			return 0, err
		}
		if err := f.expandOne(ctx, policy, r); err != nil {
			return 0, err
		}
	}

	if len(sourceRows) > 0 {
		log.WithComponent("fanout").Info().
			Str("policy", policyName).
			Int("expanded", len(sourceRows)).
			Msg("expanded source rows")
	}
	return len(sourceRows), nil
}

func (f *Fanout) expandOne(ctx context.Context, policy Policy, r sourceRow) error {
	tx, err := f.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return substraterr.NewTransientStorageError("fanout.expand_one.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, destTopic := range policy.DestinationTopics {
		destinationKey := destTopic.String()

		var exists int
		row := tx.QueryRowContext(ctx,
			`SELECT 1 FROM fanout_expansions WHERE source_id = ? AND destination_key = ?`,
			r.messageID, destinationKey)
		err := row.Scan(&exists)
		if err == nil {
			continue // already expanded for this destination, idempotent skip
		}
		if err != sql.ErrNoRows {
			return substraterr.NewTransientStorageError("fanout.expand_one.check", err)
		}

		if _, err := f.outbox.Enqueue(ctx, tx, destTopic, r.payload, r.correlationID.String, time.Time{}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fanout_expansions (source_id, destination_key) VALUES (?, ?)`,
			r.messageID, destinationKey); err != nil {
			return substraterr.NewTransientStorageError("fanout.expand_one.record", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fanout_cursors (policy_name, last_position) VALUES (?, ?)
		 ON CONFLICT (policy_name) DO UPDATE SET last_position = excluded.last_position`,
		policy.Name, r.position); err != nil {
		return substraterr.NewTransientStorageError("fanout.expand_one.cursor", err)
	}

	if err := tx.Commit(); err != nil {
		return substraterr.NewTransientStorageError("fanout.expand_one.commit", err)
	}
	committed = true
	return nil
}
