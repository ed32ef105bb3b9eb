// Package scheduler implements one-shot Timers and recurring cron Jobs
// that promote into Outbox rows under a per-store lease.
// Timer and JobRun tables are WorkItem-shaped and dispatched through
// internal/workqueue exactly like Outbox/Inbox; the scheduler's own job is
// deciding *when* a row becomes due, not how it is claimed.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/lease"
	"github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/substraterr"
	"github.com/bravellian/platform/internal/workqueue"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Millisecond).Format(timeLayout) }

// Config controls dispatch defaults shared by the Timer and JobRun queues.
type Config struct {
	LeaseSeconds int
	BatchSize    int
	workqueue.Config
}

// DefaultConfig mirrors Outbox's documented defaults.
func DefaultConfig() Config {
	return Config{LeaseSeconds: 30, BatchSize: 50, Config: workqueue.DefaultConfig()}
}

// Scheduler owns the Timer/JobRun tables and promotes due rows into an
// Outbox.
type Scheduler struct {
	store   *dbsql.Store
	outbox  *outbox.Outbox
	timers  *workqueue.Queue
	jobRuns *workqueue.Queue
	cfg     Config
}

// New binds a Scheduler to store, promoting due rows into out.
func New(store *dbsql.Store, out *outbox.Outbox, cfg Config) *Scheduler {
	timerSpec := workqueue.TableSpec{Table: "timers", OrderColumn: "due_time_utc"}
	jobRunSpec := workqueue.TableSpec{Table: "job_runs", OrderColumn: "due_time_utc"}
	return &Scheduler{
		store:   store,
		outbox:  out,
		timers:  workqueue.New(store, timerSpec, cfg.Config),
		jobRuns: workqueue.New(store, jobRunSpec, cfg.Config),
		cfg:     cfg,
	}
}

// ScheduleTimer inserts a one-shot Timer due at dueTimeUtc, returning its
// id.
func (s *Scheduler) ScheduleTimer(ctx context.Context, topic ids.Topic, payload string, dueTimeUtc time.Time) (ids.WorkItemID, error) {
	serverNow, err := s.store.ServerNowUTC(ctx)
	if err != nil {
		return ids.WorkItemID{}, substraterr.NewTransientStorageError("scheduler.schedule_timer.server_now", err)
	}
	id := ids.NewWorkItemID()
	_, err = s.store.DB.ExecContext(ctx, `
		INSERT INTO timers (id, topic, payload, status, next_attempt_at, due_time_utc, created_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		id.String(), topic.String(), payload, formatTime(serverNow), formatTime(dueTimeUtc), formatTime(serverNow))
	if err != nil {
		return ids.WorkItemID{}, substraterr.NewTransientStorageError("scheduler.schedule_timer.insert", err)
	}
	return id, nil
}

// CancelTimer transitions a still-pending (Ready, unclaimed) Timer to a
// terminal cancelled state, reported here via Failed+last_error="cancelled"
// since the WorkItem status enum has no dedicated Cancelled member.
// Returns false if the timer had already been claimed or finished.
func (s *Scheduler) CancelTimer(ctx context.Context, id ids.WorkItemID) (bool, error) {
	res, err := s.store.DB.ExecContext(ctx,
		`UPDATE timers SET status = ?, last_error = 'cancelled' WHERE id = ? AND status = ?`,
		workqueue.StatusFailed, id.String(), workqueue.StatusReady)
	if err != nil {
		return false, substraterr.NewTransientStorageError("scheduler.cancel_timer", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateOrUpdateJob upserts a job definition and recomputes nextDueTime
// from cronSchedule relative to server now.
func (s *Scheduler) CreateOrUpdateJob(ctx context.Context, jobName string, topic ids.Topic, cronSchedule, payload string) error {
	schedule, err := cronParser.Parse(cronSchedule)
	if err != nil {
		return substraterr.NewValidationError("cronSchedule", err.Error())
	}

	serverNow, err := s.store.ServerNowUTC(ctx)
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.create_or_update_job.server_now", err)
	}
	nextDue := schedule.Next(serverNow)

	query := fmt.Sprintf(`
		INSERT INTO job_definitions (job_name, topic, cron_schedule, payload, is_enabled, next_due_time)
		VALUES (?, ?, ?, ?, 1, ?)
		%s`, s.store.Dialect.UpsertClause(
		[]string{"job_name"}, []string{"topic", "cron_schedule", "payload", "next_due_time"}))
	if _, err := s.store.DB.ExecContext(ctx, query,
		jobName, topic.String(), cronSchedule, payload, formatTime(nextDue)); err != nil {
		return substraterr.NewTransientStorageError("scheduler.create_or_update_job.upsert", err)
	}
	return nil
}

// DeleteJob removes any not-yet-claimed JobRuns for jobName, then the job
// definition itself.
func (s *Scheduler) DeleteJob(ctx context.Context, jobName string) error {
	tx, err := s.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.delete_job.begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_runs WHERE job_name = ? AND status = ?`,
		jobName, workqueue.StatusReady); err != nil {
		return substraterr.NewTransientStorageError("scheduler.delete_job.delete_runs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_definitions WHERE job_name = ?`, jobName); err != nil {
		return substraterr.NewTransientStorageError("scheduler.delete_job.delete_definition", err)
	}
	if err := tx.Commit(); err != nil {
		return substraterr.NewTransientStorageError("scheduler.delete_job.commit", err)
	}
	return nil
}

// TriggerJob inserts an immediately-due JobRun for jobName, bypassing its
// cron schedule.
func (s *Scheduler) TriggerJob(ctx context.Context, jobName string) error {
	var topic, payload string
	row := s.store.DB.QueryRowContext(ctx, `SELECT topic, payload FROM job_definitions WHERE job_name = ?`, jobName)
	if err := row.Scan(&topic, &payload); err != nil {
		if err == sql.ErrNoRows {
			return substraterr.NewNotFound("job", jobName)
		}
		return substraterr.NewTransientStorageError("scheduler.trigger_job.select", err)
	}

	serverNow, err := s.store.ServerNowUTC(ctx)
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.trigger_job.server_now", err)
	}
	id := ids.NewWorkItemID()
	_, err = s.store.DB.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, topic, payload, status, next_attempt_at, due_time_utc, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id.String(), jobName, topic, payload, formatTime(serverNow), formatTime(serverNow), formatTime(serverNow))
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.trigger_job.insert", err)
	}
	return nil
}

// RunOnce executes one iteration of the scheduler dispatch loop under l:
// verify the lease, promote due jobs into JobRuns advancing their cron
// schedule, then claim due Timers and JobRuns, enqueueing each into out
// and acking it. Returns substraterr.LostLease if l is no longer held,
// rolling back nothing further (the caller's own transaction scope, if
// any, is its to manage).
func (s *Scheduler) RunOnce(ctx context.Context, l *lease.Lease, ownerToken ids.OwnerToken) error {
	if err := l.EnsureStillHeld(); err != nil {
		return err
	}
	if err := s.updateFencingToken(ctx, l.FencingToken()); err != nil {
		return err
	}

	if err := s.promoteDueJobs(ctx); err != nil {
		return err
	}
	if err := l.EnsureStillHeld(); err != nil {
		return err
	}

	if err := s.promoteTimers(ctx, ownerToken); err != nil {
		return err
	}
	if err := l.EnsureStillHeld(); err != nil {
		return err
	}

	if err := s.promoteJobRuns(ctx, ownerToken); err != nil {
		return err
	}
	return nil
}

// updateFencingToken accepts the lease's fencing token into
// scheduler_state only if it is not older than the currently recorded one
// (the monotonic check on promotion).
func (s *Scheduler) updateFencingToken(ctx context.Context, fencing ids.FencingToken) error {
	res, err := s.store.DB.ExecContext(ctx, `
		INSERT INTO scheduler_state (id, current_fencing_token) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET current_fencing_token = excluded.current_fencing_token
			WHERE excluded.current_fencing_token >= scheduler_state.current_fencing_token`,
		int64(fencing))
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.update_fencing_token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.update_fencing_token", err)
	}
	if n == 0 {
		return substraterr.NewLostLease("scheduler_state", int64(fencing), int64(fencing)+1)
	}
	return nil
}

func (s *Scheduler) promoteDueJobs(ctx context.Context) error {
	serverNow, err := s.store.ServerNowUTC(ctx)
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.server_now", err)
	}

	rows, err := s.store.DB.QueryContext(ctx,
		`SELECT job_name, topic, cron_schedule, payload FROM job_definitions
		 WHERE is_enabled = 1 AND next_due_time <= ?`, formatTime(serverNow))
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.select", err)
	}
	type dueJob struct{ name, topic, cronSchedule, payload string }
	var due []dueJob
	for rows.Next() {
		var j dueJob
		if err := rows.Scan(&j.name, &j.topic, &j.cronSchedule, &j.payload); err != nil {
			rows.Close()
			return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.scan", err)
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.rows", err)
	}
	if len(due) == 0 {
		return nil
	}

	tx, err := s.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, j := range due {
		schedule, err := cronParser.Parse(j.cronSchedule)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).Str("job_name", j.name).
				Msg("job has unparseable cron schedule, skipping promotion")
			continue
		}
		nextDue := schedule.Next(serverNow)

		id := ids.NewWorkItemID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_runs (id, job_name, topic, payload, status, next_attempt_at, due_time_utc, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			id.String(), j.name, j.topic, j.payload, formatTime(serverNow), formatTime(serverNow), formatTime(serverNow)); err != nil {
			return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.insert_run", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_definitions SET next_due_time = ? WHERE job_name = ?`,
			formatTime(nextDue), j.name); err != nil {
			return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.advance", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_due_jobs.commit", err)
	}

	log.WithComponent("scheduler").Info().Int("promoted", len(due)).Msg("promoted due jobs")
	return nil
}

func (s *Scheduler) promoteTimers(ctx context.Context, ownerToken ids.OwnerToken) error {
	claimed, err := s.timers.Claim(ctx, ownerToken, s.cfg.LeaseSeconds, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range claimed {
		if err := s.promoteOne(ctx, "timers", id, ownerToken, s.timers); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) promoteJobRuns(ctx context.Context, ownerToken ids.OwnerToken) error {
	claimed, err := s.jobRuns.Claim(ctx, ownerToken, s.cfg.LeaseSeconds, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range claimed {
		if err := s.promoteOne(ctx, "job_runs", id, ownerToken, s.jobRuns); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) promoteOne(ctx context.Context, table string, id ids.WorkItemID, ownerToken ids.OwnerToken, queue *workqueue.Queue) error {
	var topicRaw, payload string
	row := s.store.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT topic, payload FROM %s WHERE id = ?`, table), id.String())
	if err := row.Scan(&topicRaw, &payload); err != nil {
		return substraterr.NewTransientStorageError("scheduler.promote_one.select", err)
	}
	topic, err := ids.NewTopic(topicRaw)
	if err != nil {
		return fmt.Errorf("scheduler: corrupt topic in %s: %w", table, err)
	}

	if _, err := s.outbox.Enqueue(ctx, nil, topic, payload, id.String(), time.Time{}); err != nil {
		return err
	}
	if _, err := queue.Ack(ctx, ownerToken, []ids.WorkItemID{id}); err != nil {
		return err
	}
	return nil
}
