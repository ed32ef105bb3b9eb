package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/lease"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/schema"
)

func newTestScheduler(t *testing.T) (*Scheduler, *dbsql.Store, *outbox.Outbox) {
	t.Helper()
	dir := t.TempDir()
	store, err := dbsql.Open(dbsql.DefaultConfig(filepath.Join(dir, "scheduler.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, schema.EnsureSchema(context.Background(), store.DB))

	out := outbox.New(store, outbox.DefaultConfig())
	return New(store, out, DefaultConfig()), store, out
}

func mustTopic(t *testing.T, s string) ids.Topic {
	t.Helper()
	topic, err := ids.NewTopic(s)
	require.NoError(t, err)
	return topic
}

func TestScheduleTimerThenDispatchEnqueuesOutboxRow(t *testing.T) {
	s, store, out := newTestScheduler(t)
	ctx := context.Background()

	serverNow, err := store.ServerNowUTC(ctx)
	require.NoError(t, err)

	_, err = s.ScheduleTimer(ctx, mustTopic(t, "reminder.fire"), "payload", serverNow.Add(-time.Second))
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	require.NoError(t, s.promoteTimers(ctx, owner))

	dispatchOwner := ids.NewOwnerToken()
	claimed, err := out.Dispatch(ctx, dispatchOwner)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
}

func TestCancelTimerOnlySucceedsWhilePending(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	serverNow, err := store.ServerNowUTC(ctx)
	require.NoError(t, err)

	id, err := s.ScheduleTimer(ctx, mustTopic(t, "reminder.fire"), "payload", serverNow.Add(time.Hour))
	require.NoError(t, err)

	ok, err := s.CancelTimer(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelTimer(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateOrUpdateJobComputesNextDueTime(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	err := s.CreateOrUpdateJob(ctx, "nightly-report", mustTopic(t, "report.nightly"), "0 0 * * *", "payload")
	require.NoError(t, err)

	var nextDue string
	row := store.DB.QueryRowContext(ctx, `SELECT next_due_time FROM job_definitions WHERE job_name = ?`, "nightly-report")
	require.NoError(t, row.Scan(&nextDue))
	require.NotEmpty(t, nextDue)
}

func TestCreateOrUpdateJobAcceptsSixFieldCronSchedule(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	serverNow, err := store.ServerNowUTC(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CreateOrUpdateJob(ctx, "hourly", mustTopic(t, "tick.hourly"), "0 0 * * * *", "payload"))

	var nextDueRaw string
	row := store.DB.QueryRowContext(ctx, `SELECT next_due_time FROM job_definitions WHERE job_name = ?`, "hourly")
	require.NoError(t, row.Scan(&nextDueRaw))

	nextDue, err := time.Parse(timeLayout, nextDueRaw)
	require.NoError(t, err)

	wantHour := serverNow.Truncate(time.Hour)
	if !serverNow.Equal(wantHour) {
		wantHour = wantHour.Add(time.Hour)
	}
	require.True(t, nextDue.Equal(wantHour), "expected next_due_time %s to equal top of next hour %s", nextDue, wantHour)
}

func TestCreateOrUpdateJobRejectsInvalidCronSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	err := s.CreateOrUpdateJob(ctx, "broken", mustTopic(t, "report.nightly"), "not a cron schedule", "payload")
	require.Error(t, err)
}

func TestTriggerJobInsertsImmediatelyDueRun(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOrUpdateJob(ctx, "nightly-report", mustTopic(t, "report.nightly"), "0 0 * * *", "payload"))
	require.NoError(t, s.TriggerJob(ctx, "nightly-report"))

	var count int
	row := store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE job_name = ?`, "nightly-report")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestTriggerJobFailsForUnknownJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	err := s.TriggerJob(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestDeleteJobRemovesPendingRunsAndDefinition(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOrUpdateJob(ctx, "nightly-report", mustTopic(t, "report.nightly"), "0 0 * * *", "payload"))
	require.NoError(t, s.TriggerJob(ctx, "nightly-report"))
	require.NoError(t, s.DeleteJob(ctx, "nightly-report"))

	var defCount, runCount int
	require.NoError(t, store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_definitions WHERE job_name = ?`, "nightly-report").Scan(&defCount))
	require.NoError(t, store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE job_name = ?`, "nightly-report").Scan(&runCount))
	require.Equal(t, 0, defCount)
	require.Equal(t, 0, runCount)
}

func TestPromoteDueJobsAdvancesNextDueTime(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	serverNow, err := store.ServerNowUTC(ctx)
	require.NoError(t, err)

	// Every-minute schedule with next_due_time already in the past: due now.
	require.NoError(t, s.CreateOrUpdateJob(ctx, "every-minute", mustTopic(t, "tick"), "* * * * *", "payload"))
	_, err = store.DB.ExecContext(ctx, `UPDATE job_definitions SET next_due_time = ? WHERE job_name = ?`,
		formatTime(serverNow.Add(-time.Hour)), "every-minute")
	require.NoError(t, err)

	require.NoError(t, s.promoteDueJobs(ctx))

	var runCount int
	require.NoError(t, store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE job_name = ?`, "every-minute").Scan(&runCount))
	require.Equal(t, 1, runCount)

	var nextDue string
	require.NoError(t, store.DB.QueryRowContext(ctx, `SELECT next_due_time FROM job_definitions WHERE job_name = ?`, "every-minute").Scan(&nextDue))
	require.True(t, nextDue > formatTime(serverNow.Add(-time.Hour)))
}

func TestRunOnceReturnsLostLeaseWhenLeaseAlreadyExpired(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	leaseStore := lease.NewStore(store)
	manager := lease.NewManager(leaseStore)
	resourceName, err := ids.NewResourceName("scheduler:primary")
	require.NoError(t, err)
	owner := ids.NewOwnerToken()

	l, acquired, err := manager.Acquire(ctx, resourceName, owner, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	// Background renewal keeps even a short lease alive, so expire the row
	// directly before the rival takes it over.
	_, err = store.DB.ExecContext(ctx, `UPDATE leases SET lease_until = ? WHERE resource_name = ?`,
		"2000-01-01T00:00:00.000Z", resourceName.String())
	require.NoError(t, err)
	rival := ids.NewOwnerToken()
	_, err = leaseStore.Acquire(ctx, resourceName, rival, time.Minute)
	require.NoError(t, err)

	select {
	case <-l.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected lease to be reported lost")
	}

	err = s.RunOnce(ctx, l, owner)
	require.Error(t, err)
}
