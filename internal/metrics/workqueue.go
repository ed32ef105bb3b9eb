package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_workqueue_claimed_rows_total",
		Help: "Total WorkItem rows claimed, by table.",
	}, []string{"table"})

	acknowledgedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_workqueue_acked_rows_total",
		Help: "Total WorkItem rows transitioned to Done, by table.",
	}, []string{"table"})

	abandonedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_workqueue_abandoned_rows_total",
		Help: "Total WorkItem rows abandoned back to Ready with backoff, by table.",
	}, []string{"table"})

	failedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_workqueue_failed_rows_total",
		Help: "Total WorkItem rows transitioned to Failed, by table.",
	}, []string{"table"})

	reapedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_workqueue_reaped_rows_total",
		Help: "Total WorkItem rows reclaimed from an expired lease, by table.",
	}, []string{"table"})
)

// RecordClaim counts n rows claimed from table. A zero n records nothing.
func RecordClaim(table string, n int) {
	if n > 0 {
		claimedRows.WithLabelValues(table).Add(float64(n))
	}
}

// RecordAck counts n rows acked on table.
func RecordAck(table string, n int) {
	if n > 0 {
		acknowledgedRows.WithLabelValues(table).Add(float64(n))
	}
}

// RecordAbandon counts n rows abandoned on table.
func RecordAbandon(table string, n int) {
	if n > 0 {
		abandonedRows.WithLabelValues(table).Add(float64(n))
	}
}

// RecordFail counts n rows failed on table.
func RecordFail(table string, n int) {
	if n > 0 {
		failedRows.WithLabelValues(table).Add(float64(n))
	}
}

// RecordReap counts n rows reaped on table.
func RecordReap(table string, n int) {
	if n > 0 {
		reapedRows.WithLabelValues(table).Add(float64(n))
	}
}
