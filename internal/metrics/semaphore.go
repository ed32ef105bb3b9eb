package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var semaphoreRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "platform_semaphore_rejected_total",
	Help: "Total TryAcquire calls that returned NotAcquired because the semaphore was at its limit.",
}, []string{"name"})

// RecordSemaphoreRejection counts one NotAcquired outcome for name.
func RecordSemaphoreRejection(name string) {
	semaphoreRejections.WithLabelValues(name).Inc()
}
