package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leaseAcquireAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_lease_acquire_total",
		Help: "Total lease acquire attempts, by resource and outcome (acquired|denied).",
	}, []string{"resource", "outcome"})

	leaseRenewAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_lease_renew_total",
		Help: "Total lease renewal attempts, by resource and outcome (renewed|lost).",
	}, []string{"resource", "outcome"})

	leaseLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_lease_lost_total",
		Help: "Total leases observed lost by a holder's renewal loop, by resource.",
	}, []string{"resource"})
)

// RecordLeaseAcquire records a lease acquire attempt's outcome for resource.
func RecordLeaseAcquire(resource string, acquired bool) {
	outcome := "denied"
	if acquired {
		outcome = "acquired"
	}
	leaseAcquireAttempts.WithLabelValues(resource, outcome).Inc()
}

// RecordLeaseRenew records a lease renewal attempt's outcome for resource.
func RecordLeaseRenew(resource string, renewed bool) {
	outcome := "lost"
	if renewed {
		outcome = "renewed"
	}
	leaseRenewAttempts.WithLabelValues(resource, outcome).Inc()
}

// RecordLeaseLost counts a holder observing its lease as lost.
func RecordLeaseLost(resource string) {
	leaseLostTotal.WithLabelValues(resource).Inc()
}
