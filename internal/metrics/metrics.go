package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Admission decisions, labelled "accepted" or the reject reason.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_admissions_total",
			Help: "Total number of issuance admission decisions",
		},
		[]string{"result"},
	)

	// Worker outcomes per processed request.
	IssuanceOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_issuance_outcomes_total",
			Help: "Total number of issuance attempts by outcome",
		},
		[]string{"outcome"},
	)

	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coupon_issue_lock_wait_seconds",
			Help:    "Time spent waiting for the per-coupon issuance lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	QueueDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_queue_deliveries_total",
			Help: "Total number of queue deliveries by acknowledgement",
		},
		[]string{"ack"},
	)
)

// MustRegister registers the collectors on reg, plus the Go and process collectors.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		AdmissionsTotal,
		IssuanceOutcomesTotal,
		LockWaitSeconds,
		QueueDeliveriesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func ObserveAdmission(result string) {
	AdmissionsTotal.WithLabelValues(result).Inc()
}

func ObserveIssuance(outcome string) {
	IssuanceOutcomesTotal.WithLabelValues(outcome).Inc()
}

func ObserveLockWait(d time.Duration) {
	LockWaitSeconds.Observe(d.Seconds())
}

func ObserveDelivery(acked bool) {
	if acked {
		QueueDeliveriesTotal.WithLabelValues("ack").Inc()
		return
	}
	QueueDeliveriesTotal.WithLabelValues("nack").Inc()
}
