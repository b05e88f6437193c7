package eventstore

import "github.com/prometheus/client_golang/prometheus"

var (
	appendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "eventstore",
			Name:      "appends_total",
			Help:      "Total append attempts by result (ok, conflict, error).",
		},
		[]string{"result"},
	)

	eventsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "eventstore",
			Name:      "events_appended_total",
			Help:      "Total events committed to the log.",
		},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corebank",
			Subsystem: "eventstore",
			Name:      "operation_duration_seconds",
			Help:      "Event store operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		appendsTotal,
		eventsAppendedTotal,
		operationDuration,
	)
}

// observeOp times a store operation:
//
//	defer observeOp("append")()
func observeOp(operation string) func() {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues(operation))
	return func() { timer.ObserveDuration() }
}
