package projector

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "projector",
			Name:      "batches_total",
			Help:      "Projection batches by result (ok, empty, error).",
		},
		[]string{"result"},
	)

	eventsProjectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "projector",
			Name:      "events_projected_total",
			Help:      "Total events folded into the view.",
		},
	)

	checkpointPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "corebank",
			Subsystem: "projector",
			Name:      "checkpoint_position",
			Help:      "Last committed checkpoint global position.",
		},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corebank",
			Subsystem: "projector",
			Name:      "batch_duration_seconds",
			Help:      "Projection batch latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		batchesTotal,
		eventsProjectedTotal,
		checkpointPosition,
		batchDuration,
	)
}

func observeBatch() func() {
	timer := prometheus.NewTimer(batchDuration)
	return func() { timer.ObserveDuration() }
}
