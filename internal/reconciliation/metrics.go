package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileDriftedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "drifted_rows",
		Help:      "Number of view rows disagreeing with the event log in the last run.",
	})

	reconcileMissingRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "missing_rows",
		Help:      "Number of fully projected streams without a view row in the last run.",
	})

	reconcileLaggingRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "lagging_rows",
		Help:      "Number of view rows behind their stream head in the last run.",
	})

	reconcileOrphanedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "orphaned_rows",
		Help:      "Number of view rows without a backing event stream in the last run.",
	})

	reconcilePositionLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "position_lag",
		Help:      "Global positions between the log head and the projector checkpoint.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "corebank",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDriftedRows,
		reconcileMissingRows,
		reconcileLaggingRows,
		reconcileOrphanedRows,
		reconcilePositionLag,
		reconcileDuration,
		reconcileErrors,
	)
}

func observeRun(report *Report, elapsed time.Duration) {
	reconcileDriftedRows.Set(float64(report.DriftedRows))
	reconcileMissingRows.Set(float64(report.MissingRows))
	reconcileLaggingRows.Set(float64(report.LaggingRows))
	reconcileOrphanedRows.Set(float64(report.OrphanedRows))
	reconcilePositionLag.Set(float64(report.PositionLag))
	reconcileDuration.Observe(elapsed.Seconds())
}
