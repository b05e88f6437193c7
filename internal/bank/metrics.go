package bank

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultConflict = "conflict"
	resultRejected = "rejected"
	resultError    = "error"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "bank",
			Name:      "commands_total",
			Help:      "Commands processed by command and result (ok, conflict, rejected, error).",
		},
		[]string{"command", "result"},
	)

	conflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Subsystem: "bank",
			Name:      "conflict_retries_total",
			Help:      "Append attempts replayed after losing an optimistic concurrency race.",
		},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corebank",
			Subsystem: "bank",
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds, including conflict retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		commandsTotal,
		conflictRetriesTotal,
		commandDuration,
	)
}

// observeCommand times one command and counts its result:
//
//	done := observeCommand("deposit")
//	...
//	done(resultOK)
func observeCommand(command string) func(result string) {
	start := time.Now()
	return func(result string) {
		commandsTotal.WithLabelValues(command, result).Inc()
		commandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
}
