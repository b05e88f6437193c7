// Package metrics provides Prometheus instrumentation for the corebank service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corebank",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "corebank",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// The service runs two databases, the event store and the read model,
	// so the pool gauges carry a database label.

	// DBOpenConnections tracks open database connections per database.
	DBOpenConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "db_open_connections",
		Help: "Number of open database connections.",
	}, []string{"database"})
	// DBIdleConnections tracks idle database connections per database.
	DBIdleConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	}, []string{"database"})
	// DBInUseConnections tracks in-use database connections per database.
	DBInUseConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	}, []string{"database"})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	}, []string{"database"})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	}, []string{"database"})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corebank", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, database string, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.WithLabelValues(database).Set(float64(stats.OpenConnections))
			DBIdleConnections.WithLabelValues(database).Set(float64(stats.Idle))
			DBInUseConnections.WithLabelValues(database).Set(float64(stats.InUse))
			DBWaitCount.WithLabelValues(database).Set(float64(stats.WaitCount))
			DBWaitDuration.WithLabelValues(database).Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
