// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/bank"
	"github.com/mbd888/corebank/internal/config"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/health"
	"github.com/mbd888/corebank/internal/logging"
	"github.com/mbd888/corebank/internal/metrics"
	"github.com/mbd888/corebank/internal/projector"
	"github.com/mbd888/corebank/internal/ratelimit"
	"github.com/mbd888/corebank/internal/readmodel"
	"github.com/mbd888/corebank/internal/realtime"
	"github.com/mbd888/corebank/internal/reconciliation"
	"github.com/mbd888/corebank/internal/security"
	"github.com/mbd888/corebank/internal/traces"
	"github.com/mbd888/corebank/internal/validation"
)

// dbStatsInterval is how often connection pool stats are sampled into gauges.
const dbStatsInterval = 15 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	events         eventstore.Store
	view           readmodel.Store
	bank           *bank.Service
	projector      *projector.Projector
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	eventsDB       *sql.DB // nil if using in-memory
	viewDB         *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if the database URLs are set, otherwise in-memory)
	if cfg.UsePostgres() {
		eventsDB, err := openPostgres(cfg.EventStoreURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to event store: %w", err)
		}
		s.eventsDB = eventsDB

		viewDB, err := openPostgres(cfg.ReadModelURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to read model: %w", err)
		}
		s.viewDB = viewDB

		// Migration here is best effort. Production schemas are applied out of
		// band via cmd/migrate, and the app role may not hold DDL rights.
		eventStore := eventstore.NewPostgresStore(eventsDB, account.Codec{})
		if err := eventStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate event store", "error", err)
		}
		s.events = eventStore

		viewStore := readmodel.NewPostgresStore(viewDB)
		if err := viewStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate read model", "error", err)
		}
		s.view = viewStore

		s.logger.Info("using PostgreSQL storage",
			"eventstore", maskDSN(cfg.EventStoreURL),
			"readmodel", maskDSN(cfg.ReadModelURL),
		)
	} else {
		s.events = eventstore.NewMemoryStore(account.Codec{})
		s.view = readmodel.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Command service over the event store, queries over the view
	s.bank = bank.NewService(s.events, s.view, s.logger).
		WithConflictRetry(cfg.CommandRetries, cfg.CommandRetryBackoff)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Projector drives the balance view from the event feed and hands each
	// committed batch to the hub
	s.projector = projector.New(projector.Config{
		Name:         cfg.ProjectorName,
		BatchSize:    cfg.ProjectorBatchSize,
		PollInterval: cfg.ProjectorPollInterval,
		RetryBackoff: cfg.ProjectorRetryBackoff,
	}, s.events, s.view, s.logger).WithBroadcaster(s.realtimeHub)

	// Reconciliation reads the same checkpoint the projector writes
	s.reconciler = reconciliation.NewService(s.events, s.view, s.projector.Name())
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.logger.Info("periodic reconciliation enabled", "interval", cfg.ReconcileInterval)
	}

	s.registerHealthChecks()

	// Tracing (no-op without an OTLP endpoint)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openPostgres opens a pooled connection and verifies it
func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// registerHealthChecks wires the subsystem checkers the /health endpoint runs.
func (s *Server) registerHealthChecks() {
	s.checks = health.NewRegistry()

	if s.eventsDB != nil {
		s.checks.Register("eventstore", pingCheck("eventstore", s.eventsDB))
		s.checks.Register("readmodel", pingCheck("readmodel", s.viewDB))
	}

	// A halted projector keeps serving queries, but the view stops advancing.
	s.checks.Register("projector", func(ctx context.Context) health.Status {
		if s.projector.Halted() {
			return health.Status{Name: "projector", Healthy: false, Detail: "projection halted on an unprocessable batch"}
		}
		return health.Status{Name: "projector", Healthy: true}
	})
}

func pingCheck(name string, db *sql.DB) health.Checker {
	return func(ctx context.Context) health.Status {
		if err := db.PingContext(ctx); err != nil {
			return health.Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: name, Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AccountIDParamMiddleware())

	bank.NewHandler(s.bank).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Start the projector before accepting traffic. Without it, commands
	// still append but the view goes stale forever.
	if err := s.projector.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start projector: %w", err)
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start periodic reconciliation sweep
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	// Sample connection pool stats
	if s.eventsDB != nil {
		go metrics.StartDBStatsCollector(runCtx, "eventstore", s.eventsDB, dbStatsInterval)
		go metrics.StartDBStatsCollector(runCtx, "readmodel", s.viewDB, dbStatsInterval)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Wait for the projector to finish its in-flight batch
	s.projector.Stop()
	s.logger.Info("projector stopped")

	// Stop reconciliation sweep
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pools
	if s.eventsDB != nil {
		if err := s.eventsDB.Close(); err != nil {
			s.logger.Error("event store close error", "error", err)
		}
	}
	if s.viewDB != nil {
		if err := s.viewDB.Close(); err != nil {
			s.logger.Error("read model close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
