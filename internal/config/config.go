// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Databases. The event store and the read model are separate databases
	// so the append path and the query path can be scaled and backed up
	// independently. Leave both empty to run fully in memory.
	EventStoreURL string
	ReadModelURL  string

	// Projector settings
	ProjectorName         string
	ProjectorBatchSize    int
	ProjectorPollInterval time.Duration
	ProjectorRetryBackoff time.Duration

	// Command settings
	CommandRetries      int
	CommandRetryBackoff time.Duration

	// Reconciliation sweep interval. Zero disables the periodic sweep;
	// the admin endpoint stays available either way.
	ReconcileInterval time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultProjectorBatchSize    = 100
	DefaultProjectorPollMS       = 400
	DefaultProjectorBackoffMS    = 2000
	DefaultCommandRetries        = 3
	DefaultCommandBackoffMS      = 25
	DefaultReconcileIntervalMins = 0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		EventStoreURL:         os.Getenv("EVENTSTORE_URL"),
		ReadModelURL:          os.Getenv("READMODEL_URL"),
		ProjectorName:         os.Getenv("PROJECTOR_NAME"), // Empty means the projector default
		ProjectorBatchSize:    int(getEnvInt64("PROJECTOR_BATCH_SIZE", DefaultProjectorBatchSize)),
		ProjectorPollInterval: getEnvMillis("PROJECTOR_POLL_INTERVAL_MS", DefaultProjectorPollMS),
		ProjectorRetryBackoff: getEnvMillis("PROJECTOR_RETRY_BACKOFF_MS", DefaultProjectorBackoffMS),
		CommandRetries:        int(getEnvInt64("COMMAND_RETRIES", DefaultCommandRetries)),
		CommandRetryBackoff:   getEnvMillis("COMMAND_RETRY_BACKOFF_MS", DefaultCommandBackoffMS),
		ReconcileInterval: time.Duration(getEnvInt64(
			"RECONCILE_INTERVAL_MINUTES", DefaultReconcileIntervalMins)) * time.Minute,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	// Running the event store on Postgres and the read model in memory (or
	// the other way round) would lose one side on restart but not the other,
	// leaving a view that can never be rebuilt to match its log.
	if (c.EventStoreURL == "") != (c.ReadModelURL == "") {
		return fmt.Errorf("EVENTSTORE_URL and READMODEL_URL must be set together (or both empty for in-memory mode)")
	}

	if c.ProjectorBatchSize <= 0 {
		return fmt.Errorf("PROJECTOR_BATCH_SIZE must be positive")
	}
	if c.ProjectorPollInterval <= 0 {
		return fmt.Errorf("PROJECTOR_POLL_INTERVAL_MS must be positive")
	}
	if c.CommandRetries <= 0 {
		return fmt.Errorf("COMMAND_RETRIES must be positive")
	}

	return nil
}

// UsePostgres returns true when the service runs against Postgres rather
// than the in-memory stores.
func (c *Config) UsePostgres() bool {
	return c.EventStoreURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultValue)) * time.Millisecond
}
