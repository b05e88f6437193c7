// Command migrate runs database migrations via goose.
//
// The event store and the read model live in separate databases with
// separate migration sets, so the target schema is the first argument.
//
// Usage:
//
//	go run ./cmd/migrate eventstore up       # Apply pending event store migrations
//	go run ./cmd/migrate readmodel up        # Apply pending read model migrations
//	go run ./cmd/migrate eventstore status   # Show migration status
//	go run ./cmd/migrate readmodel down      # Roll back the last migration
//	go run ./cmd/migrate readmodel version   # Show current schema version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsRoot = "migrations"

// targets maps each schema name to its database URL env var and goose
// version table. The version tables differ so both schemas can share one
// database in development.
var targets = map[string]struct {
	envVar string
	table  string
}{
	"eventstore": {"EVENTSTORE_URL", "goose_eventstore_version"},
	"readmodel":  {"READMODEL_URL", "goose_readmodel_version"},
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: migrate <eventstore|readmodel> <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	schema := os.Args[1]
	target, ok := targets[schema]
	if !ok {
		log.Fatalf("Unknown schema %q (want eventstore or readmodel)", schema)
	}

	dbURL := os.Getenv(target.envVar)
	if dbURL == "" {
		log.Fatalf("%s environment variable is required", target.envVar)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	goose.SetTableName(target.table)

	command := os.Args[2]
	args := os.Args[3:]

	dir := filepath.Join(migrationsRoot, schema)
	if err := goose.RunContext(context.Background(), command, db, dir, args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
