package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Advisory lock keys shared by every instance talking to the same database.
const (
	schemaLockKey int64 = 824001 // serializes schema creation
	appendLockKey int64 = 824002 // serializes appends
)

// PostgresStore persists events in PostgreSQL.
//
// Appends run in SERIALIZABLE transactions and additionally take a global
// advisory lock. Without the lock two appends could commit out of position
// order, letting a reader that pages by global position skip the
// later-committing event forever. The lock keeps commits in position order.
type PostgresStore struct {
	db    *sql.DB
	codec Codec
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store backed by the given database handle.
func NewPostgresStore(db *sql.DB, codec Codec) *PostgresStore {
	return &PostgresStore{db: db, codec: codec}
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
	global_position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id        UUID NOT NULL UNIQUE,
	stream_id       UUID NOT NULL,
	version         BIGINT NOT NULL,
	event_type      TEXT NOT NULL,
	event_data      JSONB NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}',
	occurred_on     TIMESTAMPTZ NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (stream_id, version)
)`

// Migrate creates the events table if it does not exist. Concurrent
// instances racing at startup serialize on an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("failed to acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema migration: %w", err)
	}
	return nil
}

// Load returns the full history of a stream in version order.
func (s *PostgresStore) Load(ctx context.Context, streamID uuid.UUID) ([]StoredEvent, error) {
	defer observeOp("load")()

	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type,
		       event_data, metadata, occurred_on, recorded_at
		FROM events
		WHERE stream_id = $1
		ORDER BY version ASC`,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanEvents(rows)
}

// Append commits events at expectedVersion+1 onward in a single
// transaction, or fails with ErrConcurrencyConflict without writing.
func (s *PostgresStore) Append(ctx context.Context, streamID uuid.UUID, expectedVersion int64, events []PendingEvent) error {
	defer observeOp("append")()

	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		appendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		appendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to acquire append lock: %w", err)
	}

	var actual int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events WHERE stream_id = $1`,
		streamID,
	).Scan(&actual); err != nil {
		appendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to read stream head %s: %w", streamID, err)
	}

	if actual != expectedVersion {
		appendsTotal.WithLabelValues("conflict").Inc()
		return &ConflictError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}

	now := time.Now().UTC()
	for i, pending := range events {
		eventType, data, err := s.codec.Encode(pending.Event)
		if err != nil {
			appendsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to encode event: %w", err)
		}
		occurred := pending.OccurredOn
		if occurred.IsZero() {
			occurred = now
		}
		metadata := pending.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_id, version, event_type, event_data, metadata, occurred_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), streamID, expectedVersion+1+int64(i), eventType,
			[]byte(data), []byte(metadata), occurred,
		); err != nil {
			return s.appendFailure(err, streamID, expectedVersion, actual)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.appendFailure(err, streamID, expectedVersion, actual)
	}

	appendsTotal.WithLabelValues("ok").Inc()
	eventsAppendedTotal.Add(float64(len(events)))
	return nil
}

// LoadSince returns up to limit events with global position > position.
func (s *PostgresStore) LoadSince(ctx context.Context, position int64, limit int) ([]StoredEvent, error) {
	defer observeOp("load_since")()

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type,
		       event_data, metadata, occurred_on, recorded_at
		FROM events
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`,
		position, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load events after position %d: %w", position, err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanEvents(rows)
}

// appendFailure maps duplicate-version and serialization errors onto the
// concurrency conflict sentinel. Everything else is a storage error.
func (s *PostgresStore) appendFailure(err error, streamID uuid.UUID, expected, actual int64) error {
	if pqErr, ok := err.(*pq.Error); ok {
		// 23505: unique_violation on (stream_id, version).
		// 40001: serialization_failure between concurrent appends.
		if pqErr.Code == "23505" || pqErr.Code == "40001" {
			appendsTotal.WithLabelValues("conflict").Inc()
			return &ConflictError{StreamID: streamID, ExpectedVersion: expected, ActualVersion: actual}
		}
	}
	appendsTotal.WithLabelValues("error").Inc()
	return fmt.Errorf("failed to append to stream %s: %w", streamID, err)
}

func (s *PostgresStore) scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var (
			se             StoredEvent
			data, metadata []byte
		)
		if err := rows.Scan(
			&se.GlobalPosition, &se.EventID, &se.StreamID, &se.Version,
			&se.EventType, &data, &metadata, &se.OccurredOn, &se.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		se.Data = json.RawMessage(data)
		se.Metadata = json.RawMessage(metadata)

		event, err := s.codec.Decode(se.EventType, se.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %s at position %d: %w", se.EventID, se.GlobalPosition, err)
		}
		se.Event = event

		events = append(events, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return events, nil
}
