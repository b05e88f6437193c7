// Package eventstore persists domain events as append-only streams.
//
// Model:
//   - Each aggregate owns one stream, identified by UUID.
//   - Events in a stream are numbered by a contiguous version starting at 0.
//   - Every committed event also receives a store-assigned global position
//     that is strictly monotonic across all streams. Readers use it as a
//     resume cursor.
//
// Appends are guarded by optimistic concurrency: the caller states the
// stream version it based its decision on, and the store rejects the write
// when the stream has moved past it.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected version
	// does not match the stream head. The caller may reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownEventType is returned when a stored event carries a type
	// tag outside the codec's registry. It signals schema drift between
	// writer and reader and is not retryable.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event is a domain event payload. Implementations are plain structs whose
// exported fields form the persisted JSON document.
type Event interface {
	// EventType returns the stable wire tag of the event, e.g.
	// "MoneyDeposited". Tags are part of the storage schema.
	EventType() string
}

// Codec converts between typed events and their stored form. The registry
// behind a Codec is closed: both directions fail with ErrUnknownEventType
// for tags it does not know.
type Codec interface {
	Encode(event Event) (eventType string, data json.RawMessage, err error)
	Decode(eventType string, data json.RawMessage) (Event, error)
}

// PendingEvent is an event raised by an aggregate but not yet persisted.
type PendingEvent struct {
	Event      Event
	OccurredOn time.Time       // domain time, set when the command ran
	Metadata   json.RawMessage // opaque to the store; empty means {}
}

// StoredEvent is a committed event read back from the store.
type StoredEvent struct {
	EventID        uuid.UUID
	StreamID       uuid.UUID
	Version        int64
	EventType      string
	Event          Event // decoded payload
	Data           json.RawMessage
	Metadata       json.RawMessage
	OccurredOn     time.Time
	RecordedAt     time.Time
	GlobalPosition int64
}

// Store is an append-only event log with per-stream optimistic locking and
// a global position feed.
type Store interface {
	// Load returns the full history of a stream in ascending version
	// order. A stream with no events yields an empty slice, not an error.
	Load(ctx context.Context, streamID uuid.UUID) ([]StoredEvent, error)

	// Append atomically writes events at versions expectedVersion+1,
	// expectedVersion+2, and so on. Use expectedVersion -1 for a new
	// stream. Returns ErrConcurrencyConflict when the stream head is not
	// at expectedVersion; in that case nothing is written.
	Append(ctx context.Context, streamID uuid.UUID, expectedVersion int64, events []PendingEvent) error

	// LoadSince returns up to limit events whose global position is
	// strictly greater than position, in ascending position order.
	LoadSince(ctx context.Context, position int64, limit int) ([]StoredEvent, error)
}

// ConflictError reports the stream and versions involved in a rejected
// append. It unwraps to ErrConcurrencyConflict.
type ConflictError struct {
	StreamID        uuid.UUID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, stream at %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// IsConcurrencyConflict reports whether err is an append rejected by the
// version guard.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
