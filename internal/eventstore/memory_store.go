package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and demo mode. It follows
// the same version and ordering rules as the Postgres store: contiguous
// per-stream versions and dense 1-based global positions.
type MemoryStore struct {
	codec Codec

	mu      sync.RWMutex
	log     []StoredEvent       // ascending global position
	streams map[uuid.UUID][]int // stream id -> indexes into log
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store using the given codec.
func NewMemoryStore(codec Codec) *MemoryStore {
	return &MemoryStore{
		codec:   codec,
		streams: make(map[uuid.UUID][]int),
	}
}

// Load returns all events of a stream in version order.
func (s *MemoryStore) Load(ctx context.Context, streamID uuid.UUID) ([]StoredEvent, error) {
	defer observeOp("load")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes := s.streams[streamID]
	events := make([]StoredEvent, 0, len(indexes))
	for _, i := range indexes {
		events = append(events, s.log[i])
	}
	return events, nil
}

// Append commits events at expectedVersion+1 onward, or fails with a
// ConflictError without writing anything.
func (s *MemoryStore) Append(ctx context.Context, streamID uuid.UUID, expectedVersion int64, events []PendingEvent) error {
	defer observeOp("append")()

	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actual := int64(len(s.streams[streamID])) - 1
	if actual != expectedVersion {
		appendsTotal.WithLabelValues("conflict").Inc()
		return &ConflictError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}

	// Encode everything before touching the log so a codec failure leaves
	// the store untouched.
	now := time.Now().UTC()
	staged := make([]StoredEvent, 0, len(events))
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
		staged = append(staged, StoredEvent{
			EventID:        uuid.New(),
			StreamID:       streamID,
			Version:        expectedVersion + 1 + int64(i),
			EventType:      eventType,
			Event:          pending.Event,
			Data:           data,
			Metadata:       metadata,
			OccurredOn:     occurred,
			RecordedAt:     now,
			GlobalPosition: int64(len(s.log)) + 1 + int64(i),
		})
	}

	for _, se := range staged {
		s.log = append(s.log, se)
		s.streams[streamID] = append(s.streams[streamID], len(s.log)-1)
	}

	appendsTotal.WithLabelValues("ok").Inc()
	eventsAppendedTotal.Add(float64(len(staged)))
	return nil
}

// LoadSince returns up to limit events with global position > position.
func (s *MemoryStore) LoadSince(ctx context.Context, position int64, limit int) ([]StoredEvent, error) {
	defer observeOp("load_since")()

	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// log[i].GlobalPosition == i+1, so the first event past position sits
	// at index position.
	start := int(position)
	if start < 0 {
		start = 0
	}
	if start >= len(s.log) {
		return nil, nil
	}
	end := start + limit
	if end > len(s.log) {
		end = len(s.log)
	}

	out := make([]StoredEvent, end-start)
	copy(out, s.log[start:end])
	return out, nil
}
