package eventstore

import (
	"context"
	"fmt"
	"sync"

	"order-saga/internal/models"
)

type stream struct {
	mu     sync.Mutex
	events []models.Envelope
}

// MemoryStore keeps streams in process. Appends to one order are serialized;
// different orders never contend.
type MemoryStore struct {
	streams sync.Map // order id -> *stream
}

// NewMemoryStore creates a new in-memory event store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) stream(orderID string) *stream {
	s, _ := m.streams.LoadOrStore(orderID, &stream{})
	return s.(*stream)
}

// Append implements Store
func (m *MemoryStore) Append(ctx context.Context, orderID string, expectedVersion int64, events []models.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s := m.stream(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.events))
	if current != expectedVersion {
		return fmt.Errorf("%w: order %s is at version %d, expected %d", ErrConcurrencyConflict, orderID, current, expectedVersion)
	}
	if err := CheckSequence(orderID, expectedVersion, events); err != nil {
		return err
	}

	for _, ev := range events {
		ev.Payload = append([]byte(nil), ev.Payload...)
		s.events = append(s.events, ev)
	}
	return nil
}

// Load implements Store
func (m *MemoryStore) Load(ctx context.Context, orderID string) ([]models.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := m.streams.Load(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, orderID)
	}
	s := v.(*stream)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, orderID)
	}
	out := make([]models.Envelope, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Version returns the stored version of an order's stream, 0 if none
func (m *MemoryStore) Version(orderID string) int64 {
	v, ok := m.streams.Load(orderID)
	if !ok {
		return 0
	}
	s := v.(*stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events))
}
