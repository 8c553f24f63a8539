// Package eventstore persists per-order event streams and rebuilds order
// aggregates from them.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"order-saga/internal/models"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrCorruptedStream     = errors.New("corrupted event stream")
)

// Store is an append-only log of envelopes keyed by order id.
type Store interface {
	// Append adds events to the order's stream. It fails with
	// ErrConcurrencyConflict when the stored version differs from
	// expectedVersion or the events do not continue the stream.
	Append(ctx context.Context, orderID string, expectedVersion int64, events []models.Envelope) error
	// Load returns the stream in sequence order, or ErrAggregateNotFound.
	Load(ctx context.Context, orderID string) ([]models.Envelope, error)
}

// CheckSequence verifies that events belong to orderID and carry sequences
// expectedVersion+1..expectedVersion+n.
func CheckSequence(orderID string, expectedVersion int64, events []models.Envelope) error {
	for i, ev := range events {
		if ev.OrderID != orderID {
			return fmt.Errorf("%w: event %s belongs to order %s, not %s", ErrConcurrencyConflict, ev.EventID, ev.OrderID, orderID)
		}
		want := expectedVersion + int64(i) + 1
		if ev.Sequence != want {
			return fmt.Errorf("%w: order %s expected sequence %d, got %d", ErrConcurrencyConflict, orderID, want, ev.Sequence)
		}
	}
	return nil
}
