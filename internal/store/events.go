package store

import (
	"context"
	"fmt"
	"time"

	"order-saga/internal/eventstore"
	"order-saga/internal/models"
)

// EventStore is a Postgres eventstore.Store. Appends for one order are
// serialized with a transaction scoped advisory lock.
type EventStore struct {
	s *Store
}

// NewEventStore creates a new Postgres event store
func NewEventStore(s *Store) *EventStore {
	return &EventStore{s: s}
}

type eventRow struct {
	EventID       string    `db:"event_id"`
	OrderID       string    `db:"order_id"`
	Sequence      int64     `db:"sequence"`
	Kind          string    `db:"kind"`
	CorrelationID string    `db:"correlation_id"`
	CausationID   string    `db:"causation_id"`
	Payload       []byte    `db:"payload"`
	OccurredAt    time.Time `db:"occurred_at"`
}

// Append implements eventstore.Store
func (e *EventStore) Append(ctx context.Context, orderID string, expectedVersion int64, events []models.Envelope) error {
	if err := eventstore.CheckSequence(orderID, expectedVersion, events); err != nil {
		return err
	}

	tx, err := e.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", orderID); err != nil {
		return fmt.Errorf("failed to lock order stream: %w", err)
	}

	var current int64
	err = tx.GetContext(ctx, &current,
		"SELECT COALESCE(MAX(sequence), 0) FROM order_events WHERE order_id = $1", orderID)
	if err != nil {
		return fmt.Errorf("failed to read stream version: %w", err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: order %s at version %d, expected %d",
			eventstore.ErrConcurrencyConflict, orderID, current, expectedVersion)
	}

	const query = `
		INSERT INTO order_events (event_id, order_id, sequence, kind, correlation_id, causation_id, payload, occurred_at)
		VALUES (:event_id, :order_id, :sequence, :kind, :correlation_id, :causation_id, :payload, :occurred_at)`

	for _, env := range events {
		row := eventRow{
			EventID:       env.EventID,
			OrderID:       env.OrderID,
			Sequence:      env.Sequence,
			Kind:          env.Kind,
			CorrelationID: env.CorrelationID,
			CausationID:   env.CausationID,
			Payload:       env.Payload,
			OccurredAt:    env.Timestamp,
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			if isUniqueViolation(err, "order_events_order_sequence_key") {
				return fmt.Errorf("%w: order %s sequence %d taken", eventstore.ErrConcurrencyConflict, orderID, env.Sequence)
			}
			return fmt.Errorf("failed to append %s: %w", env.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: order %s", eventstore.ErrConcurrencyConflict, orderID)
		}
		return err
	}
	return nil
}

// Load implements eventstore.Store
func (e *EventStore) Load(ctx context.Context, orderID string) ([]models.Envelope, error) {
	var rows []eventRow
	err := e.s.db.SelectContext(ctx, &rows, `
		SELECT event_id, order_id, sequence, kind, correlation_id, causation_id, payload, occurred_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY sequence`, orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrAggregateNotFound, orderID)
	}

	envs := make([]models.Envelope, 0, len(rows))
	for _, r := range rows {
		envs = append(envs, models.Envelope{
			EventID:       r.EventID,
			Kind:          r.Kind,
			OrderID:       r.OrderID,
			Sequence:      r.Sequence,
			CorrelationID: r.CorrelationID,
			CausationID:   r.CausationID,
			Timestamp:     r.OccurredAt.UTC(),
			Payload:       r.Payload,
		})
	}
	return envs, nil
}
