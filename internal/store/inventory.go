package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-saga/internal/inventory"
	"order-saga/internal/models"
)

// InventoryJournal persists ledger changes so stock survives restarts
type InventoryJournal struct {
	s *Store
}

// NewInventoryJournal creates a new Postgres inventory journal
func NewInventoryJournal(s *Store) *InventoryJournal {
	return &InventoryJournal{s: s}
}

type reservationRow struct {
	models.Reservation
	LinesJSON []byte `db:"lines"`
}

// Record implements inventory.Journal. All lines and the reservation are
// written in one transaction.
func (j *InventoryJournal) Record(ctx context.Context, change inventory.Change) error {
	tx, err := j.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, line := range change.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (product_id, available, reserved, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (product_id) DO UPDATE
			SET available = EXCLUDED.available, reserved = EXCLUDED.reserved, updated_at = EXCLUDED.updated_at`,
			line.ProductID, line.Available, line.Reserved, line.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to write inventory %s: %w", line.ProductID, err)
		}
	}

	if res := change.Reservation; res != nil {
		lines, err := json.Marshal(res.Lines)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (id, order_id, status, lines, requested_at, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			res.ID, res.OrderID, res.Status, lines, res.RequestedAt, res.CreatedAt, res.ExpiresAt, res.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to write reservation %s: %w", res.ID, err)
		}
	}

	return tx.Commit()
}

// Snapshot loads stock levels and the reservations still holding or having
// consumed stock, ready for Ledger.Restore.
func (j *InventoryJournal) Snapshot(ctx context.Context) ([]models.InventoryLine, []models.Reservation, error) {
	var lines []models.InventoryLine
	if err := j.s.db.SelectContext(ctx, &lines,
		"SELECT product_id, available, reserved, updated_at FROM inventory ORDER BY product_id"); err != nil {
		return nil, nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	var rows []reservationRow
	err := j.s.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, status, lines, requested_at, created_at, expires_at, updated_at
		FROM reservations
		WHERE status IN ('ACTIVE', 'CONFIRMED')
		ORDER BY created_at`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	reservations := make([]models.Reservation, 0, len(rows))
	for _, row := range rows {
		res := row.Reservation
		if err := json.Unmarshal(row.LinesJSON, &res.Lines); err != nil {
			return nil, nil, fmt.Errorf("failed to decode reservation %s lines: %w", res.ID, err)
		}
		res.RequestedAt = res.RequestedAt.UTC()
		res.CreatedAt = res.CreatedAt.UTC()
		res.ExpiresAt = res.ExpiresAt.UTC()
		res.UpdatedAt = res.UpdatedAt.UTC()
		reservations = append(reservations, res)
	}
	for i := range lines {
		lines[i].UpdatedAt = lines[i].UpdatedAt.UTC()
	}
	return lines, reservations, nil
}

// Inbox records processed message keys in processed_events
type Inbox struct {
	s *Store
}

// NewInbox creates a new Postgres inbox
func NewInbox(s *Store) *Inbox {
	return &Inbox{s: s}
}

// Seen checks if a message has been processed
func (i *Inbox) Seen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := i.s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM processed_events
			WHERE event_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
		)`, key)
	return exists, err
}

// MarkProcessed marks a message as processed
func (i *Inbox) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expires = &t
	}
	_, err := i.s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_key, expires_at) VALUES ($1, $2)
		ON CONFLICT (event_key) DO UPDATE SET expires_at = EXCLUDED.expires_at, processed_at = NOW()`,
		key, expires)
	return err
}
