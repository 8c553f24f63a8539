// Package store persists the saga in Postgres: order event streams,
// payments, the inventory journal and processed message ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store wraps the database connection pool
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports a unique constraint failure, optionally on a
// specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

const schema = `
CREATE TABLE IF NOT EXISTS order_events (
	event_id       UUID PRIMARY KEY,
	order_id       TEXT        NOT NULL,
	sequence       BIGINT      NOT NULL,
	kind           TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL DEFAULT '',
	causation_id   TEXT        NOT NULL DEFAULT '',
	payload        JSONB       NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	CONSTRAINT order_events_order_sequence_key UNIQUE (order_id, sequence)
);

CREATE INDEX IF NOT EXISTS order_events_customer_idx
	ON order_events ((payload->>'customer_id'), occurred_at DESC) WHERE kind = 'OrderCreated';

CREATE TABLE IF NOT EXISTS payments (
	id             TEXT PRIMARY KEY,
	order_id       TEXT          NOT NULL,
	customer_id    TEXT          NOT NULL,
	amount         NUMERIC(14,2) NOT NULL,
	status         TEXT          NOT NULL,
	retry_count    INT           NOT NULL DEFAULT 0,
	failure_reason TEXT          NOT NULL DEFAULT '',
	error_code     TEXT          NOT NULL DEFAULT '',
	transaction_id TEXT          NOT NULL DEFAULT '',
	correlation_id TEXT          NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ   NOT NULL,
	updated_at     TIMESTAMPTZ   NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS payments_active_order_key
	ON payments (order_id) WHERE status IN ('PENDING', 'PROCESSING', 'APPROVED');

CREATE INDEX IF NOT EXISTS payments_processing_idx
	ON payments (updated_at) WHERE status = 'PROCESSING';

CREATE TABLE IF NOT EXISTS inventory (
	product_id TEXT PRIMARY KEY,
	available  INT         NOT NULL CHECK (available >= 0),
	reserved   INT         NOT NULL CHECK (reserved >= 0),
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id           TEXT PRIMARY KEY,
	order_id     TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	lines        JSONB       NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS reservations_order_idx ON reservations (order_id);

CREATE TABLE IF NOT EXISTS processed_events (
	event_key    TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at   TIMESTAMPTZ
);
`
