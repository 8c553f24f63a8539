package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/payment"
)

// PaymentRepository is a Postgres payment.Repository. A partial unique
// index keeps at most one active payment per order.
type PaymentRepository struct {
	s *Store
}

// NewPaymentRepository creates a new Postgres payment repository
func NewPaymentRepository(s *Store) *PaymentRepository {
	return &PaymentRepository{s: s}
}

// Create implements payment.Repository
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, customer_id, amount, status, retry_count, failure_reason,
			error_code, transaction_id, correlation_id, created_at, updated_at)
		VALUES (:id, :order_id, :customer_id, :amount, :status, :retry_count, :failure_reason,
			:error_code, :transaction_id, :correlation_id, :created_at, :updated_at)`

	if _, err := r.s.db.NamedExecContext(ctx, query, p); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: order %s", payment.ErrPaymentExists, p.OrderID)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// Update implements payment.Repository
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, expected models.PaymentStatus) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, retry_count = $2, failure_reason = $3, error_code = $4,
			transaction_id = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		p.Status, p.RetryCount, p.FailureReason, p.ErrorCode, p.TransactionID, p.UpdatedAt, p.ID, expected)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: order %s", payment.ErrPaymentExists, p.OrderID)
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, p.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: payment %s no longer %s", payment.ErrStaleState, p.ID, expected)
}

// Get implements payment.Repository
func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", payment.ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ForOrder implements payment.Repository
func (r *PaymentRepository) ForOrder(ctx context.Context, orderID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.s.db.GetContext(ctx, &p,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", payment.ErrPaymentNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Stuck implements payment.Repository
func (r *PaymentRepository) Stuck(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var payments []*payment.Payment
	err := r.s.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3`, models.PaymentProcessing, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck payments: %w", err)
	}
	return payments, nil
}
