// Package payment is the payment participant of the order saga: the payment
// entity state machine, its repository, the gateway abstraction and the
// service that turns payment requests into PaymentProcessed outcomes.
package payment

import (
	"errors"
	"fmt"
	"time"

	"order-saga/internal/models"

	"github.com/shopspring/decimal"
)

// MaxRetries bounds how often a failed or declined payment may be retried
const MaxRetries = 3

var (
	ErrInvalidState     = errors.New("invalid payment state")
	ErrPaymentExists    = errors.New("active payment already exists for order")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrStaleState       = errors.New("payment state changed concurrently")
	ErrRetriesExhausted = errors.New("payment retries exhausted")
	ErrPaymentInFlight  = errors.New("payment already submitted to gateway")
)

// Payment is a charge attempt for one order
type Payment struct {
	ID            string               `json:"payment_id" db:"id"`
	OrderID       string               `json:"order_id" db:"order_id"`
	CustomerID    string               `json:"customer_id" db:"customer_id"`
	Amount        decimal.Decimal      `json:"amount" db:"amount"`
	Status        models.PaymentStatus `json:"status" db:"status"`
	RetryCount    int                  `json:"retry_count" db:"retry_count"`
	FailureReason string               `json:"failure_reason,omitempty" db:"failure_reason"`
	ErrorCode     string               `json:"error_code,omitempty" db:"error_code"`
	TransactionID string               `json:"transaction_id,omitempty" db:"transaction_id"`
	CorrelationID string               `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at" db:"updated_at"`
}

// New creates a PENDING payment
func New(id, orderID, customerID string, amount decimal.Decimal, correlationID string, now time.Time) *Payment {
	return &Payment{
		ID:            id,
		OrderID:       orderID,
		CustomerID:    customerID,
		Amount:        amount,
		Status:        models.PaymentPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (p *Payment) invalid(action string) error {
	return fmt.Errorf("%w: cannot %s payment %s in status %s", ErrInvalidState, action, p.ID, p.Status)
}

// StartProcessing moves a PENDING payment to PROCESSING
func (p *Payment) StartProcessing(now time.Time) error {
	if p.Status != models.PaymentPending {
		return p.invalid("start processing")
	}
	p.Status = models.PaymentProcessing
	p.UpdatedAt = now
	return nil
}

// Approve records a successful charge
func (p *Payment) Approve(transactionID string, now time.Time) error {
	if p.Status != models.PaymentProcessing {
		return p.invalid("approve")
	}
	p.Status = models.PaymentApproved
	p.TransactionID = transactionID
	p.FailureReason = ""
	p.ErrorCode = ""
	p.UpdatedAt = now
	return nil
}

// Decline records a charge refused by the gateway
func (p *Payment) Decline(reason, code string, now time.Time) error {
	if p.Status != models.PaymentProcessing {
		return p.invalid("decline")
	}
	p.Status = models.PaymentDeclined
	p.FailureReason = reason
	p.ErrorCode = code
	p.UpdatedAt = now
	return nil
}

// Fail records a technical failure while charging
func (p *Payment) Fail(reason, code string, now time.Time) error {
	if p.Status != models.PaymentProcessing && p.Status != models.PaymentPending {
		return p.invalid("fail")
	}
	p.Status = models.PaymentFailed
	p.FailureReason = reason
	p.ErrorCode = code
	p.UpdatedAt = now
	return nil
}

// Cancel abandons a payment that has not been charged yet
func (p *Payment) Cancel(now time.Time) error {
	if p.Status != models.PaymentPending && p.Status != models.PaymentProcessing {
		return p.invalid("cancel")
	}
	p.Status = models.PaymentCancelled
	p.UpdatedAt = now
	return nil
}

// CanRetry reports whether Retry would succeed
func (p *Payment) CanRetry() bool {
	return p.Status.Unsuccessful() && p.RetryCount < MaxRetries
}

// Retry returns a failed or declined payment to PENDING
func (p *Payment) Retry(now time.Time) error {
	if !p.Status.Unsuccessful() {
		return p.invalid("retry")
	}
	if p.RetryCount >= MaxRetries {
		return fmt.Errorf("%w: payment %s after %d retries", ErrRetriesExhausted, p.ID, p.RetryCount)
	}
	p.RetryCount++
	p.Status = models.PaymentPending
	p.FailureReason = ""
	p.ErrorCode = ""
	p.UpdatedAt = now
	return nil
}

// Final reports whether the payment has a settled outcome
func (p *Payment) Final() bool {
	switch p.Status {
	case models.PaymentApproved, models.PaymentDeclined, models.PaymentFailed, models.PaymentCancelled:
		return true
	}
	return false
}

// Outcome is the PaymentProcessed event describing the current state
func (p *Payment) Outcome() *models.PaymentProcessed {
	return &models.PaymentProcessed{
		OrderID:       p.OrderID,
		PaymentID:     p.ID,
		Status:        p.Status,
		Amount:        p.Amount,
		TransactionID: p.TransactionID,
		Reason:        p.FailureReason,
	}
}
