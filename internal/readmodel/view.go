// Package readmodel keeps a queryable summary of every order, derived from
// the stored event streams. It trails the write side and never feeds back
// into saga decisions.
package readmodel

import (
	"context"
	"time"

	"order-saga/internal/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// OrderView is the list representation of an order
type OrderView struct {
	OrderID       string               `json:"order_id" db:"order_id"`
	CustomerID    string               `json:"customer_id" db:"customer_id"`
	Status        models.OrderStatus   `json:"status" db:"status"`
	TotalAmount   decimal.Decimal      `json:"total_amount" db:"total_amount"`
	ItemCount     int                  `json:"item_count" db:"item_count"`
	PaymentID     string               `json:"payment_id,omitempty" db:"payment_id"`
	PaymentStatus models.PaymentStatus `json:"payment_status,omitempty" db:"payment_status"`
	Version       int64                `json:"version" db:"version"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at" db:"updated_at"`
}

// Query filters a listing. Empty fields match everything.
type Query struct {
	CustomerID string
	Status     models.OrderStatus
	Limit      int
}

// Normalize clamps the limit into 1..MaxLimit
func (q Query) Normalize() Query {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return q
}

// Matches reports whether v passes the filters of q
func (q Query) Matches(v OrderView) bool {
	if q.CustomerID != "" && v.CustomerID != q.CustomerID {
		return false
	}
	return q.Status == "" || v.Status == q.Status
}

// Reader lists orders, newest first
type Reader interface {
	ListOrders(ctx context.Context, q Query) ([]OrderView, error)
}

// StatusAfter returns the order status an event kind leads to. Kinds that
// leave the status alone report false.
func StatusAfter(kind string) (models.OrderStatus, bool) {
	switch kind {
	case models.KindOrderCreated:
		return models.OrderStatusPending, true
	case models.KindInventoryReserved:
		return models.OrderStatusInventoryReserved, true
	case models.KindPaymentProcessingRequested:
		return models.OrderStatusPaymentProcessing, true
	case models.KindOrderCompleted:
		return models.OrderStatusConfirmed, true
	case models.KindOrderCancelled:
		return models.OrderStatusCancelled, true
	case models.KindOrderFailed:
		return models.OrderStatusFailed, true
	}
	return "", false
}

// Fold applies one stored event to v
func Fold(v *OrderView, env models.Envelope, ev models.Event) {
	switch e := ev.(type) {
	case *models.OrderCreated:
		v.OrderID = env.OrderID
		v.CustomerID = e.CustomerID
		v.TotalAmount = e.TotalAmount
		v.ItemCount = len(e.Items)
		v.CreatedAt = env.Timestamp
	case *models.PaymentProcessingRequested:
		v.PaymentID = e.PaymentID
		v.PaymentStatus = models.PaymentPending
	case *models.PaymentProcessed:
		v.PaymentID = e.PaymentID
		v.PaymentStatus = e.Status
	}
	if status, ok := StatusAfter(env.Kind); ok {
		v.Status = status
	}
	v.Version = env.Sequence
	v.UpdatedAt = env.Timestamp
}
