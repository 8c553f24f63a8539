// Package order holds the event-sourced order aggregate. State only changes
// by applying recorded events; commands validate, raise and apply events and
// leave persistence and publication to the caller.
package order

import (
	"errors"
	"fmt"
	"time"

	"order-saga/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOutOfSequence     = errors.New("out of sequence event")
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionError describes an event that is not legal from the current status
type TransitionError struct {
	From models.OrderStatus
	Kind string
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "NEW"
	}
	return fmt.Sprintf("%s: %s not allowed from %s", ErrInvalidTransition, e.Kind, from)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Pending is an event raised by a command but not yet persisted
type Pending struct {
	Sequence  int64
	Timestamp time.Time
	Event     models.Event
}

// Order is the aggregate state
type Order struct {
	ID            string               `json:"order_id"`
	CustomerID    string               `json:"customer_id"`
	Items         []models.OrderItem   `json:"items"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	Status        models.OrderStatus   `json:"status"`
	Version       int64                `json:"version"`
	CorrelationID string               `json:"correlation_id"`
	ReservationID string               `json:"reservation_id,omitempty"`
	PaymentID     string               `json:"payment_id,omitempty"`
	PaymentStatus models.PaymentStatus `json:"payment_status,omitempty"`
	StockFailure  string               `json:"stock_failure,omitempty"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Corrupted     bool                 `json:"corrupted,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`

	uncommitted []Pending
	clock       func() time.Time
}

// Empty returns a blank aggregate ready for replay
func Empty(id string) *Order {
	return &Order{ID: id}
}

// Create validates the command and raises OrderCreated.
func Create(id, customerID, correlationID string, items []models.OrderItem, now time.Time) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item %d has no product id", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrder, i)
		}
		if item.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: item %d unit price must not be negative", ErrInvalidOrder, i)
		}
	}

	o := Empty(id)
	o.CorrelationID = correlationID
	o.clock = func() time.Time { return now }

	owned := make([]models.OrderItem, len(items))
	copy(owned, items)

	err := o.raise(&models.OrderCreated{
		OrderID:     id,
		CustomerID:  customerID,
		Items:       owned,
		TotalAmount: models.TotalAmount(owned),
	})
	if err != nil {
		return nil, err
	}
	o.clock = nil
	return o, nil
}

// Apply transitions the aggregate with a recorded event. The event must carry
// the next sequence number and be legal from the current status; on error the
// state is left untouched.
func (o *Order) Apply(seq int64, at time.Time, ev models.Event) error {
	if seq != o.Version+1 {
		return fmt.Errorf("%w: order %s expected sequence %d, got %d", ErrOutOfSequence, o.ID, o.Version+1, seq)
	}

	next, err := transition(*o, ev)
	if err != nil {
		return err
	}

	next.Version = seq
	next.UpdatedAt = at
	if _, ok := ev.(*models.OrderCreated); ok {
		next.CreatedAt = at
	}
	next.uncommitted = o.uncommitted
	next.clock = o.clock
	*o = next
	return nil
}

func transition(s Order, ev models.Event) (Order, error) {
	deny := func() (Order, error) {
		return s, &TransitionError{From: s.Status, Kind: ev.Kind()}
	}

	switch e := ev.(type) {
	case *models.OrderCreated:
		if s.Version != 0 {
			return deny()
		}
		s.CustomerID = e.CustomerID
		s.Items = append([]models.OrderItem(nil), e.Items...)
		s.TotalAmount = models.TotalAmount(s.Items)
		s.Status = models.OrderStatusPending

	case *models.InventoryReserved:
		if s.Status != models.OrderStatusPending {
			return deny()
		}
		s.ReservationID = e.ReservationID
		s.Status = models.OrderStatusInventoryReserved

	case *models.InventoryReservationFailed:
		if s.Status != models.OrderStatusPending {
			return deny()
		}
		s.StockFailure = e.Reason

	case *models.PaymentProcessingRequested:
		if s.Status != models.OrderStatusInventoryReserved {
			return deny()
		}
		s.PaymentID = e.PaymentID
		s.PaymentStatus = models.PaymentPending
		s.Status = models.OrderStatusPaymentProcessing

	case *models.PaymentProcessed:
		if s.Status != models.OrderStatusPaymentProcessing || s.PaymentStatus == models.PaymentApproved {
			return deny()
		}
		s.PaymentID = e.PaymentID
		s.PaymentStatus = e.Status

	case *models.OrderCompleted:
		if s.Status != models.OrderStatusPaymentProcessing || s.PaymentStatus != models.PaymentApproved {
			return deny()
		}
		s.Status = models.OrderStatusConfirmed

	case *models.OrderCancelled:
		if s.Version == 0 || s.Status.Terminal() {
			return deny()
		}
		s.CancelReason = e.Reason
		s.Status = models.OrderStatusCancelled

	case *models.OrderFailed:
		if s.Version == 0 || s.Status.Terminal() {
			return deny()
		}
		s.FailureReason = e.Reason
		s.Status = models.OrderStatusFailed

	default:
		return deny()
	}

	return s, nil
}

// ReserveInventory records the reservation that holds the order's stock
func (o *Order) ReserveInventory(reservationID string, lines []models.StockLine) error {
	return o.raise(&models.InventoryReserved{OrderID: o.ID, ReservationID: reservationID, Lines: lines})
}

// RejectInventory records why stock could not be held
func (o *Order) RejectInventory(failure models.InventoryReservationFailed) error {
	failure.OrderID = o.ID
	return o.raise(&failure)
}

// RequestPayment moves the order into payment processing
func (o *Order) RequestPayment(paymentID string) error {
	return o.raise(&models.PaymentProcessingRequested{
		OrderID:    o.ID,
		PaymentID:  paymentID,
		CustomerID: o.CustomerID,
		Amount:     o.TotalAmount,
	})
}

// RecordPayment records the payment outcome reported by the payment participant
func (o *Order) RecordPayment(result models.PaymentProcessed) error {
	result.OrderID = o.ID
	return o.raise(&result)
}

// Cancel is legal from any non-terminal state.
func (o *Order) Cancel(reason string) error {
	return o.raise(&models.OrderCancelled{OrderID: o.ID, Reason: reason, ReservationID: o.ReservationID})
}

// Complete requires an approved payment while in PAYMENT_PROCESSING.
func (o *Order) Complete() error {
	return o.raise(&models.OrderCompleted{OrderID: o.ID, PaymentID: o.PaymentID, TotalAmount: o.TotalAmount})
}

// Fail marks an unrecoverable technical error
func (o *Order) Fail(reason string) error {
	return o.raise(&models.OrderFailed{OrderID: o.ID, Reason: reason})
}

func (o *Order) raise(ev models.Event) error {
	now := time.Now().UTC()
	if o.clock != nil {
		now = o.clock()
	}
	seq := o.Version + 1
	if err := o.Apply(seq, now, ev); err != nil {
		return err
	}
	o.uncommitted = append(o.uncommitted, Pending{Sequence: seq, Timestamp: now, Event: ev})
	return nil
}

// Uncommitted returns a copy of events raised since the last commit
func (o *Order) Uncommitted() []Pending {
	out := make([]Pending, len(o.uncommitted))
	copy(out, o.uncommitted)
	return out
}

// CommittedVersion is the version the store holds for this order
func (o *Order) CommittedVersion() int64 {
	return o.Version - int64(len(o.uncommitted))
}

// MarkCommitted clears uncommitted events after a successful append
func (o *Order) MarkCommitted() {
	o.uncommitted = nil
}

// SetClock overrides the time source used when raising events
func (o *Order) SetClock(clock func() time.Time) {
	o.clock = clock
}

// MarkCorrupted records a replay failure. The order is reported as FAILED
// and flagged for manual inspection.
func (o *Order) MarkCorrupted(reason string) {
	o.Corrupted = true
	o.Status = models.OrderStatusFailed
	o.FailureReason = reason
}
