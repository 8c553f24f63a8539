package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds
const (
	KindOrderCreated               = "OrderCreated"
	KindInventoryReserved          = "InventoryReserved"
	KindInventoryReservationFailed = "InventoryReservationFailed"
	KindPaymentProcessingRequested = "PaymentProcessingRequested"
	KindPaymentProcessed           = "PaymentProcessed"
	KindOrderCompleted             = "OrderCompleted"
	KindOrderCancelled             = "OrderCancelled"
	KindOrderFailed                = "OrderFailed"
)

// Event is a kind-specific payload
type Event interface {
	Kind() string
}

// Envelope carries one event on the bus and in the event store
type Envelope struct {
	EventID       string          `json:"event_id" db:"event_id"`
	Kind          string          `json:"kind" db:"kind"`
	OrderID       string          `json:"order_id" db:"order_id"`
	Sequence      int64           `json:"sequence" db:"sequence"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty" db:"causation_id"`
	Timestamp     time.Time       `json:"timestamp" db:"occurred_at"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
}

// OrderCreated starts the saga
type OrderCreated struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (OrderCreated) Kind() string { return KindOrderCreated }

// InventoryReserved is published once all lines are held
type InventoryReserved struct {
	OrderID       string      `json:"order_id"`
	ReservationID string      `json:"reservation_id"`
	Lines         []StockLine `json:"lines"`
}

func (InventoryReserved) Kind() string { return KindInventoryReserved }

// InventoryReservationFailed names the first line that could not be held
type InventoryReservationFailed struct {
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func (InventoryReservationFailed) Kind() string { return KindInventoryReservationFailed }

// PaymentProcessingRequested asks the payment participant to charge the order
type PaymentProcessingRequested struct {
	OrderID    string          `json:"order_id"`
	PaymentID  string          `json:"payment_id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

func (PaymentProcessingRequested) Kind() string { return KindPaymentProcessingRequested }

// PaymentProcessed reports the gateway outcome
type PaymentProcessed struct {
	OrderID       string          `json:"order_id"`
	PaymentID     string          `json:"payment_id"`
	Status        PaymentStatus   `json:"payment_status"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (PaymentProcessed) Kind() string { return KindPaymentProcessed }

// OrderCompleted marks a confirmed order
type OrderCompleted struct {
	OrderID     string          `json:"order_id"`
	PaymentID   string          `json:"payment_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (OrderCompleted) Kind() string { return KindOrderCompleted }

// OrderCancelled is the compensation outcome
type OrderCancelled struct {
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
	ReservationID string `json:"reservation_id,omitempty"`
}

func (OrderCancelled) Kind() string { return KindOrderCancelled }

// OrderFailed marks an unrecoverable technical failure
type OrderFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (OrderFailed) Kind() string { return KindOrderFailed }
