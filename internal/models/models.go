package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem is one ordered product line
type OrderItem struct {
	ProductID string          `json:"product_id" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// LineTotal returns quantity x unit price
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TotalAmount sums the line totals of items
func TotalAmount(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// StockLine is a (product, quantity) pair held by a reservation
type StockLine struct {
	ProductID string `json:"product_id" db:"product_id"`
	Quantity  int    `json:"quantity" db:"quantity"`
}

// StockLines projects order items onto the lines the ledger allocates
func StockLines(items []OrderItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// InventoryLine represents product stock
type InventoryLine struct {
	ProductID string    `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Total is available plus reserved stock
func (l InventoryLine) Total() int {
	return l.Available + l.Reserved
}

// ReservationStatus is the lifecycle state of a stock reservation
type ReservationStatus string

// Reservation statuses
const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a hold of stock for one order
type Reservation struct {
	ID          string            `db:"id" json:"reservation_id"`
	OrderID     string            `db:"order_id" json:"order_id"`
	Lines       []StockLine       `db:"-" json:"lines"`
	Status      ReservationStatus `db:"status" json:"status"`
	RequestedAt time.Time         `db:"requested_at" json:"requested_at"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time         `db:"expires_at" json:"expires_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// PaymentStatus is the lifecycle state of a payment
type PaymentStatus string

// Payment statuses
const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentApproved   PaymentStatus = "APPROVED"
	PaymentDeclined   PaymentStatus = "DECLINED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Active reports whether a payment is in flight or settled successfully
func (s PaymentStatus) Active() bool {
	return s == PaymentPending || s == PaymentProcessing || s == PaymentApproved
}

// Unsuccessful reports whether the payment ended without capturing funds
func (s PaymentStatus) Unsuccessful() bool {
	return s == PaymentDeclined || s == PaymentFailed
}

// OrderStatus is the saga state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	OrderStatusPaymentProcessing OrderStatus = "PAYMENT_PROCESSING"
	OrderStatusConfirmed         OrderStatus = "CONFIRMED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusFailed            OrderStatus = "FAILED"
)

// Valid reports whether s names an order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInventoryReserved, OrderStatusPaymentProcessing,
		OrderStatusConfirmed, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled || s == OrderStatusFailed
}
