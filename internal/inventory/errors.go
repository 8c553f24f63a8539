package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrProductNotFound      = errors.New("product not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationConfirmed = errors.New("reservation already confirmed")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationReleased  = errors.New("reservation released")
	ErrInvalidRequest       = errors.New("invalid inventory request")
)

// InsufficientStockError names the first line of a request that could not be
// held. Available is the stock the request could claim after earlier waiters.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
