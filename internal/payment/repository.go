package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-saga/internal/models"
)

// Repository stores payments. Create is atomic per order: a second active
// payment for the same order fails with ErrPaymentExists.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	// Update stores p only if the stored status still equals expected,
	// otherwise it fails with ErrStaleState.
	Update(ctx context.Context, p *Payment, expected models.PaymentStatus) error
	Get(ctx context.Context, id string) (*Payment, error)
	// ForOrder returns the most recent payment of an order
	ForOrder(ctx context.Context, orderID string) (*Payment, error)
	// Stuck returns up to limit PROCESSING payments last updated before
	// the given time, oldest first.
	Stuck(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
}

// MemoryRepository keeps payments in process
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*Payment
	byOrder map[string][]string
}

// NewMemoryRepository creates a new in-memory payment repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*Payment),
		byOrder: make(map[string][]string),
	}
}

// Create implements Repository
func (r *MemoryRepository) Create(ctx context.Context, p *Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[p.ID]; ok {
		return fmt.Errorf("%w: payment id %s taken", ErrPaymentExists, p.ID)
	}
	for _, id := range r.byOrder[p.OrderID] {
		if r.byID[id].Status.Active() {
			return fmt.Errorf("%w: order %s has payment %s", ErrPaymentExists, p.OrderID, id)
		}
	}

	stored := *p
	r.byID[p.ID] = &stored
	r.byOrder[p.OrderID] = append(r.byOrder[p.OrderID], p.ID)
	return nil
}

// Update implements Repository
func (r *MemoryRepository) Update(ctx context.Context, p *Payment, expected models.PaymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, p.ID)
	}
	if current.Status != expected {
		return fmt.Errorf("%w: payment %s is %s, expected %s", ErrStaleState, p.ID, current.Status, expected)
	}
	stored := *p
	r.byID[p.ID] = &stored
	return nil
}

// Get implements Repository
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	out := *p
	return &out, nil
}

// ForOrder implements Repository
func (r *MemoryRepository) ForOrder(ctx context.Context, orderID string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOrder[orderID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: order %s", ErrPaymentNotFound, orderID)
	}
	out := *r.byID[ids[len(ids)-1]]
	return &out, nil
}

// Stuck implements Repository
func (r *MemoryRepository) Stuck(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Payment
	for _, p := range r.byID {
		if p.Status == models.PaymentProcessing && p.UpdatedAt.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Initiate creates a PENDING payment for an order unless one is already
// pending, processing or approved, in which case it returns that payment
// together with ErrPaymentExists.
func Initiate(ctx context.Context, repo Repository, p *Payment) (*Payment, error) {
	if existing, err := repo.ForOrder(ctx, p.OrderID); err == nil && existing.Status.Active() {
		return existing, fmt.Errorf("%w: order %s has payment %s", ErrPaymentExists, p.OrderID, existing.ID)
	}
	if err := repo.Create(ctx, p); err != nil {
		if existing, ferr := repo.ForOrder(ctx, p.OrderID); ferr == nil && existing.Status.Active() {
			return existing, err
		}
		return nil, err
	}
	return p, nil
}
