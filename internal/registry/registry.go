// Package registry maps event kinds to payload types and decodes raw
// payloads into typed events without a conditional chain over kinds.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"order-saga/internal/models"
)

var (
	ErrDuplicateEventType = errors.New("duplicate event type")
	ErrUnknownEventType   = errors.New("unknown event type")
)

// Constructor returns a fresh pointer to a payload type
type Constructor func() models.Event

// New returns a Constructor for payload type T
func New[T any, PT interface {
	*T
	models.Event
}]() Constructor {
	return func() models.Event { return PT(new(T)) }
}

// Builder collects registrations during startup
type Builder struct {
	mu    sync.Mutex
	ctors map[string]Constructor
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{ctors: make(map[string]Constructor)}
}

// Register binds kind to ctor. Rebinding a kind fails with ErrDuplicateEventType.
func (b *Builder) Register(kind string, ctor Constructor) error {
	if kind == "" {
		return errors.New("event kind is required")
	}
	if ctor == nil {
		return fmt.Errorf("nil constructor for %s", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ctors[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, kind)
	}
	b.ctors[kind] = ctor
	return nil
}

// Build freezes the registrations into a read-only Registry.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	table := make(map[string]Constructor, len(b.ctors))
	for k, v := range b.ctors {
		table[k] = v
	}
	return &Registry{ctors: table}
}

// Registry is an immutable kind -> constructor table. Safe for concurrent
// lookups without locking.
type Registry struct {
	ctors map[string]Constructor
}

// Lookup returns the constructor bound to kind
func (r *Registry) Lookup(kind string) (Constructor, bool) {
	ctor, ok := r.ctors[kind]
	return ctor, ok
}

// IsRegistered reports whether kind has a binding
func (r *Registry) IsRegistered(kind string) bool {
	_, ok := r.ctors[kind]
	return ok
}

// Kinds returns the registered kinds in lexical order
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Len returns the number of registered kinds
func (r *Registry) Len() int {
	return len(r.ctors)
}

// Standard builds the registry with every saga event kind.
func Standard() (*Registry, error) {
	b := NewBuilder()
	regs := []struct {
		kind string
		ctor Constructor
	}{
		{models.KindOrderCreated, New[models.OrderCreated]()},
		{models.KindInventoryReserved, New[models.InventoryReserved]()},
		{models.KindInventoryReservationFailed, New[models.InventoryReservationFailed]()},
		{models.KindPaymentProcessingRequested, New[models.PaymentProcessingRequested]()},
		{models.KindPaymentProcessed, New[models.PaymentProcessed]()},
		{models.KindOrderCompleted, New[models.OrderCompleted]()},
		{models.KindOrderCancelled, New[models.OrderCancelled]()},
		{models.KindOrderFailed, New[models.OrderFailed]()},
	}
	for _, r := range regs {
		if err := b.Register(r.kind, r.ctor); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// MustStandard is Standard for process wiring and tests
func MustStandard() *Registry {
	r, err := Standard()
	if err != nil {
		panic(err)
	}
	return r
}

// Dispatcher decodes raw payloads into typed events
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over r
func NewDispatcher(r *Registry) *Dispatcher {
	return &Dispatcher{registry: r}
}

// Registry returns the lookup table backing the dispatcher
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch decodes raw into the payload type bound to kind. An unbound kind
// fails with ErrUnknownEventType; callers acknowledge and skip such messages.
func (d *Dispatcher) Dispatch(kind string, raw []byte) (models.Event, error) {
	ctor, ok := d.registry.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, kind)
	}

	ev := ctor()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
	}
	return ev, nil
}

// DispatchEnvelope decodes the payload carried by env
func (d *Dispatcher) DispatchEnvelope(env models.Envelope) (models.Event, error) {
	return d.Dispatch(env.Kind, env.Payload)
}
