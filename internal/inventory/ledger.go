// Package inventory allocates stock to orders. Reservations are
// all-or-nothing across lines, per-product state is serialized by a
// per-product mutex, and requests that fail for lack of stock queue up so
// that earlier requests are served first once stock returns.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	DefaultReservationTTL    = 15 * time.Minute
	DefaultWaitTTL           = 5 * time.Minute
	DefaultLowStockThreshold = 5
)

// Change is the state a mutation is about to commit
type Change struct {
	Lines       []models.InventoryLine
	Reservation *models.Reservation
}

// Journal durably records a change before the ledger commits it in memory.
// A failing Record aborts the mutation.
type Journal interface {
	Record(ctx context.Context, change Change) error
}

// Observer is notified with every line snapshot after a committed change
type Observer func(line models.InventoryLine)

// Options configures a Ledger
type Options struct {
	ReservationTTL    time.Duration
	WaitTTL           time.Duration
	LowStockThreshold int
	Journal           Journal
	Observer          Observer
	Logger            *zap.Logger
	Clock             func() time.Time
}

// ReserveRequest asks for every line to be held for one order
type ReserveRequest struct {
	OrderID     string
	Lines       []models.StockLine
	RequestedAt time.Time
}

type waiter struct {
	orderID     string
	quantity    int
	requestedAt time.Time
	enqueuedAt  time.Time
}

type line struct {
	mu        sync.Mutex
	productID string
	available int
	reserved  int
	updatedAt time.Time
	waiters   []waiter
}

func (ln *line) snapshot() models.InventoryLine {
	return models.InventoryLine{
		ProductID: ln.productID,
		Available: ln.available,
		Reserved:  ln.reserved,
		UpdatedAt: ln.updatedAt,
	}
}

// ahead sums the quantities of waiters queued before requestedAt by other orders
func (ln *line) ahead(orderID string, requestedAt time.Time) int {
	total := 0
	for _, w := range ln.waiters {
		if w.orderID != orderID && w.requestedAt.Before(requestedAt) {
			total += w.quantity
		}
	}
	return total
}

func (ln *line) enqueue(w waiter) {
	for i := range ln.waiters {
		if ln.waiters[i].orderID == w.orderID {
			ln.waiters[i].quantity = w.quantity
			ln.waiters[i].enqueuedAt = w.enqueuedAt
			return
		}
	}
	ln.waiters = append(ln.waiters, w)
	sort.SliceStable(ln.waiters, func(i, j int) bool {
		return ln.waiters[i].requestedAt.Before(ln.waiters[j].requestedAt)
	})
}

func (ln *line) dequeue(orderID string) {
	kept := ln.waiters[:0]
	for _, w := range ln.waiters {
		if w.orderID != orderID {
			kept = append(kept, w)
		}
	}
	ln.waiters = kept
}

func (ln *line) prune(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	kept := ln.waiters[:0]
	for _, w := range ln.waiters {
		if now.Sub(w.enqueuedAt) < ttl {
			kept = append(kept, w)
		}
	}
	ln.waiters = kept
}

// reservation is guarded by the mutex of its order
type reservation struct {
	orderID string
	res     models.Reservation
}

// Ledger is the in-memory stock allocation table
type Ledger struct {
	lines        sync.Map // product id -> *line
	reservations sync.Map // reservation id -> *reservation
	byOrder      sync.Map // order id -> reservation id, while ACTIVE or CONFIRMED
	active       sync.Map // reservation id -> struct{}, while ACTIVE

	ordersMu sync.Mutex
	orders   map[string]*orderLock // held or awaited per-order locks

	opts   Options
	logger *zap.Logger
}

// NewLedger creates a new inventory ledger
func NewLedger(opts Options) *Ledger {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.WaitTTL <= 0 {
		opts.WaitTTL = DefaultWaitTTL
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = DefaultLowStockThreshold
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Ledger{opts: opts, logger: logger, orders: make(map[string]*orderLock)}
}

// orderLock serializes operations on one order. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type orderLock struct {
	mu   sync.Mutex
	refs int
}

func (l *Ledger) lockOrder(orderID string) func() {
	l.ordersMu.Lock()
	ol, ok := l.orders[orderID]
	if !ok {
		ol = &orderLock{}
		l.orders[orderID] = ol
	}
	ol.refs++
	l.ordersMu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.ordersMu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.orders, orderID)
		}
		l.ordersMu.Unlock()
	}
}

// lockLines locks the given products in sorted id order
func (l *Ledger) lockLines(ids []string) (map[string]*line, func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	held := make(map[string]*line, len(sorted))
	for _, id := range sorted {
		v, ok := l.lines.Load(id)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		held[id] = v.(*line)
	}
	for _, id := range sorted {
		held[id].mu.Lock()
	}
	return held, func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			held[sorted[i]].mu.Unlock()
		}
	}, nil
}

func mergeLines(lines []models.StockLine) ([]models.StockLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidRequest)
	}
	merged := make([]models.StockLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, sl := range lines {
		if sl.ProductID == "" {
			return nil, fmt.Errorf("%w: line without product id", ErrInvalidRequest)
		}
		if sl.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s quantity must be positive", ErrInvalidRequest, sl.ProductID)
		}
		if i, ok := index[sl.ProductID]; ok {
			merged[i].Quantity += sl.Quantity
			continue
		}
		index[sl.ProductID] = len(merged)
		merged = append(merged, sl)
	}
	return merged, nil
}

func productIDs(lines []models.StockLine) []string {
	ids := make([]string, 0, len(lines))
	for _, sl := range lines {
		ids = append(ids, sl.ProductID)
	}
	return ids
}

func cloneReservation(r models.Reservation) models.Reservation {
	r.Lines = append([]models.StockLine(nil), r.Lines...)
	return r
}

// CheckAvailability reports whether qty units of productID are available.
// Unknown products are never available.
func (l *Ledger) CheckAvailability(productID string, qty int) bool {
	v, ok := l.lines.Load(productID)
	if !ok {
		return false
	}
	ln := v.(*line)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.available >= qty
}

// Line returns a snapshot of one product's stock
func (l *Ledger) Line(productID string) (models.InventoryLine, error) {
	v, ok := l.lines.Load(productID)
	if !ok {
		return models.InventoryLine{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	ln := v.(*line)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.snapshot(), nil
}

// Lines returns snapshots of all products ordered by id
func (l *Ledger) Lines() []models.InventoryLine {
	var out []models.InventoryLine
	l.lines.Range(func(_, v any) bool {
		ln := v.(*line)
		ln.mu.Lock()
		out = append(out, ln.snapshot())
		ln.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Reservation returns a snapshot of a reservation
func (l *Ledger) Reservation(id string) (models.Reservation, error) {
	v, ok := l.reservations.Load(id)
	if !ok {
		return models.Reservation{}, fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	r := v.(*reservation)
	unlock := l.lockOrder(r.orderID)
	defer unlock()
	return cloneReservation(r.res), nil
}

// ReservationFor returns the ACTIVE or CONFIRMED reservation of an order
func (l *Ledger) ReservationFor(orderID string) (models.Reservation, bool) {
	unlock := l.lockOrder(orderID)
	defer unlock()
	return l.heldFor(orderID)
}

// heldFor must be called with the order lock held
func (l *Ledger) heldFor(orderID string) (models.Reservation, bool) {
	id, ok := l.byOrder.Load(orderID)
	if !ok {
		return models.Reservation{}, false
	}
	v, ok := l.reservations.Load(id)
	if !ok {
		return models.Reservation{}, false
	}
	return cloneReservation(v.(*reservation).res), true
}

// Restock adds qty units to productID, creating the line if needed
func (l *Ledger) Restock(ctx context.Context, productID string, qty int) (models.InventoryLine, error) {
	if productID == "" {
		return models.InventoryLine{}, fmt.Errorf("%w: product id is required", ErrInvalidRequest)
	}
	if qty <= 0 {
		return models.InventoryLine{}, fmt.Errorf("%w: restock quantity must be positive", ErrInvalidRequest)
	}

	v, _ := l.lines.LoadOrStore(productID, &line{productID: productID})
	ln := v.(*line)

	ln.mu.Lock()
	after := ln.snapshot()
	after.Available += qty
	after.UpdatedAt = l.opts.Clock()
	if l.opts.Journal != nil {
		if err := l.opts.Journal.Record(ctx, Change{Lines: []models.InventoryLine{after}}); err != nil {
			ln.mu.Unlock()
			return models.InventoryLine{}, fmt.Errorf("failed to journal restock: %w", err)
		}
	}
	ln.available = after.Available
	ln.updatedAt = after.UpdatedAt
	ln.mu.Unlock()

	l.logger.Info("Product restocked",
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Int("available", after.Available))
	l.notify([]models.InventoryLine{after})
	return after, nil
}

// Reserve holds every line of the request or none of them. A second call
// for an order that already holds stock returns the existing reservation.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (models.Reservation, error) {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return models.Reservation{}, err
	}
	if req.OrderID == "" {
		return models.Reservation{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	lines, err := mergeLines(req.Lines)
	if err != nil {
		return models.Reservation{}, err
	}

	unlockOrder := l.lockOrder(req.OrderID)
	defer unlockOrder()

	if existing, ok := l.heldFor(req.OrderID); ok {
		l.logger.Debug("Reservation already held",
			zap.String("order_id", req.OrderID),
			zap.String("reservation_id", existing.ID))
		return existing, nil
	}

	res, after, err := l.reserveLines(ctx, req, lines)
	if err != nil {
		reason := "error"
		if errors.Is(err, ErrInsufficientStock) {
			reason = "insufficient_stock"
		}
		util.InventoryReservationsFailed.WithLabelValues(reason).Inc()
		return models.Reservation{}, err
	}

	util.InventoryReservationsTotal.Inc()
	l.logger.Info("Stock reserved",
		zap.String("order_id", req.OrderID),
		zap.String("reservation_id", res.ID),
		zap.Int("lines", len(res.Lines)))
	l.notify(after)
	l.warnLowStock(after)
	return cloneReservation(res), nil
}

func (l *Ledger) reserveLines(ctx context.Context, req ReserveRequest, lines []models.StockLine) (models.Reservation, []models.InventoryLine, error) {
	held, unlock, err := l.lockLines(productIDs(lines))
	if err != nil {
		return models.Reservation{}, nil, err
	}
	defer unlock()

	now := l.opts.Clock()
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = now
	}

	var shortfalls []*InsufficientStockError
	for _, sl := range lines {
		ln := held[sl.ProductID]
		ln.prune(now, l.opts.WaitTTL)
		free := ln.available - ln.ahead(req.OrderID, requestedAt)
		if free < 0 {
			free = 0
		}
		if free < sl.Quantity {
			shortfalls = append(shortfalls, &InsufficientStockError{
				ProductID: sl.ProductID,
				Requested: sl.Quantity,
				Available: free,
			})
		}
	}
	if len(shortfalls) > 0 {
		for _, s := range shortfalls {
			held[s.ProductID].enqueue(waiter{
				orderID:     req.OrderID,
				quantity:    s.Requested,
				requestedAt: requestedAt,
				enqueuedAt:  now,
			})
		}
		return models.Reservation{}, nil, shortfalls[0]
	}

	id, err := gonanoid.New()
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("failed to generate reservation id: %w", err)
	}
	res := models.Reservation{
		ID:          "res_" + id,
		OrderID:     req.OrderID,
		Lines:       lines,
		Status:      models.ReservationActive,
		RequestedAt: requestedAt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.opts.ReservationTTL),
		UpdatedAt:   now,
	}

	after := make([]models.InventoryLine, 0, len(lines))
	for _, sl := range lines {
		snap := held[sl.ProductID].snapshot()
		snap.Available -= sl.Quantity
		snap.Reserved += sl.Quantity
		snap.UpdatedAt = now
		after = append(after, snap)
	}

	if l.opts.Journal != nil {
		journaled := cloneReservation(res)
		if err := l.opts.Journal.Record(ctx, Change{Lines: after, Reservation: &journaled}); err != nil {
			return models.Reservation{}, nil, fmt.Errorf("failed to journal reservation: %w", err)
		}
	}

	for _, snap := range after {
		ln := held[snap.ProductID]
		ln.available = snap.Available
		ln.reserved = snap.Reserved
		ln.updatedAt = now
		ln.dequeue(req.OrderID)
	}
	l.reservations.Store(res.ID, &reservation{orderID: res.OrderID, res: cloneReservation(res)})
	l.byOrder.Store(res.OrderID, res.ID)
	l.active.Store(res.ID, struct{}{})
	return res, after, nil
}

// Release returns a reservation's stock to available. Releasing a released
// or expired reservation is a no-op; a confirmed one cannot be released.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	v, ok := l.reservations.Load(reservationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	r := v.(*reservation)

	unlock := l.lockOrder(r.orderID)
	defer unlock()

	switch r.res.Status {
	case models.ReservationConfirmed:
		return fmt.Errorf("%w: %s", ErrReservationConfirmed, reservationID)
	case models.ReservationReleased, models.ReservationExpired:
		return nil
	}

	after, err := l.returnStock(ctx, r, models.ReservationReleased)
	if err != nil {
		return err
	}
	l.logger.Info("Reservation released",
		zap.String("order_id", r.res.OrderID),
		zap.String("reservation_id", reservationID))
	l.notify(after)
	return nil
}

// Confirm consumes a reservation's stock. Confirming twice is a no-op. An
// ACTIVE reservation past its expiry is expired first and then rejected.
func (l *Ledger) Confirm(ctx context.Context, reservationID string) error {
	v, ok := l.reservations.Load(reservationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	r := v.(*reservation)

	unlock := l.lockOrder(r.orderID)
	defer unlock()

	switch r.res.Status {
	case models.ReservationConfirmed:
		return nil
	case models.ReservationReleased:
		return fmt.Errorf("%w: %s", ErrReservationReleased, reservationID)
	case models.ReservationExpired:
		return fmt.Errorf("%w: %s", ErrReservationExpired, reservationID)
	}

	if l.opts.Clock().After(r.res.ExpiresAt) {
		after, err := l.returnStock(ctx, r, models.ReservationExpired)
		if err != nil {
			return err
		}
		util.InventoryReservationsExpired.Inc()
		l.notify(after)
		return fmt.Errorf("%w: %s", ErrReservationExpired, reservationID)
	}

	held, unlockLines, err := l.lockLines(productIDs(r.res.Lines))
	if err != nil {
		return err
	}

	now := l.opts.Clock()
	after := make([]models.InventoryLine, 0, len(r.res.Lines))
	for _, sl := range r.res.Lines {
		snap := held[sl.ProductID].snapshot()
		snap.Reserved -= sl.Quantity
		snap.UpdatedAt = now
		after = append(after, snap)
	}

	next := cloneReservation(r.res)
	next.Status = models.ReservationConfirmed
	next.UpdatedAt = now

	if l.opts.Journal != nil {
		if err := l.opts.Journal.Record(ctx, Change{Lines: after, Reservation: &next}); err != nil {
			unlockLines()
			return fmt.Errorf("failed to journal confirmation: %w", err)
		}
	}
	for _, snap := range after {
		ln := held[snap.ProductID]
		ln.reserved = snap.Reserved
		ln.updatedAt = now
	}
	r.res = next
	l.active.Delete(next.ID)
	unlockLines()

	l.logger.Info("Reservation confirmed",
		zap.String("order_id", next.OrderID),
		zap.String("reservation_id", reservationID))
	l.notify(after)
	l.warnLowStock(after)
	return nil
}

// returnStock moves reserved units back to available and sets the final
// status. The order lock must be held.
func (l *Ledger) returnStock(ctx context.Context, r *reservation, status models.ReservationStatus) ([]models.InventoryLine, error) {
	held, unlock, err := l.lockLines(productIDs(r.res.Lines))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.opts.Clock()
	after := make([]models.InventoryLine, 0, len(r.res.Lines))
	for _, sl := range r.res.Lines {
		snap := held[sl.ProductID].snapshot()
		snap.Reserved -= sl.Quantity
		snap.Available += sl.Quantity
		snap.UpdatedAt = now
		after = append(after, snap)
	}

	next := cloneReservation(r.res)
	next.Status = status
	next.UpdatedAt = now

	if l.opts.Journal != nil {
		if err := l.opts.Journal.Record(ctx, Change{Lines: after, Reservation: &next}); err != nil {
			return nil, fmt.Errorf("failed to journal %s reservation: %w", status, err)
		}
	}
	for _, snap := range after {
		ln := held[snap.ProductID]
		ln.reserved = snap.Reserved
		ln.available = snap.Available
		ln.updatedAt = now
	}
	r.res = next
	l.active.Delete(next.ID)
	l.byOrder.Delete(next.OrderID)
	return after, nil
}

// ExpireStale expires every ACTIVE reservation whose deadline is before now
// and returns how many were expired.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var ids []string
	l.active.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})

	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := l.expire(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		l.logger.Info("Expired stale reservations", zap.Int("count", expired))
	}
	return expired, nil
}

func (l *Ledger) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	v, ok := l.reservations.Load(id)
	if !ok {
		return false, nil
	}
	r := v.(*reservation)

	unlock := l.lockOrder(r.orderID)
	defer unlock()

	if r.res.Status != models.ReservationActive || !now.After(r.res.ExpiresAt) {
		return false, nil
	}
	after, err := l.returnStock(ctx, r, models.ReservationExpired)
	if err != nil {
		return false, err
	}
	util.InventoryReservationsExpired.Inc()
	l.logger.Info("Reservation expired",
		zap.String("order_id", r.res.OrderID),
		zap.String("reservation_id", id))
	l.notify(after)
	return true, nil
}

// Withdraw removes an order from every product wait queue
func (l *Ledger) Withdraw(orderID string) {
	l.lines.Range(func(_, v any) bool {
		ln := v.(*line)
		ln.mu.Lock()
		ln.dequeue(orderID)
		ln.mu.Unlock()
		return true
	})
}

// Waiting returns the order ids queued for productID, earliest first
func (l *Ledger) Waiting(productID string) []string {
	v, ok := l.lines.Load(productID)
	if !ok {
		return nil
	}
	ln := v.(*line)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.prune(l.opts.Clock(), l.opts.WaitTTL)
	out := make([]string, 0, len(ln.waiters))
	for _, w := range ln.waiters {
		out = append(out, w.orderID)
	}
	return out
}

// Restore loads persisted state into an empty ledger. It is meant for
// startup, before the ledger serves requests.
func (l *Ledger) Restore(lines []models.InventoryLine, reservations []models.Reservation) {
	for _, il := range lines {
		l.lines.Store(il.ProductID, &line{
			productID: il.ProductID,
			available: il.Available,
			reserved:  il.Reserved,
			updatedAt: il.UpdatedAt,
		})
	}
	for _, res := range reservations {
		l.reservations.Store(res.ID, &reservation{orderID: res.OrderID, res: cloneReservation(res)})
		switch res.Status {
		case models.ReservationActive:
			l.active.Store(res.ID, struct{}{})
			l.byOrder.Store(res.OrderID, res.ID)
		case models.ReservationConfirmed:
			l.byOrder.Store(res.OrderID, res.ID)
		}
	}
}

func (l *Ledger) notify(lines []models.InventoryLine) {
	if l.opts.Observer == nil {
		return
	}
	for _, il := range lines {
		l.opts.Observer(il)
	}
}

func (l *Ledger) warnLowStock(lines []models.InventoryLine) {
	for _, il := range lines {
		if il.Available < l.opts.LowStockThreshold {
			l.logger.Warn("Low stock",
				zap.String("product_id", il.ProductID),
				zap.Int("available", il.Available),
				zap.Int("threshold", l.opts.LowStockThreshold))
		}
	}
}
