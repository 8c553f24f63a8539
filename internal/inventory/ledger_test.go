package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-saga/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, clock *fakeClock, stock map[string]int) *Ledger {
	t.Helper()
	l := NewLedger(Options{
		ReservationTTL: 10 * time.Minute,
		WaitTTL:        time.Minute,
		Logger:         zap.NewNop(),
		Clock:          clock.Now,
	})
	for id, qty := range stock {
		_, err := l.Restock(context.Background(), id, qty)
		require.NoError(t, err)
	}
	return l
}

func lines(pairs ...any) []models.StockLine {
	var out []models.StockLine
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, models.StockLine{ProductID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

func mustLine(t *testing.T, l *Ledger, id string) models.InventoryLine {
	t.Helper()
	il, err := l.Line(id)
	require.NoError(t, err)
	return il
}

func TestReserveReleaseScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, clock, map[string]int{"P1": 5})

	a, err := l.Reserve(ctx, ReserveRequest{OrderID: "A", Lines: lines("P1", 5), RequestedAt: clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, a.Status)

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 1), RequestedAt: clock.Now().Add(time.Second)})
	var shortfall *InsufficientStockError
	require.True(t, errors.As(err, &shortfall))
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, InsufficientStockError{ProductID: "P1", Requested: 1, Available: 0}, *shortfall)

	require.NoError(t, l.Release(ctx, a.ID))
	assert.Equal(t, 5, mustLine(t, l, "P1").Available)

	b, err := l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 1), RequestedAt: clock.Now().Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "B", b.OrderID)

	il := mustLine(t, l, "P1")
	assert.Equal(t, 4, il.Available)
	assert.Equal(t, 1, il.Reserved)
	assert.Empty(t, l.Waiting("P1"))
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 10, "P2": 1, "P3": 1})

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 3, "P2", 2, "P3", 5)})
	var shortfall *InsufficientStockError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, "P2", shortfall.ProductID)

	assert.Equal(t, 10, mustLine(t, l, "P1").Available)
	assert.Equal(t, 0, mustLine(t, l, "P1").Reserved)
	assert.Equal(t, 1, mustLine(t, l, "P2").Available)
	assert.Equal(t, 1, mustLine(t, l, "P3").Available)
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 3})

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2, "P1", 2)})
	var shortfall *InsufficientStockError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, 4, shortfall.Requested)

	res, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-2", Lines: lines("P1", 1, "P1", 2)})
	require.NoError(t, err)
	assert.Equal(t, lines("P1", 3), res.Lines)
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 5})

	first, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)
	second, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, mustLine(t, l, "P1").Available)
}

func TestReserveValidation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 5})

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("PX", 1)})
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 0)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "o-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.Reserve(ctx, ReserveRequest{Lines: lines("P1", 1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 5})

	res, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, res.ID))
	require.NoError(t, l.Release(ctx, res.ID))

	il := mustLine(t, l, "P1")
	assert.Equal(t, 5, il.Available)
	assert.Equal(t, 0, il.Reserved)

	got, err := l.Reservation(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, got.Status)
	_, held := l.ReservationFor("o-1")
	assert.False(t, held)

	assert.ErrorIs(t, l.Confirm(ctx, res.ID), ErrReservationReleased)
	assert.ErrorIs(t, l.Release(ctx, "missing"), ErrReservationNotFound)
}

func TestConfirmConsumesStock(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 5})

	res, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)

	require.NoError(t, l.Confirm(ctx, res.ID))
	require.NoError(t, l.Confirm(ctx, res.ID))

	il := mustLine(t, l, "P1")
	assert.Equal(t, 3, il.Available)
	assert.Equal(t, 0, il.Reserved)
	assert.Equal(t, 3, il.Total())

	assert.ErrorIs(t, l.Release(ctx, res.ID), ErrReservationConfirmed)

	again, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.Equal(t, models.ReservationConfirmed, again.Status)
}

func TestConfirmAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, clock, map[string]int{"P1": 5})

	res, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	assert.ErrorIs(t, l.Confirm(ctx, res.ID), ErrReservationExpired)
	assert.Equal(t, 5, mustLine(t, l, "P1").Available)

	assert.ErrorIs(t, l.Confirm(ctx, res.ID), ErrReservationExpired)
	assert.NoError(t, l.Release(ctx, res.ID))
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, clock, map[string]int{"P1": 5, "P2": 5})

	old, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	fresh, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-2", Lines: lines("P2", 2)})
	require.NoError(t, err)

	n, err := l.ExpireStale(ctx, clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.Reservation(old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, got.Status)
	assert.Equal(t, 5, mustLine(t, l, "P1").Available)

	got, err = l.Reservation(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, got.Status)

	n, err = l.ExpireStale(ctx, clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFIFOFairness(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, clock, map[string]int{"P1": 3})
	t1 := clock.Now()
	t2 := t1.Add(time.Second)

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "A", Lines: lines("P1", 5), RequestedAt: t1})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// B would fit in the remaining stock but A asked first
	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 2), RequestedAt: t2})
	var shortfall *InsufficientStockError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, 0, shortfall.Available)
	assert.Equal(t, []string{"A", "B"}, l.Waiting("P1"))

	_, err = l.Restock(ctx, "P1", 2)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 2), RequestedAt: t2})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "A", Lines: lines("P1", 5), RequestedAt: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, l.Waiting("P1"))

	_, err = l.Restock(ctx, "P1", 2)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 2), RequestedAt: t2})
	require.NoError(t, err)
	assert.Empty(t, l.Waiting("P1"))
}

func TestWithdrawAndWaitTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, clock, map[string]int{"P1": 1})
	t1 := clock.Now()

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "A", Lines: lines("P1", 5), RequestedAt: t1})
	require.Error(t, err)
	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "C", Lines: lines("P1", 5), RequestedAt: t1.Add(time.Millisecond)})
	require.Error(t, err)

	l.Withdraw("A")
	assert.Equal(t, []string{"C"}, l.Waiting("P1"))

	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 1), RequestedAt: t1.Add(time.Second)})
	require.ErrorIs(t, err, ErrInsufficientStock)

	clock.Advance(2 * time.Minute)
	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "B", Lines: lines("P1", 1), RequestedAt: t1.Add(time.Second)})
	require.NoError(t, err)
}

func TestCheckAvailability(t *testing.T) {
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 2})
	assert.True(t, l.CheckAvailability("P1", 2))
	assert.False(t, l.CheckAvailability("P1", 3))
	assert.False(t, l.CheckAvailability("PX", 1))
}

type failingJournal struct {
	calls int32
}

func (j *failingJournal) Record(context.Context, Change) error {
	atomic.AddInt32(&j.calls, 1)
	return errors.New("disk full")
}

func TestJournalFailureLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	j := &failingJournal{}
	l := NewLedger(Options{Logger: zap.NewNop()})
	l.Restore([]models.InventoryLine{{ProductID: "P1", Available: 5}}, nil)
	l.opts.Journal = j

	_, err := l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 2)})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&j.calls))

	il := mustLine(t, l, "P1")
	assert.Equal(t, 5, il.Available)
	assert.Equal(t, 0, il.Reserved)
	_, held := l.ReservationFor("o-1")
	assert.False(t, held)
}

func TestObserverSeesCommittedLines(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []models.InventoryLine
	l := NewLedger(Options{
		Logger: zap.NewNop(),
		Observer: func(il models.InventoryLine) {
			mu.Lock()
			seen = append(seen, il)
			mu.Unlock()
		},
	})

	_, err := l.Restock(ctx, "P1", 4)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, ReserveRequest{OrderID: "o-1", Lines: lines("P1", 3)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 4, seen[0].Available)
	assert.Equal(t, 1, seen[1].Available)
	assert.Equal(t, 3, seen[1].Reserved)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 50, "P2": 50})

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := lines("P1", 1, "P2", 1)
			if i%2 == 0 {
				order = lines("P2", 1, "P1", 1)
			}
			_, err := l.Reserve(ctx, ReserveRequest{OrderID: fmt.Sprintf("o-%d", i), Lines: order})
			if err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(50), ok)
	for _, id := range []string{"P1", "P2"} {
		il := mustLine(t, l, id)
		assert.Equal(t, 0, il.Available)
		assert.Equal(t, 50, il.Reserved)
	}
}

func (l *Ledger) heldOrderLocks() int {
	l.ordersMu.Lock()
	defer l.ordersMu.Unlock()
	return len(l.orders)
}

func TestOrderLocksAreDroppedWhenIdle(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, newFakeClock(), map[string]int{"P1": 100})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("o-%d", i%5)
			res, err := l.Reserve(ctx, ReserveRequest{OrderID: id, Lines: lines("P1", 1)})
			if err != nil {
				return
			}
			if i%2 == 0 {
				_ = l.Confirm(ctx, res.ID)
			} else {
				_ = l.Release(ctx, res.ID)
			}
			l.ReservationFor(id)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, l.heldOrderLocks())
}

func TestOrderLockSerializesWaiters(t *testing.T) {
	l := newLedger(t, newFakeClock(), nil)

	unlock := l.lockOrder("o-1")
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.lockOrder("o-1")
			assert.Equal(t, int32(1), inside.Add(1))
			inside.Add(-1)
			release()
		}()
	}

	assert.Eventually(t, func() bool {
		l.ordersMu.Lock()
		defer l.ordersMu.Unlock()
		return l.orders["o-1"].refs == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, l.heldOrderLocks())

	unlock()
	wg.Wait()
	assert.Zero(t, l.heldOrderLocks())
}
