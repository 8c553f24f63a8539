package readmodel

import (
	"context"
	"testing"
	"time"

	"order-saga/internal/eventstore"
	"order-saga/internal/models"
	"order-saga/internal/order"
	"order-saga/internal/registry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	projection *Projection
	store      *eventstore.MemoryStore
	repo       *eventstore.Repository
}

func setup() *fixture {
	dispatcher := registry.NewDispatcher(registry.MustStandard())
	f := &fixture{
		projection: NewProjection(dispatcher, zap.NewNop()),
		store:      eventstore.NewMemoryStore(),
	}
	f.repo = eventstore.NewRepository(f.projection.Wrap(f.store), dispatcher, zap.NewNop())
	return f
}

func (f *fixture) create(t *testing.T, id, customer string, at time.Time) *order.Order {
	t.Helper()
	o, err := order.Create(id, customer, "corr-"+id, []models.OrderItem{
		{ProductID: "P1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: "P2", Quantity: 1, UnitPrice: decimal.RequireFromString("5.50")},
	}, at)
	require.NoError(t, err)
	_, err = f.repo.Save(context.Background(), o, eventstore.Meta{})
	require.NoError(t, err)
	return o
}

func (f *fixture) save(t *testing.T, o *order.Order) {
	t.Helper()
	_, err := f.repo.Save(context.Background(), o, eventstore.Meta{})
	require.NoError(t, err)
}

func (f *fixture) list(t *testing.T, q Query) []OrderView {
	t.Helper()
	views, err := f.projection.ListOrders(context.Background(), q)
	require.NoError(t, err)
	return views
}

func TestProjectionFollowsOrderLifecycle(t *testing.T) {
	f := setup()
	ctx := context.Background()

	o := f.create(t, "o-1", "alice", base)
	views := f.list(t, Query{})
	require.Len(t, views, 1)
	assert.Equal(t, models.OrderStatusPending, views[0].Status)
	assert.Equal(t, "alice", views[0].CustomerID)
	assert.Equal(t, 2, views[0].ItemCount)
	assert.True(t, decimal.RequireFromString("25.50").Equal(views[0].TotalAmount))
	assert.Equal(t, base, views[0].CreatedAt)

	require.NoError(t, o.ReserveInventory("res-1", []models.StockLine{{ProductID: "P1", Quantity: 2}}))
	require.NoError(t, o.RequestPayment("pay-1"))
	f.save(t, o)

	require.NoError(t, o.RecordPayment(models.PaymentProcessed{OrderID: "o-1", PaymentID: "pay-1", Status: models.PaymentApproved}))
	require.NoError(t, o.Complete())
	f.save(t, o)

	views = f.list(t, Query{})
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, models.OrderStatusConfirmed, v.Status)
	assert.Equal(t, "pay-1", v.PaymentID)
	assert.Equal(t, models.PaymentApproved, v.PaymentStatus)
	assert.Equal(t, int64(5), v.Version)

	loaded, err := f.repo.Load(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, loaded.Status, v.Status)
	assert.Equal(t, loaded.Version, v.Version)
}

func TestListOrdersFilters(t *testing.T) {
	f := setup()

	f.create(t, "o-1", "alice", base)
	o2 := f.create(t, "o-2", "alice", base.Add(time.Minute))
	f.create(t, "o-3", "bob", base.Add(2*time.Minute))
	require.NoError(t, o2.Cancel("customer request"))
	f.save(t, o2)

	ids := func(views []OrderView) []string {
		out := make([]string, 0, len(views))
		for _, v := range views {
			out = append(out, v.OrderID)
		}
		return out
	}

	assert.Equal(t, []string{"o-3", "o-2", "o-1"}, ids(f.list(t, Query{})))
	assert.Equal(t, []string{"o-2", "o-1"}, ids(f.list(t, Query{CustomerID: "alice"})))
	assert.Equal(t, []string{"o-3", "o-1"}, ids(f.list(t, Query{Status: models.OrderStatusPending})))
	assert.Equal(t, []string{"o-2"}, ids(f.list(t, Query{CustomerID: "alice", Status: models.OrderStatusCancelled})))
	assert.Equal(t, []string{"o-3"}, ids(f.list(t, Query{Limit: 1})))
	assert.Empty(t, f.list(t, Query{CustomerID: "carol"}))
}

func TestProjectRebuildsAfterGap(t *testing.T) {
	f := setup()
	ctx := context.Background()

	o := f.create(t, "o-1", "alice", base)
	require.NoError(t, o.Cancel("customer request"))
	f.save(t, o)

	envs, err := f.store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)

	fresh := NewProjection(registry.NewDispatcher(registry.MustStandard()), zap.NewNop())
	assert.False(t, fresh.Project(envs[1:]))
	views, err := fresh.ListOrders(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, views)

	fresh.Rebuild("o-1", envs)
	assert.True(t, fresh.Project(envs), "replayed envelopes are skipped")

	views, err = fresh.ListOrders(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.OrderStatusCancelled, views[0].Status)
	assert.Equal(t, int64(2), views[0].Version)
}

func TestWrapIgnoresRejectedAppend(t *testing.T) {
	f := setup()
	f.create(t, "o-1", "alice", base)

	o, err := order.Create("o-1", "mallory", "corr-x", []models.OrderItem{
		{ProductID: "P1", Quantity: 1, UnitPrice: decimal.NewFromInt(1)},
	}, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.repo.Save(context.Background(), o, eventstore.Meta{})
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	views := f.list(t, Query{})
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0].CustomerID)
}

func TestQueryNormalize(t *testing.T) {
	assert.Equal(t, DefaultLimit, Query{}.Normalize().Limit)
	assert.Equal(t, MaxLimit, Query{Limit: MaxLimit + 1}.Normalize().Limit)
	assert.Equal(t, 7, Query{Limit: 7}.Normalize().Limit)
}
