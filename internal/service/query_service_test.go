package service

import (
	"context"
	"testing"

	"order-saga/internal/eventstore"
	"order-saga/internal/inventory"
	"order-saga/internal/models"
	"order-saga/internal/payment"
	"order-saga/internal/readmodel"
	"order-saga/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOrderQueryService(t *testing.T) {
	ctx := context.Background()
	dispatcher := registry.NewDispatcher(registry.MustStandard())
	projection := readmodel.NewProjection(dispatcher, zap.NewNop())
	repo := eventstore.NewRepository(projection.Wrap(eventstore.NewMemoryStore()), dispatcher, zap.NewNop())
	charger := payment.NewService(payment.NewMemoryRepository(), payment.NewSimulatedGateway(1, 0, 0, 1), nil, payment.Options{Logger: zap.NewNop()})
	orders := NewOrderService(repo, inventory.NewLedger(inventory.Options{Logger: zap.NewNop()}), charger, &recordingPublisher{}, zap.NewNop())
	queries := NewOrderQueryService(projection, zap.NewNop())

	first, err := orders.CreateOrder(ctx, request(""))
	require.NoError(t, err)
	second, err := orders.CreateOrder(ctx, request(""))
	require.NoError(t, err)
	_, err = orders.CancelOrder(ctx, second.OrderID, "")
	require.NoError(t, err)

	resp, err := queries.ListOrders(ctx, ListOrdersRequest{CustomerID: "c-1", Status: " pending "})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, first.OrderID, resp.Orders[0].OrderID)

	resp, err = queries.ListOrders(ctx, ListOrdersRequest{Status: string(models.OrderStatusCancelled)})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, second.OrderID, resp.Orders[0].OrderID)

	resp, err = queries.ListOrders(ctx, ListOrdersRequest{CustomerID: "c-2"})
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
	assert.NotNil(t, resp.Orders)

	_, err = queries.ListOrders(ctx, ListOrdersRequest{Status: "SHIPPED"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
