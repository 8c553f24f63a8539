package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-saga/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envelope(id, kind string) models.Envelope {
	return models.Envelope{
		EventID:       id,
		Kind:          kind,
		OrderID:       "o-1",
		CorrelationID: "corr-1",
		Payload:       []byte(`{"order_id":"o-1"}`),
	}
}

func newBus() *MemoryBus {
	b := NewMemoryBus(zap.NewNop())
	b.Backoff = time.Millisecond
	return b
}

func TestMemoryBusDeliversToEveryGroup(t *testing.T) {
	bus := newBus()
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(group string) MessageHandler {
		return func(ctx context.Context, env models.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			got[group] = append(got[group], env.EventID)
			return nil
		}
	}

	require.NoError(t, bus.Subscribe(ctx, "orders", "saga", record("saga")))
	require.NoError(t, bus.Subscribe(ctx, "orders", "audit", record("audit")))
	require.NoError(t, bus.Subscribe(ctx, "payments", "saga", record("other")))

	require.NoError(t, bus.Publish(ctx, "orders", envelope("e-1", models.KindOrderCreated)))
	bus.Wait()

	assert.Equal(t, []string{"e-1"}, got["saga"])
	assert.Equal(t, []string{"e-1"}, got["audit"])
	assert.Empty(t, got["other"])
}

func TestMemoryBusRejectsDuplicateGroup(t *testing.T) {
	bus := newBus()
	noop := func(context.Context, models.Envelope) error { return nil }

	require.NoError(t, bus.Subscribe(context.Background(), "orders", "saga", noop))
	err := bus.Subscribe(context.Background(), "orders", "saga", noop)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestMemoryBusRetriesFailedDelivery(t *testing.T) {
	bus := newBus()
	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(context.Background(), "orders", "saga", func(context.Context, models.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("busy")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "orders", envelope("e-1", models.KindOrderCreated)))
	bus.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestMemoryBusGivesUpAfterMaxAttempts(t *testing.T) {
	bus := newBus()
	bus.MaxAttempts = 2
	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(context.Background(), "orders", "saga", func(context.Context, models.Envelope) error {
		calls.Add(1)
		return errors.New("broken")
	}))

	require.NoError(t, bus.Publish(context.Background(), "orders", envelope("e-1", models.KindOrderCreated)))
	bus.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryBusCarriesHeadersThroughHandlerPublish(t *testing.T) {
	bus := newBus()
	ctx := context.Background()

	var seen atomic.Value
	require.NoError(t, bus.Subscribe(ctx, "orders", "saga", func(ctx context.Context, env models.Envelope) error {
		return bus.Publish(ctx, "payments", envelope("e-2", models.KindPaymentProcessingRequested))
	}))
	require.NoError(t, bus.Subscribe(ctx, "payments", "pay", func(ctx context.Context, env models.Envelope) error {
		seen.Store(env.EventID)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "orders", envelope("e-1", models.KindOrderCreated)))
	bus.Wait()
	assert.Equal(t, "e-2", seen.Load())
}

func TestMemoryBusClosed(t *testing.T) {
	bus := newBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), "orders", envelope("e-1", models.KindOrderCreated)), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), "orders", "saga", nil), ErrClosed)
}

func TestMemoryBusStopsOnCancelledSubscription(t *testing.T) {
	bus := newBus()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, "orders", "saga", func(context.Context, models.Envelope) error {
		calls.Add(1)
		return nil
	}))
	cancel()

	require.NoError(t, bus.Publish(context.Background(), "orders", envelope("e-1", models.KindOrderCreated)))
	bus.Wait()
	assert.Zero(t, calls.Load())
}
