package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"order-saga/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicRouting(t *testing.T) {
	p := NewEventPublisher(newBus(), DefaultTopics)

	cases := map[string]string{
		models.KindOrderCreated:               "orders",
		models.KindOrderCompleted:             "orders",
		models.KindOrderCancelled:             "orders",
		models.KindOrderFailed:                "orders",
		models.KindInventoryReserved:          "inventory",
		models.KindInventoryReservationFailed: "inventory",
		models.KindPaymentProcessingRequested: "payments",
		models.KindPaymentProcessed:           "payments",
	}
	for kind, want := range cases {
		got, err := p.TopicFor(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, want, got, kind)
	}

	_, err := p.TopicFor("ShipmentDispatched")
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestPublishEventWrapsPayload(t *testing.T) {
	bus := newBus()
	p := NewEventPublisher(bus, DefaultTopics)

	var mu sync.Mutex
	var got []models.Envelope
	require.NoError(t, bus.Subscribe(context.Background(), "payments", "saga", func(ctx context.Context, env models.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		return nil
	}))

	ev := &models.PaymentProcessed{PaymentID: "pay-1", Status: models.PaymentApproved, Amount: decimal.NewFromInt(25)}
	env, err := p.PublishEvent(context.Background(), "o-1", ev, "corr-1", "cause-1")
	require.NoError(t, err)
	bus.Wait()

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, models.KindPaymentProcessed, env.Kind)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "cause-1", env.CausationID)

	require.Len(t, got, 1)
	var decoded models.PaymentProcessed
	require.NoError(t, json.Unmarshal(got[0].Payload, &decoded))
	assert.Equal(t, "pay-1", decoded.PaymentID)
	assert.Equal(t, models.PaymentApproved, decoded.Status)
}

func TestPublishAllRoutesEachEnvelope(t *testing.T) {
	bus := newBus()
	p := NewEventPublisher(bus, DefaultTopics)

	var mu sync.Mutex
	topics := map[string]int{}
	for _, topic := range DefaultTopics.All() {
		topic := topic
		require.NoError(t, bus.Subscribe(context.Background(), topic, "test", func(context.Context, models.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			topics[topic]++
			return nil
		}))
	}

	err := p.PublishAll(context.Background(), []models.Envelope{
		envelope("e-1", models.KindInventoryReserved),
		envelope("e-2", models.KindPaymentProcessingRequested),
		envelope("e-3", "Unknown"),
	})
	bus.Wait()

	assert.ErrorIs(t, err, ErrUnroutable)
	assert.Equal(t, map[string]int{"inventory": 1, "payments": 1}, topics)
}
