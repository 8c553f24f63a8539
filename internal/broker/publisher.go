package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-saga/internal/models"

	"github.com/google/uuid"
)

// Topics names the three saga topics
type Topics struct {
	Orders    string
	Inventory string
	Payments  string
}

// DefaultTopics are used when no topic names are configured
var DefaultTopics = Topics{
	Orders:    "orders",
	Inventory: "inventory",
	Payments:  "payments",
}

// All returns every topic name
func (t Topics) All() []string {
	return []string{t.Orders, t.Inventory, t.Payments}
}

// EventPublisher routes envelopes to the topic of their kind
type EventPublisher struct {
	bus    Bus
	topics Topics
	routes map[string]string
	now    func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(bus Bus, topics Topics) *EventPublisher {
	return &EventPublisher{
		bus:    bus,
		topics: topics,
		routes: map[string]string{
			models.KindOrderCreated:               topics.Orders,
			models.KindOrderCompleted:             topics.Orders,
			models.KindOrderCancelled:             topics.Orders,
			models.KindOrderFailed:                topics.Orders,
			models.KindInventoryReserved:          topics.Inventory,
			models.KindInventoryReservationFailed: topics.Inventory,
			models.KindPaymentProcessingRequested: topics.Payments,
			models.KindPaymentProcessed:           topics.Payments,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Topics returns the configured topic names
func (p *EventPublisher) Topics() Topics {
	return p.topics
}

// TopicFor returns the topic carrying kind
func (p *EventPublisher) TopicFor(kind string) (string, error) {
	topic, ok := p.routes[kind]
	if !ok || topic == "" {
		return "", fmt.Errorf("%w: %s", ErrUnroutable, kind)
	}
	return topic, nil
}

// Publish sends one envelope to the topic of its kind
func (p *EventPublisher) Publish(ctx context.Context, env models.Envelope) error {
	topic, err := p.TopicFor(env.Kind)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, topic, env); err != nil {
		return fmt.Errorf("failed to publish %s for order %s: %w", env.Kind, env.OrderID, err)
	}
	return nil
}

// PublishAll publishes envs in order and reports every failure
func (p *EventPublisher) PublishAll(ctx context.Context, envs []models.Envelope) error {
	var errs []error
	for _, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishEvent wraps an event that is not part of an order stream, such as a
// participant's reply, in a fresh envelope and publishes it.
func (p *EventPublisher) PublishEvent(ctx context.Context, orderID string, ev models.Event, correlationID, causationID string) (models.Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("failed to marshal %s: %w", ev.Kind(), err)
	}
	env := models.Envelope{
		EventID:       uuid.NewString(),
		Kind:          ev.Kind(),
		OrderID:       orderID,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Timestamp:     p.now(),
		Payload:       payload,
	}
	return env, p.Publish(ctx, env)
}
