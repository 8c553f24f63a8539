// Package broker moves event envelopes between saga participants. All
// transports deliver at least once and give no ordering guarantee across
// topics.
package broker

import (
	"context"
	"errors"

	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrClosed            = errors.New("bus closed")
	ErrAlreadySubscribed = errors.New("group already subscribed to topic")
	ErrUnroutable        = errors.New("no topic for event kind")
)

// Message headers set on every published envelope
const (
	HeaderEventID       = "x-event-id"
	HeaderEventKind     = "x-event-kind"
	HeaderOrderID       = "x-order-id"
	HeaderCorrelationID = "x-correlation-id"
)

// MessageHandler handles one envelope. A non-nil error leaves the message
// unacknowledged so the transport redelivers it.
type MessageHandler func(ctx context.Context, env models.Envelope) error

// Bus is a topic based publish/subscribe transport
type Bus interface {
	Publish(ctx context.Context, topic string, env models.Envelope) error
	// Subscribe starts delivering topic messages to handler. Subscribers in
	// the same group share the messages; each group sees every message.
	// Delivery stops when ctx is done or the bus is closed.
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error
	Close() error
}

// headersFor builds the transport headers of env, including the W3C trace
// context of ctx.
func headersFor(ctx context.Context, env models.Envelope) map[string]string {
	carrier := propagation.MapCarrier{
		HeaderEventID:       env.EventID,
		HeaderEventKind:     env.Kind,
		HeaderOrderID:       env.OrderID,
		HeaderCorrelationID: env.CorrelationID,
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// deliver runs handler for one consumed message inside a consumer span
// linked to the producer's trace.
func deliver(ctx context.Context, topic string, headers map[string]string, env models.Envelope, handler MessageHandler) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	ctx, span := util.StartSpan(ctx, "consume "+topic)
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("event.kind", env.Kind),
		attribute.String("event.id", env.EventID),
		attribute.String("order.id", env.OrderID),
	)

	err := handler(ctx, env)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	util.BusMessagesConsumed.WithLabelValues(topic, result).Inc()
	return err
}
