package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"order-saga/internal/models"
	"order-saga/internal/order"
	"order-saga/internal/registry"
	"order-saga/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Meta is stamped onto every envelope produced by a Save
type Meta struct {
	CorrelationID string
	CausationID   string
}

// Repository loads and saves order aggregates through a Store
type Repository struct {
	store      Store
	dispatcher *registry.Dispatcher
	logger     *zap.Logger
}

// NewRepository creates a new order repository
func NewRepository(store Store, dispatcher *registry.Dispatcher, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Repository{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Load rebuilds an order by replaying its stream.
//
// Replay never stops half way: when an event fails to decode or apply, the
// order is returned FAILED and marked corrupted together with
// ErrCorruptedStream, and its version still tracks the stored stream.
func (r *Repository) Load(ctx context.Context, orderID string) (*order.Order, error) {
	ctx, span := util.StartSpan(ctx, "Repository.Load")
	defer span.End()

	envs, err := r.store.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	o := order.Empty(orderID)
	o.CorrelationID = envs[0].CorrelationID

	var corruption string
	for _, env := range envs {
		if corruption != "" {
			o.Version = env.Sequence
			continue
		}

		ev, err := r.dispatcher.DispatchEnvelope(env)
		if err == nil {
			err = o.Apply(env.Sequence, env.Timestamp, ev)
		}
		if err != nil {
			corruption = fmt.Sprintf("replay failed at sequence %d (%s): %v", env.Sequence, env.Kind, err)
			o.MarkCorrupted(corruption)
			o.Version = env.Sequence
			o.UpdatedAt = env.Timestamp
		}
	}

	if corruption != "" {
		r.logger.Error("Order stream corrupted",
			zap.String("order_id", orderID),
			zap.String("reason", corruption))
		return o, fmt.Errorf("%w: order %s: %s", ErrCorruptedStream, orderID, corruption)
	}
	return o, nil
}

// Save appends the order's uncommitted events and returns the stored
// envelopes. On success the order's uncommitted buffer is cleared.
func (r *Repository) Save(ctx context.Context, o *order.Order, meta Meta) ([]models.Envelope, error) {
	ctx, span := util.StartSpan(ctx, "Repository.Save")
	defer span.End()

	pending := o.Uncommitted()
	if len(pending) == 0 {
		return nil, nil
	}

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = o.CorrelationID
	}

	envs := make([]models.Envelope, 0, len(pending))
	for _, p := range pending {
		payload, err := json.Marshal(p.Event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", p.Event.Kind(), err)
		}
		envs = append(envs, models.Envelope{
			EventID:       uuid.NewString(),
			Kind:          p.Event.Kind(),
			OrderID:       o.ID,
			Sequence:      p.Sequence,
			CorrelationID: correlationID,
			CausationID:   meta.CausationID,
			Timestamp:     p.Timestamp,
			Payload:       payload,
		})
	}

	if err := r.store.Append(ctx, o.ID, o.CommittedVersion(), envs); err != nil {
		return nil, err
	}
	o.MarkCommitted()

	r.logger.Debug("Order events appended",
		zap.String("order_id", o.ID),
		zap.Int64("version", o.Version),
		zap.Int("events", len(envs)))
	return envs, nil
}

// History returns the raw stream of an order for audit
func (r *Repository) History(ctx context.Context, orderID string) ([]models.Envelope, error) {
	return r.store.Load(ctx, orderID)
}
