// Package saga reacts to participant events and drives each order through
// reservation, payment and confirmation or compensation.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-saga/internal/eventstore"
	"order-saga/internal/inventory"
	"order-saga/internal/models"
	"order-saga/internal/order"
	"order-saga/internal/payment"
	"order-saga/internal/registry"
	"order-saga/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrBusy is returned when an order kept changing under the handler. The
// message is left unacknowledged so the transport redelivers it.
var ErrBusy = errors.New("order busy, retry later")

// Cancellation reasons
const (
	ReasonStockUnavailable   = "stock unavailable"
	ReasonPaymentFailed      = "payment failed"
	ReasonReservationExpired = "reservation expired"
)

// Publisher sends saga output to the bus
type Publisher interface {
	PublishAll(ctx context.Context, envs []models.Envelope) error
	PublishEvent(ctx context.Context, orderID string, ev models.Event, correlationID, causationID string) (models.Envelope, error)
}

// Quarantined describes an order whose stream could not be replayed
type Quarantined struct {
	OrderID string    `json:"order_id"`
	EventID string    `json:"event_id"`
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Options tunes a Coordinator
type Options struct {
	Logger *zap.Logger
	Clock  func() time.Time
	// NewPaymentID generates payment ids; uuid by default
	NewPaymentID func() string
}

type handlerFunc func(ctx context.Context, env models.Envelope, ev models.Event) error

// Coordinator is the choreography rule set. Every handler is safe to run
// again for a message it has already seen.
type Coordinator struct {
	repo       *eventstore.Repository
	dispatcher *registry.Dispatcher
	ledger     *inventory.Ledger
	payments   payment.Repository
	publisher  Publisher
	handlers   map[string]handlerFunc
	opts       Options
	logger     *zap.Logger

	mu         sync.RWMutex
	quarantine map[string]Quarantined
}

// NewCoordinator creates a new saga coordinator
func NewCoordinator(
	repo *eventstore.Repository,
	dispatcher *registry.Dispatcher,
	ledger *inventory.Ledger,
	payments payment.Repository,
	publisher Publisher,
	opts Options,
) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewPaymentID == nil {
		opts.NewPaymentID = uuid.NewString
	}

	c := &Coordinator{
		repo:       repo,
		dispatcher: dispatcher,
		ledger:     ledger,
		payments:   payments,
		publisher:  publisher,
		opts:       opts,
		logger:     opts.Logger,
		quarantine: make(map[string]Quarantined),
	}
	c.handlers = map[string]handlerFunc{
		models.KindOrderCreated:               c.onOrderCreated,
		models.KindInventoryReserved:          c.onInventoryReserved,
		models.KindInventoryReservationFailed: c.onReservationFailed,
		models.KindPaymentProcessed:           c.onPaymentProcessed,
	}
	return c
}

// Handles reports whether kind has a handler
func (c *Coordinator) Handles(kind string) bool {
	_, ok := c.handlers[kind]
	return ok
}

// Handle processes one inbound envelope. A nil result means the message can
// be acknowledged, including when it was a duplicate, arrived for a finished
// order or named an unknown kind.
func (c *Coordinator) Handle(ctx context.Context, env models.Envelope) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", env.Kind),
		attribute.String("order.id", env.OrderID),
		attribute.String("correlation.id", env.CorrelationID),
	)

	start := time.Now()
	defer func() {
		util.SagaHandlerDuration.WithLabelValues(env.Kind).Observe(time.Since(start).Seconds())
	}()

	ev, err := c.dispatcher.DispatchEnvelope(env)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownEventType) {
			c.logger.Warn("Ignoring unknown event kind",
				zap.String("kind", env.Kind),
				zap.String("event_id", env.EventID))
			return nil
		}
		c.logger.Error("Dropping undecodable event",
			zap.String("kind", env.Kind),
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return nil
	}

	handler, ok := c.handlers[env.Kind]
	if !ok {
		return nil
	}

	err = handler(ctx, env, ev)
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		util.SagaConflictsTotal.Inc()
		c.logger.Debug("Concurrent update, retrying",
			zap.String("order_id", env.OrderID),
			zap.String("kind", env.Kind))
		err = handler(ctx, env, ev)
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			util.SagaConflictsTotal.Inc()
			return fmt.Errorf("%w: order %s: %v", ErrBusy, env.OrderID, err)
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrInvalidTransition):
		c.logger.Info("Event has no effect on order",
			zap.String("order_id", env.OrderID),
			zap.String("kind", env.Kind),
			zap.String("event_id", env.EventID),
			zap.String("reason", err.Error()))
		return nil
	case errors.Is(err, eventstore.ErrCorruptedStream):
		c.quarantineOrder(env, err)
		return nil
	default:
		c.logger.Error("Saga handler failed",
			zap.String("order_id", env.OrderID),
			zap.String("kind", env.Kind),
			zap.String("event_id", env.EventID),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err))
		return err
	}
}

func (c *Coordinator) quarantineOrder(env models.Envelope, cause error) {
	c.mu.Lock()
	_, seen := c.quarantine[env.OrderID]
	if !seen {
		c.quarantine[env.OrderID] = Quarantined{
			OrderID: env.OrderID,
			EventID: env.EventID,
			Kind:    env.Kind,
			Reason:  cause.Error(),
			At:      c.opts.Clock(),
		}
	}
	c.mu.Unlock()

	if !seen {
		util.OrdersQuarantinedTotal.Inc()
	}
	c.logger.Error("Order quarantined",
		zap.String("order_id", env.OrderID),
		zap.String("event_id", env.EventID),
		zap.Error(cause))
}

// Quarantine lists orders whose streams failed to replay, oldest first
func (c *Coordinator) Quarantine() []Quarantined {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Quarantined, 0, len(c.quarantine))
	for _, q := range c.quarantine {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// IsQuarantined reports whether orderID has been quarantined
func (c *Coordinator) IsQuarantined(orderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.quarantine[orderID]
	return ok
}

func meta(env models.Envelope) eventstore.Meta {
	return eventstore.Meta{CorrelationID: env.CorrelationID, CausationID: env.EventID}
}

// drop records an inbound event that found the order past the step it
// drives. Whatever that event caused earlier is published again first, so a
// redelivery after a failed publish still moves the saga on. Events for
// finished orders surface as transition errors.
func (c *Coordinator) drop(ctx context.Context, env models.Envelope, o *order.Order) error {
	if err := c.republish(ctx, env); err != nil {
		return err
	}
	if o.Status.Terminal() {
		return &order.TransitionError{From: o.Status, Kind: env.Kind}
	}
	util.SagaDuplicatesDropped.WithLabelValues(env.Kind).Inc()
	c.logger.Debug("Dropping duplicate event",
		zap.String("order_id", o.ID),
		zap.String("kind", env.Kind),
		zap.String("status", string(o.Status)),
		zap.String("event_id", env.EventID))
	return nil
}

// republish sends the stored events caused by env once more. They keep their
// event ids, so consumers that already saw them drop the copies.
func (c *Coordinator) republish(ctx context.Context, env models.Envelope) error {
	history, err := c.repo.History(ctx, env.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	caused := outbound(env, history)
	if len(caused) == 0 {
		return nil
	}
	if err := c.publisher.PublishAll(ctx, caused); err != nil {
		c.logger.Error("Failed to republish order events",
			zap.String("order_id", env.OrderID),
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return err
	}
	util.SagaRepublishedTotal.WithLabelValues(env.Kind).Add(float64(len(caused)))
	return nil
}

// outbound picks the envelopes env caused, minus the recorded copy of env
// itself which was already published by whoever sent it.
func outbound(env models.Envelope, envs []models.Envelope) []models.Envelope {
	out := make([]models.Envelope, 0, len(envs))
	for _, e := range envs {
		if e.CausationID == env.EventID && e.Kind != env.Kind {
			out = append(out, e)
		}
	}
	return out
}

// save appends the order's pending events and publishes the ones the saga
// originates. A failed publish leaves the message unacknowledged; the
// redelivery finds the order advanced and republishes from the stream.
func (c *Coordinator) save(ctx context.Context, env models.Envelope, o *order.Order) error {
	envs, err := c.repo.Save(ctx, o, meta(env))
	if err != nil {
		return err
	}
	if err := c.publisher.PublishAll(ctx, outbound(env, envs)); err != nil {
		c.logger.Error("Failed to publish order events",
			zap.String("order_id", o.ID),
			zap.Error(err))
		return err
	}
	return nil
}

// load replays the order, or returns nil when no stream exists yet
func (c *Coordinator) load(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := c.repo.Load(ctx, orderID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return nil, nil
	}
	return o, err
}

func (c *Coordinator) missing(env models.Envelope) error {
	c.logger.Warn("Event for unknown order",
		zap.String("order_id", env.OrderID),
		zap.String("kind", env.Kind),
		zap.String("event_id", env.EventID))
	return nil
}

func (c *Coordinator) onOrderCreated(ctx context.Context, env models.Envelope, ev models.Event) error {
	created := ev.(*models.OrderCreated)

	o, err := c.load(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o == nil {
		// The order was created outside this process; adopt its stream.
		o, err = order.Create(env.OrderID, created.CustomerID, env.CorrelationID, created.Items, env.Timestamp)
		if err != nil {
			c.logger.Warn("Rejecting invalid order",
				zap.String("order_id", env.OrderID),
				zap.Error(err))
			return nil
		}
		if _, err := c.repo.Save(ctx, o, meta(env)); err != nil {
			return err
		}
	}
	if o.Status != models.OrderStatusPending {
		return c.drop(ctx, env, o)
	}

	res, err := c.ledger.Reserve(ctx, inventory.ReserveRequest{
		OrderID:     o.ID,
		Lines:       models.StockLines(o.Items),
		RequestedAt: env.Timestamp,
	})
	if err != nil {
		failed := &models.InventoryReservationFailed{OrderID: o.ID, Reason: ReasonStockUnavailable}
		var short *inventory.InsufficientStockError
		switch {
		case errors.As(err, &short):
			failed.ProductID = short.ProductID
			failed.Requested = short.Requested
			failed.Available = short.Available
			failed.Reason = err.Error()
		case errors.Is(err, inventory.ErrProductNotFound), errors.Is(err, inventory.ErrInvalidRequest):
			failed.Reason = err.Error()
		default:
			return fmt.Errorf("failed to reserve inventory: %w", err)
		}
		c.logger.Info("Inventory reservation failed",
			zap.String("order_id", o.ID),
			zap.String("correlation_id", env.CorrelationID),
			zap.String("reason", failed.Reason))
		_, err = c.publisher.PublishEvent(ctx, o.ID, failed, env.CorrelationID, env.EventID)
		return err
	}

	_, err = c.publisher.PublishEvent(ctx, o.ID, &models.InventoryReserved{
		OrderID:       o.ID,
		ReservationID: res.ID,
		Lines:         res.Lines,
	}, env.CorrelationID, env.EventID)
	return err
}

func (c *Coordinator) onInventoryReserved(ctx context.Context, env models.Envelope, ev models.Event) error {
	reserved := ev.(*models.InventoryReserved)

	o, err := c.load(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o == nil {
		return c.missing(env)
	}
	if o.Status != models.OrderStatusPending {
		if o.Status.Terminal() && o.ReservationID != reserved.ReservationID {
			// Stock held for an order that finished without it.
			if err := c.ledger.Release(ctx, reserved.ReservationID); err != nil && !errors.Is(err, inventory.ErrReservationNotFound) {
				return fmt.Errorf("failed to release orphaned reservation: %w", err)
			}
		}
		return c.drop(ctx, env, o)
	}

	p, err := c.paymentFor(ctx, o, env)
	if err != nil || p == nil {
		return err
	}

	if err := o.ReserveInventory(reserved.ReservationID, reserved.Lines); err != nil {
		return err
	}
	if err := o.RequestPayment(p.ID); err != nil {
		return err
	}
	if err := c.save(ctx, env, o); err != nil {
		return err
	}

	util.OrdersReservedTotal.Inc()
	c.logger.Info("Payment requested",
		zap.String("order_id", o.ID),
		zap.String("payment_id", p.ID),
		zap.String("reservation_id", reserved.ReservationID),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}

// paymentFor returns the payment to request for a PENDING order. A PENDING
// payment left by an interrupted attempt is reused; a payment already in
// flight or approved means the trigger is a duplicate and nil is returned.
func (c *Coordinator) paymentFor(ctx context.Context, o *order.Order, env models.Envelope) (*payment.Payment, error) {
	existing, err := c.payments.ForOrder(ctx, o.ID)
	switch {
	case err == nil && existing.Status == models.PaymentPending:
		return existing, nil
	case err == nil && existing.Status.Active():
		return nil, c.drop(ctx, env, o)
	case err != nil && !errors.Is(err, payment.ErrPaymentNotFound):
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}

	p := payment.New(c.opts.NewPaymentID(), o.ID, o.CustomerID, o.TotalAmount, env.CorrelationID, c.opts.Clock())
	created, err := payment.Initiate(ctx, c.payments, p)
	if errors.Is(err, payment.ErrPaymentExists) {
		if created != nil && created.Status == models.PaymentPending {
			return created, nil
		}
		return nil, c.drop(ctx, env, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return created, nil
}

func (c *Coordinator) onReservationFailed(ctx context.Context, env models.Envelope, ev models.Event) error {
	failed := ev.(*models.InventoryReservationFailed)

	o, err := c.load(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o == nil {
		return c.missing(env)
	}
	if o.Status != models.OrderStatusPending {
		return c.drop(ctx, env, o)
	}

	if err := o.RejectInventory(*failed); err != nil {
		return err
	}
	if err := o.Cancel(ReasonStockUnavailable); err != nil {
		return err
	}
	c.ledger.Withdraw(o.ID)
	if err := c.save(ctx, env, o); err != nil {
		return err
	}

	util.OrdersCancelledTotal.WithLabelValues("stock_unavailable").Inc()
	c.logger.Info("Order cancelled",
		zap.String("order_id", o.ID),
		zap.String("reason", ReasonStockUnavailable),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}

func (c *Coordinator) onPaymentProcessed(ctx context.Context, env models.Envelope, ev models.Event) error {
	result := ev.(*models.PaymentProcessed)

	o, err := c.load(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o == nil {
		return c.missing(env)
	}
	if o.Status != models.OrderStatusPaymentProcessing {
		return c.drop(ctx, env, o)
	}
	if result.PaymentID != o.PaymentID {
		c.logger.Warn("Ignoring outcome of a superseded payment",
			zap.String("order_id", o.ID),
			zap.String("payment_id", result.PaymentID),
			zap.String("current_payment_id", o.PaymentID))
		return nil
	}

	switch {
	case result.Status == models.PaymentApproved:
		return c.confirm(ctx, env, o, result)
	case result.Status.Unsuccessful():
		return c.compensate(ctx, env, o, result)
	default:
		c.logger.Info("Ignoring payment outcome",
			zap.String("order_id", o.ID),
			zap.String("payment_status", string(result.Status)))
		return nil
	}
}

func (c *Coordinator) confirm(ctx context.Context, env models.Envelope, o *order.Order, result *models.PaymentProcessed) error {
	err := c.ledger.Confirm(ctx, o.ReservationID)
	if errors.Is(err, inventory.ErrReservationExpired) || errors.Is(err, inventory.ErrReservationReleased) {
		c.logger.Warn("Payment approved after reservation lapsed",
			zap.String("order_id", o.ID),
			zap.String("payment_id", result.PaymentID),
			zap.String("reservation_id", o.ReservationID))
		if err := o.RecordPayment(*result); err != nil {
			return err
		}
		if err := o.Cancel(ReasonReservationExpired); err != nil {
			return err
		}
		if err := c.save(ctx, env, o); err != nil {
			return err
		}
		util.OrdersCancelledTotal.WithLabelValues("reservation_expired").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to confirm reservation: %w", err)
	}

	if err := o.RecordPayment(*result); err != nil {
		return err
	}
	if err := o.Complete(); err != nil {
		return err
	}
	if err := c.save(ctx, env, o); err != nil {
		return err
	}

	util.OrdersConfirmedTotal.Inc()
	c.logger.Info("Order confirmed",
		zap.String("order_id", o.ID),
		zap.String("payment_id", result.PaymentID),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}

func (c *Coordinator) compensate(ctx context.Context, env models.Envelope, o *order.Order, result *models.PaymentProcessed) error {
	c.logger.Warn("Payment unsuccessful, starting compensation",
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(result.Status)),
		zap.String("reason", result.Reason))

	if o.ReservationID != "" {
		if err := c.ledger.Release(ctx, o.ReservationID); err != nil && !errors.Is(err, inventory.ErrReservationNotFound) {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
	}

	if err := o.RecordPayment(*result); err != nil {
		return err
	}
	if err := o.Cancel(ReasonPaymentFailed); err != nil {
		return err
	}
	if err := c.save(ctx, env, o); err != nil {
		return err
	}

	util.OrdersCancelledTotal.WithLabelValues("payment_failed").Inc()
	c.logger.Info("Order cancelled and compensated",
		zap.String("order_id", o.ID),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}
