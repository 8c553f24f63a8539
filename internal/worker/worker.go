package worker

import (
	"context"
	"fmt"
	"time"

	"order-saga/internal/broker"
	"order-saga/internal/inventory"
	"order-saga/internal/models"
	"order-saga/internal/payment"
	"order-saga/internal/registry"
	"order-saga/internal/saga"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// Consumer groups
const (
	SagaGroup    = "order-saga"
	PaymentGroup = "payment-service"
)

// DefaultInboxTTL bounds how long handled message ids are remembered
const DefaultInboxTTL = 24 * time.Hour

// Deps are shared by the workers
type Deps struct {
	Bus      broker.Bus
	Topics   broker.Topics
	Pool     *Pool
	Inbox    Inbox
	InboxTTL time.Duration
	Logger   *zap.Logger

	// Group names the saga consumer group, SagaGroup when empty
	Group string
}

func (d Deps) withDefaults() Deps {
	if d.Pool == nil {
		d.Pool = NewPool(0)
	}
	if d.InboxTTL <= 0 {
		d.InboxTTL = DefaultInboxTTL
	}
	if d.Logger == nil {
		d.Logger = util.GetLogger()
	}
	if d.Group == "" {
		d.Group = SagaGroup
	}
	return d
}

// consume wraps handler with inbox dedupe and runs it on the order's lane.
// A message is only marked processed once handler succeeded.
func (d Deps) consume(group string, handler broker.MessageHandler) broker.MessageHandler {
	return func(ctx context.Context, env models.Envelope) error {
		key := group + ":" + env.EventID
		if d.Inbox != nil {
			seen, err := d.Inbox.Seen(ctx, key)
			if err != nil {
				d.Logger.Warn("Inbox lookup failed, handling message anyway",
					zap.String("event_id", env.EventID),
					zap.Error(err))
			} else if seen {
				util.SagaDuplicatesDropped.WithLabelValues(env.Kind).Inc()
				d.Logger.Debug("Message already processed",
					zap.String("group", group),
					zap.String("event_id", env.EventID))
				return nil
			}
		}

		err := d.Pool.Do(ctx, env.OrderID, func(ctx context.Context) error {
			return handler(ctx, env)
		})
		if err != nil {
			return err
		}

		if d.Inbox != nil {
			if err := d.Inbox.MarkProcessed(ctx, key, d.InboxTTL); err != nil {
				d.Logger.Warn("Failed to mark message processed",
					zap.String("event_id", env.EventID),
					zap.Error(err))
			}
		}
		return nil
	}
}

// SagaWorker feeds the saga coordinator from every saga topic
type SagaWorker struct {
	deps        Deps
	coordinator *saga.Coordinator
}

// NewSagaWorker creates a new saga worker
func NewSagaWorker(deps Deps, coordinator *saga.Coordinator) *SagaWorker {
	return &SagaWorker{deps: deps.withDefaults(), coordinator: coordinator}
}

// Subscribe attaches the coordinator to every saga topic
func (w *SagaWorker) Subscribe(ctx context.Context) error {
	handler := w.deps.consume(w.deps.Group, w.coordinator.Handle)
	for _, topic := range w.deps.Topics.All() {
		if err := w.deps.Bus.Subscribe(ctx, topic, w.deps.Group, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// Start subscribes the coordinator and blocks until ctx is done
func (w *SagaWorker) Start(ctx context.Context) error {
	w.deps.Logger.Info("Starting saga worker", zap.Strings("topics", w.deps.Topics.All()))
	if err := w.Subscribe(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.deps.Logger.Info("Stopping saga worker")
	return nil
}

// PaymentWorker charges payments requested by the saga
type PaymentWorker struct {
	deps       Deps
	dispatcher *registry.Dispatcher
	payments   *payment.Service
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(deps Deps, dispatcher *registry.Dispatcher, payments *payment.Service) *PaymentWorker {
	return &PaymentWorker{deps: deps.withDefaults(), dispatcher: dispatcher, payments: payments}
}

// Handle processes one message from the payments topic
func (pw *PaymentWorker) Handle(ctx context.Context, env models.Envelope) error {
	if env.Kind != models.KindPaymentProcessingRequested {
		return nil
	}

	ev, err := pw.dispatcher.DispatchEnvelope(env)
	if err != nil {
		pw.deps.Logger.Error("Dropping undecodable payment request",
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return nil
	}
	req := ev.(*models.PaymentProcessingRequested)

	pw.deps.Logger.Info("Processing payment",
		zap.String("order_id", req.OrderID),
		zap.String("payment_id", req.PaymentID),
		zap.String("correlation_id", env.CorrelationID))
	return pw.payments.HandlePaymentRequested(ctx, env, req)
}

// Subscribe attaches the payment service to the payments topic
func (pw *PaymentWorker) Subscribe(ctx context.Context) error {
	if err := pw.deps.Bus.Subscribe(ctx, pw.deps.Topics.Payments, PaymentGroup, pw.deps.consume(PaymentGroup, pw.Handle)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pw.deps.Topics.Payments, err)
	}
	return nil
}

// Start subscribes to the payments topic and blocks until ctx is done
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.deps.Logger.Info("Starting payment worker", zap.String("topic", pw.deps.Topics.Payments))
	if err := pw.Subscribe(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	pw.deps.Logger.Info("Stopping payment worker")
	return nil
}

// Locker guards work that only one process should run at a time
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// PaymentRecoverer fails payments abandoned mid-charge
type PaymentRecoverer interface {
	RecoverStuck(ctx context.Context) (int, error)
}

const sweepLockKey = "reservation-sweeper"

// ExpirySweeper periodically expires reservations past their TTL
type ExpirySweeper struct {
	ledger   *inventory.Ledger
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	// Locker, when set, keeps concurrent instances from sweeping together
	Locker Locker
	// Payments, when set, is asked to recover stuck payments on every sweep
	Payments PaymentRecoverer
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(ledger *inventory.Ledger, interval time.Duration, logger *zap.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = util.GetLogger()
	}
	return &ExpirySweeper{
		ledger:   ledger,
		interval: interval,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Sweep expires stale reservations once and returns how many it expired.
// Stuck payments are recovered in the same pass.
func (s *ExpirySweeper) Sweep(ctx context.Context) int {
	if s.Locker != nil {
		ok, err := s.Locker.AcquireLock(ctx, sweepLockKey, s.interval)
		if err != nil {
			s.logger.Warn("Failed to acquire sweeper lock", zap.Error(err))
			return 0
		}
		if !ok {
			return 0
		}
		defer func() {
			if err := s.Locker.ReleaseLock(ctx, sweepLockKey); err != nil {
				s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
			}
		}()
	}

	n, err := s.ledger.ExpireStale(ctx, s.clock())
	if err != nil {
		s.logger.Error("Reservation sweep failed", zap.Error(err))
	}

	if s.Payments != nil {
		recovered, err := s.Payments.RecoverStuck(ctx)
		if err != nil {
			s.logger.Error("Stuck payment recovery failed", zap.Error(err))
		}
		if recovered > 0 {
			s.logger.Warn("Recovered stuck payments", zap.Int("count", recovered))
		}
	}
	return n
}

// Start sweeps every interval until ctx is done
func (s *ExpirySweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
