package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher sends participant events to the bus
type Publisher interface {
	PublishEvent(ctx context.Context, orderID string, ev models.Event, correlationID, causationID string) (models.Envelope, error)
}

// DefaultProcessingTimeout is how long a payment may stay PROCESSING
// before it is considered abandoned by a crashed worker.
const DefaultProcessingTimeout = 2 * time.Minute

// ErrorCodeTimeout marks payments failed by stuck-payment recovery
const ErrorCodeTimeout = "GATEWAY_TIMEOUT"

// Options configures a Service
type Options struct {
	MaxRetries        int
	RetryBackoff      time.Duration
	ProcessingTimeout time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Service processes PaymentProcessingRequested events
type Service struct {
	repo      Repository
	gateway   Gateway
	publisher Publisher
	opts      Options
	logger    *zap.Logger
}

// NewService creates a new payment service
func NewService(repo Repository, gateway Gateway, publisher Publisher, opts Options) *Service {
	if opts.MaxRetries <= 0 || opts.MaxRetries > MaxRetries {
		opts.MaxRetries = MaxRetries
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = DefaultProcessingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

func (s *Service) canRetry(p *Payment) bool {
	return p.Status == models.PaymentFailed && p.CanRetry() && p.RetryCount < s.opts.MaxRetries
}

// HandlePaymentRequested charges the payment named by req and publishes
// PaymentProcessed. Redelivered requests for settled payments publish the
// stored outcome again; requests for a payment another worker is charging
// are dropped unless it has been PROCESSING longer than the processing
// timeout, in which case it is failed with ErrorCodeTimeout.
func (s *Service) HandlePaymentRequested(ctx context.Context, env models.Envelope, req *models.PaymentProcessingRequested) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandlePaymentRequested")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	p, err := s.load(ctx, env, req)
	if err != nil {
		return err
	}

	switch {
	case p.Status == models.PaymentProcessing && s.stuck(p):
		_, err = s.abandon(ctx, p, env.CorrelationID, env.EventID)
		return err
	case p.Status == models.PaymentProcessing:
		s.logger.Info("Payment already processing, dropping request",
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID))
		return nil
	case p.Status == models.PaymentCancelled:
		s.logger.Info("Payment cancelled, dropping request",
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID))
		return nil
	case s.canRetry(p):
		if err := s.retry(ctx, p); err != nil {
			return err
		}
	case p.Final():
		s.logger.Info("Payment already settled, republishing outcome",
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)))
		return s.publish(ctx, env, p)
	}

	for {
		if err := p.StartProcessing(s.opts.Clock()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, p, models.PaymentPending); err != nil {
			if errors.Is(err, ErrStaleState) {
				s.logger.Info("Payment claimed by another worker",
					zap.String("order_id", p.OrderID),
					zap.String("payment_id", p.ID))
				return nil
			}
			return err
		}

		if err := s.charge(ctx, p); err != nil {
			return err
		}
		if !s.canRetry(p) {
			break
		}

		backoff := s.opts.RetryBackoff * time.Duration(p.RetryCount+1)
		s.logger.Warn("Payment failed, retrying",
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.Int("retry", p.RetryCount+1),
			zap.Duration("backoff", backoff),
			zap.String("reason", p.FailureReason))
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := s.retry(ctx, p); err != nil {
			return err
		}
	}

	util.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	s.logger.Info("Payment processed",
		zap.String("order_id", p.OrderID),
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.Int("retries", p.RetryCount))
	return s.publish(ctx, env, p)
}

func (s *Service) load(ctx context.Context, env models.Envelope, req *models.PaymentProcessingRequested) (*Payment, error) {
	if req.PaymentID != "" {
		p, err := s.repo.Get(ctx, req.PaymentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}

	id := req.PaymentID
	if id == "" {
		id = uuid.NewString()
	}
	fresh := New(id, req.OrderID, req.CustomerID, req.Amount, env.CorrelationID, s.opts.Clock())
	p, err := Initiate(ctx, s.repo, fresh)
	if err != nil && !errors.Is(err, ErrPaymentExists) {
		return nil, err
	}
	if p == nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) charge(ctx context.Context, p *Payment) error {
	util.PaymentAttemptsTotal.Inc()

	result, err := s.gateway.Charge(ctx, ChargeRequest{
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
		Attempt:    p.RetryCount + 1,
	})
	if err != nil {
		result = ChargeResult{Status: models.PaymentFailed, Reason: err.Error(), ErrorCode: "GATEWAY_ERROR"}
	}

	now := s.opts.Clock()
	switch result.Status {
	case models.PaymentApproved:
		err = p.Approve(result.TransactionID, now)
	case models.PaymentDeclined:
		err = p.Decline(result.Reason, result.ErrorCode, now)
	default:
		err = p.Fail(result.Reason, result.ErrorCode, now)
	}
	if err != nil {
		return err
	}
	return s.repo.Update(ctx, p, models.PaymentProcessing)
}

func (s *Service) retry(ctx context.Context, p *Payment) error {
	if err := p.Retry(s.opts.Clock()); err != nil {
		return err
	}
	return s.repo.Update(ctx, p, models.PaymentFailed)
}

func (s *Service) stuck(p *Payment) bool {
	return p.UpdatedAt.Before(s.opts.Clock().Add(-s.opts.ProcessingTimeout))
}

// abandon fails a payment whose charge never completed and publishes the
// failure. The gateway result is unknown, so the charge is not retried.
func (s *Service) abandon(ctx context.Context, p *Payment, correlationID, causationID string) (bool, error) {
	since := p.UpdatedAt
	if err := p.Fail("charge did not complete within "+s.opts.ProcessingTimeout.String(), ErrorCodeTimeout, s.opts.Clock()); err != nil {
		return false, err
	}
	if err := s.repo.Update(ctx, p, models.PaymentProcessing); err != nil {
		if errors.Is(err, ErrStaleState) {
			s.logger.Info("Stuck payment settled concurrently",
				zap.String("order_id", p.OrderID),
				zap.String("payment_id", p.ID))
			return false, nil
		}
		return false, err
	}

	util.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	util.PaymentsAbandonedTotal.Inc()
	s.logger.Warn("Payment stuck in processing, failing it",
		zap.String("order_id", p.OrderID),
		zap.String("payment_id", p.ID),
		zap.Time("processing_since", since))
	_, err := s.publisher.PublishEvent(ctx, p.OrderID, p.Outcome(), correlationID, causationID)
	return true, err
}

// RecoverStuck fails payments left PROCESSING past the processing timeout,
// typically by a worker that crashed mid-charge, and publishes their
// PaymentProcessed outcome so the saga can compensate.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := s.repo.Stuck(ctx, s.opts.Clock().Add(-s.opts.ProcessingTimeout), 100)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range stuck {
		failed, err := s.abandon(ctx, p, p.CorrelationID, "")
		if failed {
			recovered++
		}
		if err != nil {
			return recovered, fmt.Errorf("recover payment %s: %w", p.ID, err)
		}
	}
	return recovered, nil
}

func (s *Service) publish(ctx context.Context, env models.Envelope, p *Payment) error {
	_, err := s.publisher.PublishEvent(ctx, p.OrderID, p.Outcome(), env.CorrelationID, env.EventID)
	return err
}

// CancelForOrder cancels the order's payment if it has not been charged yet.
// A payment already handed to the gateway yields ErrPaymentInFlight.
func (s *Service) CancelForOrder(ctx context.Context, orderID string) error {
	p, err := s.repo.ForOrder(ctx, orderID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch p.Status {
	case models.PaymentProcessing, models.PaymentApproved:
		return fmt.Errorf("%w: payment %s is %s", ErrPaymentInFlight, p.ID, p.Status)
	case models.PaymentPending:
	default:
		return nil
	}
	if err := p.Cancel(s.opts.Clock()); err != nil {
		return err
	}
	err = s.repo.Update(ctx, p, models.PaymentPending)
	if errors.Is(err, ErrStaleState) {
		return fmt.Errorf("%w: payment %s left PENDING", ErrPaymentInFlight, p.ID)
	}
	return err
}

// Get returns a payment by id
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.repo.Get(ctx, id)
}
