package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-saga/internal/eventstore"
	"order-saga/internal/inventory"
	"order-saga/internal/models"
	"order-saga/internal/order"
	"order-saga/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReasonCustomerRequest is recorded when a cancellation carries no reason
const ReasonCustomerRequest = "customer request"

var (
	ErrOrderNotFound = errors.New("order not found")

	// idempotencyNamespace scopes order ids derived from idempotency keys
	idempotencyNamespace = uuid.MustParse("6b1f3c7e-2a4d-5e8f-9b0a-1c2d3e4f5a6b")
)

// Publisher sends stored order events to the bus
type Publisher interface {
	PublishAll(ctx context.Context, envs []models.Envelope) error
}

// PaymentCanceller cancels the payment of an order that has not been charged
type PaymentCanceller interface {
	CancelForOrder(ctx context.Context, orderID string) error
}

// OrderService handles order commands coming from the API
type OrderService struct {
	repo      *eventstore.Repository
	ledger    *inventory.Ledger
	payments  PaymentCanceller
	publisher Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	repo *eventstore.Repository,
	ledger *inventory.Ledger,
	payments PaymentCanceller,
	publisher Publisher,
	logger *zap.Logger,
) *OrderService {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &OrderService{
		repo:      repo,
		ledger:    ledger,
		payments:  payments,
		publisher: publisher,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source stamped on created orders
func (s *OrderService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID       string             `json:"order_id"`
	Status        models.OrderStatus `json:"status"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	CorrelationID string             `json:"correlation_id"`
	Duplicate     bool               `json:"duplicate,omitempty"`
}

func respond(o *order.Order, duplicate bool) *CreateOrderResponse {
	return &CreateOrderResponse{
		OrderID:       o.ID,
		Status:        o.Status,
		TotalAmount:   o.TotalAmount,
		CorrelationID: o.CorrelationID,
		Duplicate:     duplicate,
	}
}

// OrderIDForKey derives the order id used for an idempotency key
func OrderIDForKey(key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(key)).String()
}

// CreateOrder records a new order and starts its saga by publishing
// OrderCreated. Requests repeating an idempotency key return the order the
// first request created.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	orderID := uuid.NewString()
	if req.IdempotencyKey != "" {
		orderID = OrderIDForKey(req.IdempotencyKey)
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	o, err := order.Create(orderID, req.CustomerID, correlationID, items, s.clock())
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_order").Inc()
		return nil, err
	}

	envs, err := s.repo.Save(ctx, o, eventstore.Meta{CorrelationID: correlationID})
	if errors.Is(err, eventstore.ErrConcurrencyConflict) && req.IdempotencyKey != "" {
		return s.existing(ctx, orderID, req.IdempotencyKey)
	}
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("customer_id", o.CustomerID),
		zap.String("correlation_id", correlationID),
		zap.String("total_amount", o.TotalAmount.StringFixed(2)))

	if err := s.publisher.PublishAll(ctx, envs); err != nil {
		s.logger.Error("Failed to publish OrderCreated event",
			zap.String("order_id", o.ID),
			zap.Error(err))
	}

	return respond(o, false), nil
}

// existing answers a repeated create. An order still waiting on its first
// event gets OrderCreated published again in case the first attempt never
// reached the bus.
func (s *OrderService) existing(ctx context.Context, orderID, key string) (*CreateOrderResponse, error) {
	o, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order for idempotency key: %w", err)
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", orderID))

	if o.Status == models.OrderStatusPending && o.Version == 1 {
		history, err := s.repo.History(ctx, orderID)
		if err == nil {
			err = s.publisher.PublishAll(ctx, history[:1])
		}
		if err != nil {
			s.logger.Error("Failed to republish OrderCreated event",
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}
	return respond(o, true), nil
}

// CancelOrder cancels an order that has not reached a terminal state,
// returning any reserved stock. Orders whose payment is already with the
// gateway cannot be cancelled and yield payment.ErrPaymentInFlight.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*order.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	if reason == "" {
		reason = ReasonCustomerRequest
	}

	var (
		o    *order.Order
		envs []models.Envelope
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		o, envs, err = s.cancel(ctx, orderID, reason)
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			break
		}
		s.logger.Warn("Concurrent update while cancelling order, retrying",
			zap.String("order_id", orderID))
	}
	if err != nil {
		return nil, err
	}

	if o.ReservationID != "" {
		err := s.ledger.Release(ctx, o.ReservationID)
		if err != nil && !errors.Is(err, inventory.ErrReservationNotFound) {
			s.logger.Error("Failed to release reservation of cancelled order",
				zap.String("order_id", orderID),
				zap.String("reservation_id", o.ReservationID),
				zap.Error(err))
		}
	}
	s.ledger.Withdraw(orderID)

	util.OrdersCancelledTotal.WithLabelValues("customer_request").Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", orderID),
		zap.String("correlation_id", o.CorrelationID),
		zap.String("reason", reason))

	if err := s.publisher.PublishAll(ctx, envs); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
	return o, nil
}

func (s *OrderService) cancel(ctx context.Context, orderID, reason string) (*order.Order, []models.Envelope, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Status.Terminal() {
		return nil, nil, &order.TransitionError{From: o.Status, Kind: models.KindOrderCancelled}
	}

	if err := s.payments.CancelForOrder(ctx, orderID); err != nil {
		return nil, nil, err
	}

	if err := o.Cancel(reason); err != nil {
		return nil, nil, err
	}
	envs, err := s.repo.Save(ctx, o, eventstore.Meta{CorrelationID: o.CorrelationID})
	if err != nil {
		return nil, nil, err
	}
	return o, envs, nil
}

// GetOrder rebuilds an order from its event stream
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := s.repo.Load(ctx, orderID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

// GetHistory returns the stored events of an order
func (s *OrderService) GetHistory(ctx context.Context, orderID string) ([]models.Envelope, error) {
	envs, err := s.repo.History(ctx, orderID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return envs, err
}
