package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"order-saga/internal/models"
	"order-saga/internal/readmodel"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// ErrInvalidQuery is returned for a listing filter that cannot match
var ErrInvalidQuery = errors.New("invalid order query")

// ListOrdersRequest filters an order listing
type ListOrdersRequest struct {
	CustomerID string `form:"customer_id"`
	Status     string `form:"status"`
	Limit      int    `form:"limit" binding:"omitempty,min=1"`
}

// ListOrdersResponse is one page of order views
type ListOrdersResponse struct {
	Orders []readmodel.OrderView `json:"orders"`
	Count  int                   `json:"count"`
}

// OrderQueryService serves order listings from the read model
type OrderQueryService struct {
	reader readmodel.Reader
	logger *zap.Logger
}

// NewOrderQueryService creates a new order query service
func NewOrderQueryService(reader readmodel.Reader, logger *zap.Logger) *OrderQueryService {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &OrderQueryService{reader: reader, logger: logger}
}

// ListOrders returns orders by customer, by status, or both, newest first
func (s *OrderQueryService) ListOrders(ctx context.Context, req ListOrdersRequest) (*ListOrdersResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderQueryService.ListOrders")
	defer span.End()

	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, req.Status)
	}

	views, err := s.reader.ListOrders(ctx, readmodel.Query{
		CustomerID: strings.TrimSpace(req.CustomerID),
		Status:     status,
		Limit:      req.Limit,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Orders listed",
		zap.String("customer_id", req.CustomerID),
		zap.String("status", string(status)),
		zap.Int("count", len(views)))
	return &ListOrdersResponse{Orders: views, Count: len(views)}, nil
}
