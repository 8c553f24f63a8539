package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-saga/internal/eventstore"
	"order-saga/internal/inventory"
	"order-saga/internal/order"
	"order-saga/internal/payment"
	"order-saga/internal/saga"
	"order-saga/internal/service"
	"order-saga/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// QuarantineSource lists orders set aside after a corrupted replay
type QuarantineSource interface {
	Quarantine() []saga.Quarantined
}

// Handler contains HTTP handlers
type Handler struct {
	orderService     *service.OrderService
	queryService     *service.OrderQueryService
	inventoryService *service.InventoryService
	quarantine       QuarantineSource
	checks           map[string]Pinger
	logger           *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(
	orderService *service.OrderService,
	queryService *service.OrderQueryService,
	inventoryService *service.InventoryService,
	quarantine QuarantineSource,
	checks map[string]Pinger,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Handler{
		orderService:     orderService,
		queryService:     queryService,
		inventoryService: inventoryService,
		quarantine:       quarantine,
		checks:           checks,
		logger:           logger,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/events", h.getOrderEvents)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/inventory/:productId", h.getInventory)
		v1.POST("/inventory/:productId/restock", h.restock)

		v1.GET("/saga/quarantine", h.listQuarantine)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every configured dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = c.GetHeader("X-Correlation-ID")
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "Failed to create order", err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// listOrders lists orders filtered by customer_id and status
func (h *Handler) listOrders(c *gin.Context) {
	var req service.ListOrdersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.queryService.ListOrders(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to list orders", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getOrder handles get order by ID. Corrupted orders are reported as FAILED.
func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil && !(errors.Is(err, eventstore.ErrCorruptedStream) && o != nil) {
		h.fail(c, "Failed to load order", err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// getOrderEvents returns the stored event stream of an order
func (h *Handler) getOrderEvents(c *gin.Context) {
	envs, err := h.orderService.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to load order events", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"events":   envs,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder handles business cancellation of an order
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	o, err := h.orderService.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, "Failed to cancel order", err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// getInventory returns the stock of a product
func (h *Handler) getInventory(c *gin.Context) {
	line, err := h.inventoryService.GetInventory(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.fail(c, "Failed to load inventory", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": line.ProductID,
		"available":  line.Available,
		"reserved":   line.Reserved,
		"total":      line.Total(),
		"updated_at": line.UpdatedAt,
	})
}

type restockRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

// restock adds stock to a product
func (h *Handler) restock(c *gin.Context) {
	var req restockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	line, err := h.inventoryService.Restock(c.Request.Context(), c.Param("productId"), req.Quantity)
	if err != nil {
		h.fail(c, "Failed to restock product", err)
		return
	}

	c.JSON(http.StatusOK, line)
}

// listQuarantine lists orders flagged for manual inspection
func (h *Handler) listQuarantine(c *gin.Context) {
	entries := h.quarantine.Quarantine()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(entries),
		"orders": entries,
	})
}

// fail maps domain errors to HTTP statuses
func (h *Handler) fail(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, inventory.ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidOrder),
		errors.Is(err, inventory.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, payment.ErrPaymentInFlight),
		errors.Is(err, eventstore.ErrConcurrencyConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// requestLogger writes one structured line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
