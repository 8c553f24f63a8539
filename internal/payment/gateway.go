package payment

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"order-saga/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeRequest is sent to a Gateway
type ChargeRequest struct {
	PaymentID  string
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
	Attempt    int
}

// ChargeResult is APPROVED, DECLINED or FAILED
type ChargeResult struct {
	Status        models.PaymentStatus
	TransactionID string
	Reason        string
	ErrorCode     string
}

// Gateway charges customers. An error is treated as a FAILED result.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, req ChargeRequest) (ChargeResult, error)

// Charge implements Gateway
func (f GatewayFunc) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return f(ctx, req)
}

type decline struct {
	reason string
	code   string
}

var declines = []decline{
	{"Insufficient funds", "INSUFFICIENT_FUNDS"},
	{"Card expired", "CARD_EXPIRED"},
	{"Invalid card number", "INVALID_CARD"},
	{"Transaction declined by bank", "BANK_DECLINED"},
	{"Daily limit exceeded", "LIMIT_EXCEEDED"},
}

// SimulatedGateway approves a share of charges and declines the rest with
// a random card error.
type SimulatedGateway struct {
	successRate float64
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedGateway creates a simulated gateway. successRate and
// failureRate are fractions in [0, 1]; failureRate is the share of
// unsuccessful charges reported as a technical FAILED instead of DECLINED.
func NewSimulatedGateway(successRate, failureRate float64, latency time.Duration, seed int64) *SimulatedGateway {
	return &SimulatedGateway{
		successRate: successRate,
		failureRate: failureRate,
		latency:     latency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// Charge implements Gateway
func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if g.latency > 0 {
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		case <-time.After(g.latency):
		}
	}

	g.mu.Lock()
	roll := g.rnd.Float64()
	failRoll := g.rnd.Float64()
	d := declines[g.rnd.Intn(len(declines))]
	g.mu.Unlock()

	if roll < g.successRate {
		txID := "TXN_" + strings.ToUpper(uuid.NewString()[:8])
		return ChargeResult{Status: models.PaymentApproved, TransactionID: txID}, nil
	}
	if failRoll < g.failureRate {
		return ChargeResult{Status: models.PaymentFailed, Reason: "Gateway temporarily unavailable", ErrorCode: "GATEWAY_UNAVAILABLE"}, nil
	}
	return ChargeResult{Status: models.PaymentDeclined, Reason: d.reason, ErrorCode: d.code}, nil
}
