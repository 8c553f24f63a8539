package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-saga/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func TestPaymentLifecycle(t *testing.T) {
	p := New("pay-1", "o-1", "c-1", decimal.NewFromInt(10), "corr", now)
	assert.Equal(t, models.PaymentPending, p.Status)

	assert.ErrorIs(t, p.Approve("tx", now), ErrInvalidState)
	require.NoError(t, p.StartProcessing(now))
	require.NoError(t, p.Approve("tx-1", now))
	assert.True(t, p.Final())

	assert.ErrorIs(t, p.Cancel(now), ErrInvalidState)
	assert.ErrorIs(t, p.Fail("x", "y", now), ErrInvalidState)
	assert.ErrorIs(t, p.Retry(now), ErrInvalidState)
	assert.Equal(t, models.PaymentApproved, p.Status)
	assert.Equal(t, "tx-1", p.Outcome().TransactionID)
}

func TestPaymentRetryLimit(t *testing.T) {
	p := New("pay-1", "o-1", "c-1", decimal.NewFromInt(10), "corr", now)
	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, p.StartProcessing(now))
		require.NoError(t, p.Fail("timeout", "GATEWAY_ERROR", now))
		require.True(t, p.CanRetry())
		require.NoError(t, p.Retry(now))
	}
	require.NoError(t, p.StartProcessing(now))
	require.NoError(t, p.Decline("Card expired", "CARD_EXPIRED", now))

	assert.False(t, p.CanRetry())
	assert.ErrorIs(t, p.Retry(now), ErrRetriesExhausted)
	assert.Equal(t, MaxRetries, p.RetryCount)
}

func TestMemoryRepositoryCreateIsAtomicPerOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := New(fmt.Sprintf("pay-%d", i), "o-1", "c-1", decimal.NewFromInt(1), "corr", now)
			if err := repo.Create(ctx, p); err == nil {
				atomic.AddInt32(&created, 1)
			} else {
				assert.ErrorIs(t, err, ErrPaymentExists)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func TestMemoryRepositoryAllowsNewPaymentAfterFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	p := New("pay-1", "o-1", "c-1", decimal.NewFromInt(1), "corr", now)
	require.NoError(t, repo.Create(ctx, p))
	require.NoError(t, p.StartProcessing(now))
	require.NoError(t, repo.Update(ctx, p, models.PaymentPending))
	require.NoError(t, p.Decline("no", "NO", now))
	require.NoError(t, repo.Update(ctx, p, models.PaymentProcessing))

	second := New("pay-2", "o-1", "c-1", decimal.NewFromInt(1), "corr", now)
	require.NoError(t, repo.Create(ctx, second))

	latest, err := repo.ForOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-2", latest.ID)
}

func TestMemoryRepositoryUpdateChecksStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	p := New("pay-1", "o-1", "c-1", decimal.NewFromInt(1), "corr", now)
	require.NoError(t, repo.Create(ctx, p))
	require.NoError(t, p.StartProcessing(now))

	assert.ErrorIs(t, repo.Update(ctx, p, models.PaymentProcessing), ErrStaleState)
	require.NoError(t, repo.Update(ctx, p, models.PaymentPending))

	got, err := repo.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentProcessing, got.Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestInitiateGuardsActivePayment(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	first, err := Initiate(ctx, repo, New("pay-1", "o-1", "c-1", decimal.NewFromInt(1), "corr", now))
	require.NoError(t, err)
	assert.Equal(t, "pay-1", first.ID)

	existing, err := Initiate(ctx, repo, New("pay-2", "o-1", "c-1", decimal.NewFromInt(1), "corr", now))
	assert.ErrorIs(t, err, ErrPaymentExists)
	require.NotNil(t, existing)
	assert.Equal(t, "pay-1", existing.ID)
}
