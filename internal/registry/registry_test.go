package registry

import (
	"errors"
	"sync"
	"testing"

	"order-saga/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateKind(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(models.KindOrderCreated, New[models.OrderCreated]()))

	err := b.Register(models.KindOrderCreated, New[models.OrderCancelled]())
	assert.ErrorIs(t, err, ErrDuplicateEventType)

	r := b.Build()
	ctor, ok := r.Lookup(models.KindOrderCreated)
	require.True(t, ok)
	assert.IsType(t, &models.OrderCreated{}, ctor())
}

func TestRegisterRejectsEmptyKindAndNilCtor(t *testing.T) {
	b := NewBuilder()
	assert.Error(t, b.Register("", New[models.OrderCreated]()))
	assert.Error(t, b.Register("X", nil))
}

func TestBuiltRegistryIsDetachedFromBuilder(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(models.KindOrderCreated, New[models.OrderCreated]()))
	r := b.Build()

	require.NoError(t, b.Register(models.KindOrderFailed, New[models.OrderFailed]()))
	assert.False(t, r.IsRegistered(models.KindOrderFailed))
	assert.Equal(t, 1, r.Len())
}

func TestStandardRegistersAllKinds(t *testing.T) {
	r, err := Standard()
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.KindInventoryReservationFailed,
		models.KindInventoryReserved,
		models.KindOrderCancelled,
		models.KindOrderCompleted,
		models.KindOrderCreated,
		models.KindOrderFailed,
		models.KindPaymentProcessed,
		models.KindPaymentProcessingRequested,
	}, r.Kinds())
}

func TestDispatchDecodesTypedEvent(t *testing.T) {
	d := NewDispatcher(MustStandard())

	ev, err := d.Dispatch(models.KindPaymentProcessed,
		[]byte(`{"order_id":"o-1","payment_id":"p-1","payment_status":"APPROVED","amount":"12.50"}`))
	require.NoError(t, err)

	pp, ok := ev.(*models.PaymentProcessed)
	require.True(t, ok)
	assert.Equal(t, "o-1", pp.OrderID)
	assert.Equal(t, models.PaymentApproved, pp.Status)
	assert.Equal(t, "12.5", pp.Amount.String())
}

func TestDispatchUnknownKind(t *testing.T) {
	d := NewDispatcher(MustStandard())

	_, err := d.Dispatch("ShipmentDispatched", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownEventType))
}

func TestDispatchMalformedPayload(t *testing.T) {
	d := NewDispatcher(MustStandard())

	_, err := d.Dispatch(models.KindOrderCreated, []byte(`{"items":"nope"}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEventType))
}

func TestDispatchEnvelopeReturnsFreshInstances(t *testing.T) {
	d := NewDispatcher(MustStandard())
	env := models.Envelope{Kind: models.KindOrderCancelled, Payload: []byte(`{"order_id":"o-1","reason":"x"}`)}

	a, err := d.DispatchEnvelope(env)
	require.NoError(t, err)
	b, err := d.DispatchEnvelope(env)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)
}

func TestConcurrentLookups(t *testing.T) {
	d := NewDispatcher(MustStandard())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := d.Dispatch(models.KindOrderFailed, []byte(`{"order_id":"o","reason":"r"}`))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
