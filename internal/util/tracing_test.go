package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func TestInitTracerSampling(t *testing.T) {
	t.Cleanup(func() { tracer = nil })

	for _, tc := range []struct {
		ratio   float64
		sampled bool
	}{
		{ratio: 1, sampled: true},
		{ratio: 0, sampled: false},
	} {
		tp, err := InitTracer(TracerConfig{
			Service:        "order-saga",
			Env:            "test",
			JaegerEndpoint: "http://localhost:14268/api/traces",
			SampleRatio:    tc.ratio,
		}, zap.NewNop())
		require.NoError(t, err)

		_, span := StartSpan(context.Background(), "test")
		assert.Equal(t, tc.sampled, span.SpanContext().IsSampled())
		span.End()
		_ = tp.Shutdown(context.Background())
	}
}

func TestPropagationCarriesTraceContext(t *testing.T) {
	InitPropagation()
	t.Cleanup(func() { tracer = nil })

	tp, err := InitTracer(TracerConfig{
		Service:        "order-saga",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SampleRatio:    1,
	}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}
