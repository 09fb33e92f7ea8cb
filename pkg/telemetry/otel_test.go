package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	var traces, logs bytes.Buffer
	tel, err := Setup("test-service", WithTraceWriter(&traces), WithLogWriter(&logs), WithServiceVersion("test"))
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())

	_, span := GetTracer("test-tracer").Start(context.Background(), "evaluate")
	span.End()

	counter, err := GetMeter("test-meter").Int64Counter("test_counter_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))

	assert.Contains(t, traces.String(), "evaluate")
}

func TestMetricsHolder_SettersBeforeInit(t *testing.T) {
	m := GetGlobalMetrics()
	m.SetTradingState(2)
	m.SetPosition("BTCUSDT", 1.5, -20)
	m.SetUnrealizedPnL("BTCUSDT", 3)
	m.SetAuditSequence(42)
	m.SetPendingOrders(1)

	assert.Equal(t, int64(2), m.GetTradingState())
	assert.Equal(t, 1.5, m.GetPositionSize()["BTCUSDT"])
}
