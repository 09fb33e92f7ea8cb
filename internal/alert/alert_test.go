package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/risk"
	apphttp "execution_core/pkg/http"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertManager_FansOut(t *testing.T) {
	am := NewAlertManager(time.Second, logging.NewNopLogger())
	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2", sendFunc: func(context.Context, AlertPayload) error {
		return errors.New("unreachable")
	}}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"})
	am.Wait()

	sent := ch1.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Test Alert", sent[0].Title)
	assert.Equal(t, Info, sent[0].Level)
	assert.Equal(t, "value", sent[0].Fields["key"])
	assert.Len(t, ch2.getSent(), 1, "a failing channel does not stop the others")
}

func TestAlertManager_DeliversAfterCallerCancels(t *testing.T) {
	am := NewAlertManager(time.Second, logging.NewNopLogger())
	ch := &mockAlertChannel{name: "mock", sendFunc: func(ctx context.Context, _ AlertPayload) error {
		return ctx.Err()
	}}
	am.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	am.Alert(ctx, "Shutdown", "", Warning, nil)
	am.Wait()

	require.Len(t, ch.getSent(), 1)
}

func TestAlertManager_OnTransition(t *testing.T) {
	am := NewAlertManager(time.Second, logging.NewNopLogger())
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	am.OnTransition(context.Background())(core.StateTransition{
		From: core.StateActive, To: core.StateHalted, Reason: "daily loss 1000.00 reached limit 1000", Actor: "system",
	})
	am.Wait()

	sent := ch.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, Critical, sent[0].Level)
	assert.Equal(t, "Trading state HALTED", sent[0].Title)
	assert.Equal(t, "ACTIVE", sent[0].Fields["from"])
}

func TestAlertManager_OnReconciliation(t *testing.T) {
	am := NewAlertManager(time.Second, logging.NewNopLogger())
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	am.OnReconciliation(context.Background())(risk.Report{
		RunID: "run-1",
		Symbols: []risk.SymbolReport{
			{Symbol: "BTCUSDT", Match: true},
			{Symbol: "ETHUSDT", LocalQuantity: decimal.NewFromInt(1), ExchangeQuantity: decimal.NewFromInt(2)},
			{Symbol: "SOLUSDT", Error: "timeout"},
		},
	})
	am.Wait()

	sent := ch.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ETHUSDT", sent[0].Fields["symbol"])
	assert.Equal(t, "2", sent[0].Fields["exchange"])
}

func TestSlackChannel_Send(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#trading", apphttp.NewClient(apphttp.DefaultOptions()))
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Critical,
		Title:     "Trading state HALTED",
		Message:   "connectivity lost",
		Timestamp: time.Unix(1700000000, 0),
		Fields:    map[string]string{"to": "HALTED", "from": "ACTIVE"},
	})
	require.NoError(t, err)

	assert.Equal(t, "#trading", got["channel"])
	attachments := got["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#8b0000", att["color"])
	assert.Equal(t, "[CRITICAL] Trading state HALTED", att["pretext"])
	fields := att["fields"].([]interface{})
	require.Len(t, fields, 2)
	assert.Equal(t, "from", fields[0].(map[string]interface{})["title"])
}

func TestSlackChannel_NoWebhookIsNoop(t *testing.T) {
	ch := NewSlackChannel("", "", nil)
	assert.NoError(t, ch.Send(context.Background(), AlertPayload{Title: "x"}))
}
