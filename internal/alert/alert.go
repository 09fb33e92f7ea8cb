// Package alert fans operational alerts out to external channels
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/risk"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager delivers each alert to every channel without blocking the caller
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	timeout  time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

func NewAlertManager(timeout time.Duration, logger core.ILogger) *AlertManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlertManager{
		logger:  logger.WithField("component", "alert_manager"),
		timeout: timeout,
		now:     time.Now,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert sends asynchronously. Delivery outlives ctx cancellation up to the
// per-channel timeout so shutdown alerts still go out.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: am.now().UTC(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}

// Wait blocks until every alert sent so far has been delivered or failed
func (am *AlertManager) Wait() {
	am.inflight.Wait()
}

// OnTransition alerts on every tightening of the trading state
func (am *AlertManager) OnTransition(ctx context.Context) func(core.StateTransition) {
	return func(t core.StateTransition) {
		level := Warning
		switch t.To {
		case core.StateHalted:
			level = Critical
		case core.StateActive:
			level = Info
		}
		am.Alert(ctx, fmt.Sprintf("Trading state %s", t.To), t.Reason, level, map[string]string{
			"from":  t.From.String(),
			"to":    t.To.String(),
			"actor": t.Actor,
		})
	}
}

// OnReconciliation alerts when a pass finds diverging positions
func (am *AlertManager) OnReconciliation(ctx context.Context) func(risk.Report) {
	return func(report risk.Report) {
		for _, sr := range report.Diverged() {
			am.Alert(ctx, "Position divergence", fmt.Sprintf("%s differs from the exchange", sr.Symbol), Error, map[string]string{
				"run_id":       report.RunID,
				"symbol":       sr.Symbol,
				"local":        sr.LocalQuantity.String(),
				"exchange":     sr.ExchangeQuantity.String(),
				"unseen_fills": fmt.Sprint(sr.UnseenFills),
			})
		}
	}
}
