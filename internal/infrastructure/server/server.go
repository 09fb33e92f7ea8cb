// Package server exposes the HTTP and gRPC ops surface
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/infrastructure/health"
	"execution_core/internal/risk"
	"execution_core/internal/trading/orchestrator"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the /status document
type Status struct {
	Time           time.Time                   `json:"time"`
	TradingState   string                      `json:"trading_state"`
	AuditSequence  uint64                      `json:"audit_sequence"`
	Positions      map[string]core.Position    `json:"positions"`
	Pending        []orchestrator.PendingOrder `json:"pending_orders"`
	Reconciliation *risk.Report                `json:"reconciliation,omitempty"`
}

// StatusFunc snapshots the running core
type StatusFunc func() Status

// HealthServer serves /health, /status and /metrics
type HealthServer struct {
	addr   string
	logger core.ILogger
	hm     *health.HealthManager
	status StatusFunc
	srv    *http.Server
}

func NewHealthServer(addr string, hm *health.HealthManager, status StatusFunc, logger core.ILogger) *HealthServer {
	s := &HealthServer{
		addr:   addr,
		logger: logger.WithField("component", "health_server"),
		hm:     hm,
		status: status,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the ops mux
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled
func (s *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health server", "addr", lis.Addr().String())
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.logger.Info("Stopping health server")
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.hm.Check()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     map[bool]string{true: "ok", false: "unhealthy"}[report.Healthy],
		"time":       time.Now().UTC(),
		"components": report.Components,
	})
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
