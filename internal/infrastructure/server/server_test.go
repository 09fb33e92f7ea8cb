package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/infrastructure/health"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer_Endpoints(t *testing.T) {
	hm := health.NewHealthManager(nil)
	var current atomic.Int32
	hm.Register("trading_state", func() error {
		if core.TradingState(current.Load()) == core.StateHalted {
			return errors.New("HALTED")
		}
		return nil
	})
	status := func() Status {
		return Status{
			TradingState:  core.TradingState(current.Load()).String(),
			AuditSequence: 42,
			Positions: map[string]core.Position{
				"BTCUSDT": {Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1), Side: core.PositionLong},
			},
		}
	}
	srv := httptest.NewServer(NewHealthServer("127.0.0.1:0", hm, status, logging.NewNopLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	current.Store(int32(core.StateHalted))
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var got Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "HALTED", got.TradingState)
	assert.EqualValues(t, 42, got.AuditSequence)
	assert.True(t, got.Positions["BTCUSDT"].Quantity.Equal(decimal.NewFromInt(1)))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGRPCHealth_TracksTradingState(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := NewGRPCHealth(lis.Addr().String(), logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, lis) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		callCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	g.OnTransition(core.StateTransition{From: core.StateActive, To: core.StateHalted})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	g.SetTradingState(core.StateReducedRisk)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}
