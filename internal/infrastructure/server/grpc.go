package server

import (
	"context"
	"net"

	"execution_core/internal/core"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service key that tracks the trading state
const ServiceName = "execution_core"

// GRPCHealth serves grpc.health.v1. The core reports NOT_SERVING while HALTED.
type GRPCHealth struct {
	addr   string
	logger core.ILogger
	srv    *grpc.Server
	health *grpchealth.Server
}

func NewGRPCHealth(addr string, logger core.ILogger) *GRPCHealth {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCHealth{
		addr:   addr,
		logger: logger.WithField("component", "grpc_health"),
		srv:    srv,
		health: hs,
	}
}

// SetTradingState maps a trading state onto the serving status
func (g *GRPCHealth) SetTradingState(state core.TradingState) {
	status := healthpb.HealthCheckResponse_SERVING
	if state == core.StateHalted {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(ServiceName, status)
	g.logger.Info("gRPC health updated", "state", state.String(), "status", status.String())
}

// OnTransition adapts SetTradingState to the risk manager's listener
func (g *GRPCHealth) OnTransition(t core.StateTransition) {
	g.SetTradingState(t.To)
}

// Run serves until ctx is cancelled
func (g *GRPCHealth) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Starting gRPC health server", "addr", lis.Addr().String())
		errCh <- g.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		g.health.Shutdown()
		g.srv.GracefulStop()
		return nil
	}
}
