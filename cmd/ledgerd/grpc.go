package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ledgerService is the name orchestrators pass to grpc.health.v1.Health/Check.
const ledgerService = "evidence.ledger.v1.Ledger"

// grpcHealth serves the standard gRPC health protocol for ledgerd, tracking
// the dependency checker's readiness.
type grpcHealth struct {
	server *grpc.Server
	health *health.Server
	ready  func() bool
	logger *zap.Logger
}

func newGRPCHealth(ready func() bool, logger *zap.Logger) *grpcHealth {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &grpcHealth{server: srv, health: hs, ready: ready, logger: logger}
}

// Serve listens on port until ctx is cancelled, refreshing the serving status
// every interval.
func (g *grpcHealth) Serve(ctx context.Context, port int, interval time.Duration) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", port, err)
	}

	g.sync()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-t.C:
				g.sync()
			}
		}
	}()

	g.logger.Info("ledgerd gRPC health listening", zap.Int("port", port))
	if err := g.server.Serve(lis); err != nil {
		return fmt.Errorf("gRPC serve: %w", err)
	}
	return nil
}

func (g *grpcHealth) sync() {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if g.ready() {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(ledgerService, st)
}

// loggingInterceptor logs each unary call with its status code.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
