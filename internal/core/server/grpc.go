// Package server provides gRPC server lifecycle management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sandonleejacobs/rulestream/internal/core/api"
	"github.com/sandonleejacobs/rulestream/internal/core/config"
)

const shutdownTimeout = 30 * time.Second

// GRPCServer manages gRPC server lifecycle.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	config   config.AdminConfig
	logger   *slog.Logger
	requests *prometheus.CounterVec
}

// NewGRPCServer creates the admin server with logging, timeout and metrics
// interceptors. A nil registerer skips metrics.
func NewGRPCServer(cfg config.AdminConfig, service api.AdminServer, logger *slog.Logger, registerer prometheus.Registerer) (*GRPCServer, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rulestream",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Admin RPCs by method and status code.",
	}, []string{"method", "code"})
	if registerer != nil {
		if err := registerer.Register(requests); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, fmt.Errorf("register admin metrics: %w", err)
			}
			requests = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			observe(logger, requests),
			deadline(cfg.RequestTimeout),
		),
	}

	server := grpc.NewServer(opts...)
	api.RegisterAdminServer(server, service)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(api.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server:   server,
		health:   healthServer,
		config:   cfg,
		logger:   logger,
		requests: requests,
	}, nil
}

// observe logs and counts each call.
func observe(logger *slog.Logger, requests *prometheus.CounterVec) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		requests.WithLabelValues(info.FullMethod, code.String()).Inc()

		attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
		if err != nil {
			logger.Warn("admin call failed", append(attrs, "error", err)...)
		} else {
			logger.Debug("admin call", attrs...)
		}
		return resp, err
	}
}

// deadline bounds each call by the configured request timeout.
func deadline(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

// Start binds the configured address and serves until Shutdown.
func (s *GRPCServer) Start(ctx context.Context) error {
	addr := s.config.Addr()
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.logger.Info("admin server listening", "addr", listener.Addr().String())
	return s.server.Serve(listener)
}

// Shutdown marks the server not serving and stops it gracefully, forcing a
// stop after 30 seconds or when ctx ends.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(shutdownTimeout):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}
