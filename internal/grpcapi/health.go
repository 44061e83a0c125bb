// Package grpcapi serves the standard gRPC health protocol, tracking the
// same readiness probe as GET /readyz.
package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "parcela.api"

// ReadinessChecker reports whether dependencies can serve traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer keeps the gRPC health status in step with a readiness probe.
type HealthServer struct {
	srv       *health.Server
	readiness ReadinessChecker
	interval  time.Duration
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// Option configures HealthServer.
type Option func(*HealthServer)

// WithInterval sets how often Run polls the probe.
func WithInterval(d time.Duration) Option {
	return func(h *HealthServer) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithLogger sets the logger used for status changes.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *HealthServer) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHealthServer starts NOT_SERVING until the first probe passes.
func NewHealthServer(r ReadinessChecker, opts ...Option) *HealthServer {
	h := &HealthServer{
		srv:       health.NewServer(),
		readiness: r,
		interval:  5 * time.Second,
		timeout:   2 * time.Second,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.srv)
}

// Probe runs the readiness check once and publishes the result.
func (h *HealthServer) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.readiness != nil {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := h.readiness.Check(ctx); err != nil {
			h.log.Warnw("grpc health probe failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.set(status)
	return status
}

// Run probes until ctx is cancelled, then marks every service NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context) {
	h.Probe(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// NewServer returns a gRPC server with the health service registered.
func NewServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	h.Register(srv)
	return srv
}
