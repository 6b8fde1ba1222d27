package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"soauth.org/internal/obs"
)

// GRPCServer exposes readiness over the standard gRPC health protocol.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
	logger    *zap.Logger
}

// NewGRPCServer creates the gRPC health wrapper. Status starts as NOT_SERVING
// until the first probe.
func NewGRPCServer(r readinessChecker, version string, logger *zap.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
		logger:    logger,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Probe evaluates readiness once and publishes the result.
func (s *GRPCServer) Probe(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	if err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run probes every interval until ctx is done, then reports NOT_SERVING.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Probe(probeCtx); err != nil && ctx.Err() == nil {
			s.logger.Warn("grpc.health.not_ready", zap.Error(err))
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}
