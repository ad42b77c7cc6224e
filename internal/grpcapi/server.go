package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/johnrirwin/keygate/internal/logging"
)

// HealthMethodPrefix covers the standard health service, which is public.
const HealthMethodPrefix = "/grpc.health.v1.Health/"

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// Server is the gRPC server with the Gateway and health services.
type Server struct {
	*grpc.Server
	health   *health.Server
	checks   map[string]Checker
	interval time.Duration
	logger   *logging.Logger
}

// NewServer builds a gRPC server guarded by g. The Gateway shares g's
// limiter. checks are polled to drive the overall health status.
func NewServer(g *Guard, checks map[string]Checker, logger *logging.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(g.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(g.StreamServerInterceptor()),
	)
	srv := grpc.NewServer(opts...)
	RegisterGatewayServer(srv, NewGateway(g.limiter, logger))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		Server:   srv,
		health:   hs,
		checks:   checks,
		interval: 15 * time.Second,
		logger:   logger.Named("grpc"),
	}
}

// CheckHealth runs every checker once and publishes the result.
func (s *Server) CheckHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()
		if err != nil {
			s.logger.Warn("Health check failed", logging.WithField("check", name), logging.WithError(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	return st
}

// WatchHealth re-runs CheckHealth until ctx is done.
func (s *Server) WatchHealth(ctx context.Context) {
	s.CheckHealth(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// Shutdown marks the server not serving and drains it.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}
