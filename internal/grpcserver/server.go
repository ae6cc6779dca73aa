// Package grpcserver serves the standard gRPC health protocol for the daemon and
// keeps each dependency's serving status current.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the overall status reported for the booking engine.
	ServiceName = "tutorbook.Booking"

	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Config configures the health server.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Checks   map[string]Check
}

// Server couples a grpc.Server with a health service fed by periodic checks.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	checks     map[string]Check
	names      []string
	interval   time.Duration
	timeout    time.Duration
	logger     *zap.Logger

	mutex  sync.Mutex
	failed map[string]bool
}

// New registers the health service on a fresh grpc.Server. Every check starts as NOT_SERVING
// until the first probe.
func New(config Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = defaultProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProbeTimeout
	}
	names := make([]string, 0, len(config.Checks))
	for name := range config.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, name := range names {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		checks:     config.Checks,
		names:      names,
		interval:   config.Interval,
		timeout:    config.Timeout,
		logger:     logger,
		failed:     map[string]bool{},
	}
}

// Probe runs every check once and publishes the results. The overall status is
// SERVING only when every check passes.
func (server *Server) Probe(ctx context.Context) bool {
	healthy := true
	for _, name := range server.names {
		checkCtx, cancel := context.WithTimeout(ctx, server.timeout)
		err := server.checks[name](checkCtx)
		cancel()
		server.record(name, err)
		if err != nil {
			healthy = false
		}
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.health.SetServingStatus(ServiceName, overall)
	server.health.SetServingStatus("", overall)
	return healthy
}

func (server *Server) record(name string, err error) {
	server.mutex.Lock()
	wasFailed := server.failed[name]
	server.failed[name] = err != nil
	server.mutex.Unlock()

	if err != nil {
		server.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		if !wasFailed {
			server.logger.Warn("dependency unhealthy", zap.String("check", name), zap.Error(err))
		}
		return
	}
	server.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	if wasFailed {
		server.logger.Info("dependency recovered", zap.String("check", name))
	}
}

// Serve probes immediately, keeps probing on the configured interval and serves
// on listener until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Probe(ctx)
	probeCtx, stopProbing := context.WithCancel(ctx)
	defer stopProbing()
	go server.probeLoop(probeCtx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("shutdown requested")
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *Server) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Probe(ctx)
		}
	}
}
