package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/fsutil"
)

// UpstreamServicePrefix prefixes per-server health service names.
const UpstreamServicePrefix = "magictunnel.upstream."

const defaultSyncInterval = 2 * time.Second

// HealthSource reports the state of every upstream session.
type HealthSource interface {
	Health() map[string]domain.SessionHealth
}

// HealthServer serves grpc.health.v1 for the proxy and each upstream server.
// The empty service name carries the overall status.
type HealthServer struct {
	addr     string
	source   HealthSource
	interval time.Duration
	logger   *zap.Logger
	health   *health.Server

	mu         sync.Mutex
	known      map[string]struct{}
	grpcServer *grpc.Server
	listener   net.Listener
	bound      endpoint
}

func NewHealthServer(addr string, source HealthSource, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{
		addr:     addr,
		source:   source,
		interval: defaultSyncInterval,
		logger:   logger.Named("health"),
		health:   health.NewServer(),
		known:    make(map[string]struct{}),
	}
}

// Sync copies the current session states into the health service. Overall
// status is SERVING when no upstream is configured or at least one is ready.
func (s *HealthServer) Sync() grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := map[string]domain.SessionHealth{}
	if s.source != nil {
		states = s.source.Health()
	}
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if len(states) > 0 {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	seen := make(map[string]struct{}, len(states))
	for id, h := range states {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if h.State == domain.SessionReady {
			status = grpc_health_v1.HealthCheckResponse_SERVING
			overall = grpc_health_v1.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(UpstreamServicePrefix+id, status)
		seen[id] = struct{}{}
	}
	for id := range s.known {
		if _, ok := seen[id]; !ok {
			s.health.SetServingStatus(UpstreamServicePrefix+id, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
	s.health.SetServingStatus("", overall)
	return overall
}

func (s *HealthServer) Run(ctx context.Context) error {
	ep, err := parseEndpoint(s.addr)
	if err != nil {
		return fmt.Errorf("admin.health_addr: %w", err)
	}
	if ep.network == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.address), fsutil.DefaultDirMode); err != nil {
			return fmt.Errorf("create health socket dir: %w", err)
		}
		if err := os.Remove(ep.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove health socket: %w", err)
		}
	}
	lis, err := net.Listen(ep.network, ep.address)
	if err != nil {
		return fmt.Errorf("listen health: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.listener = lis
	s.bound = ep
	s.mu.Unlock()
	s.Sync()

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	s.logger.Info("health server started", zap.Stringer("endpoint", ep))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sync()
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Stop(stopCtx)
		case err := <-errCh:
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(stopCtx)
			return err
		}
	}
}

func (s *HealthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	grpcServer, listener := s.grpcServer, s.listener
	bound := s.bound
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
		return ctx.Err()
	}

	if listener != nil {
		_ = listener.Close()
	}
	if bound.network == "unix" {
		_ = os.Remove(bound.address)
	}
	return nil
}
