package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/bidirectional"
	"magictunnel/internal/infra/config"
	"magictunnel/internal/infra/discovery"
	"magictunnel/internal/infra/embedding"
	"magictunnel/internal/infra/gateway"
	"magictunnel/internal/infra/metrics"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/registry"
	"magictunnel/internal/infra/rpc"
	"magictunnel/internal/infra/telemetry"
	"magictunnel/internal/infra/upstream"
	"magictunnel/internal/infra/view"
)

const sessionGaugeInterval = 5 * time.Second

// Application owns the wired proxy and drives its background loops.
type Application struct {
	cfg         config.Config
	logger      *zap.Logger
	metrics     *prometheus.Registry
	health      *telemetry.HealthTracker
	prom        *telemetry.PrometheusMetrics
	manager     *upstream.Manager
	registry    *registry.Service
	permissions *permission.Cache
	view        *view.View
	collector   *metrics.Collector
	index       *embedding.Index
	engine      *discovery.Engine
	core        *bidirectional.Core
	gateway     *gateway.Gateway
	healthRPC   *rpc.HealthServer
}

func NewApplication(
	cfg config.Config,
	logger *zap.Logger,
	metricsRegistry *prometheus.Registry,
	health *telemetry.HealthTracker,
	prom *telemetry.PrometheusMetrics,
	manager *upstream.Manager,
	reg *registry.Service,
	permissions *permission.Cache,
	v *view.View,
	collector *metrics.Collector,
	index *embedding.Index,
	engine *discovery.Engine,
	core *bidirectional.Core,
	gw *gateway.Gateway,
	healthRPC *rpc.HealthServer,
) *Application {
	return &Application{
		cfg:         cfg,
		logger:      logger.Named("app"),
		metrics:     metricsRegistry,
		health:      health,
		prom:        prom,
		manager:     manager,
		registry:    reg,
		permissions: permissions,
		view:        v,
		collector:   collector,
		index:       index,
		engine:      engine,
		core:        core,
		gateway:     gw,
		healthRPC:   healthRPC,
	}
}

// Registry exposes the capability registry for administrative commands.
func (a *Application) Registry() *registry.Service {
	return a.registry
}

// View exposes the permission-filtered view.
func (a *Application) View() *view.View {
	return a.view
}

// Collector exposes the tool metrics collector.
func (a *Application) Collector() *metrics.Collector {
	return a.collector
}

// Gatherer exposes the Prometheus registry.
func (a *Application) Gatherer() prometheus.Gatherer {
	return a.metrics
}

// User is the identity the stdio client is served as.
func (a *Application) User() domain.UserContext {
	return domain.NewUserContext(a.cfg.Server.User, a.cfg.Server.Roles, 0)
}

// Prepare connects upstream servers and builds the first registry snapshot.
func (a *Application) Prepare(ctx context.Context) error {
	if err := a.manager.Apply(ctx, a.cfg.Upstream.Servers); err != nil {
		return err
	}
	change, err := a.registry.Reload(ctx, domain.ReloadSourceInitial)
	if err != nil {
		return err
	}
	a.logger.Info("registry loaded",
		telemetry.VersionField(change.Version),
		zap.Int("tools", a.registry.Snapshot().Len()),
		zap.Int("upstreams", len(a.cfg.Upstream.Servers)),
	)
	if a.index != nil {
		stats, err := a.index.Sync(ctx, a.registry.Snapshot())
		if err != nil {
			a.logger.Warn("initial embedding sync failed", zap.Error(err))
		} else {
			a.logger.Info("embedding index synced", zap.Int("embedded", stats.Embedded), zap.Int("removed", stats.Removed))
		}
	}
	return nil
}

// Discover runs one discovery request without executing the chosen tool.
func (a *Application) Discover(ctx context.Context, req domain.DiscoveryRequest) (domain.DiscoveryResponse, error) {
	if a.engine == nil {
		return domain.DiscoveryResponse{}, domain.E(domain.CodeConfig, "app.discover", "smart discovery is disabled", nil)
	}
	return a.engine.Resolve(ctx, a.User(), req), nil
}

// Serve runs the proxy on transport until ctx ends or the client disconnects.
func (a *Application) Serve(ctx context.Context, transport mcp.Transport) error {
	if transport == nil {
		transport = &mcp.StdioTransport{}
	}
	if err := a.Prepare(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	// Subscriptions are taken before any loop starts so no change is missed.
	permChanges := a.registry.Subscribe(groupCtx)
	gatewayChanges := a.registry.Subscribe(groupCtx)
	var engineChanges, indexChanges <-chan domain.RegistryChange
	if a.engine != nil {
		engineChanges = a.registry.Subscribe(groupCtx)
	}
	if a.index != nil {
		indexChanges = a.registry.Subscribe(groupCtx)
	}

	group.Go(func() error {
		return a.registry.Run(groupCtx, a.cfg.Capabilities.Watch, a.manager.Events())
	})
	group.Go(func() error {
		a.permissions.Run(groupCtx, permChanges)
		return nil
	})
	if perms := a.cfg.Permissions; perms.PolicyFile != "" && perms.Watch {
		group.Go(func() error {
			if err := a.permissions.WatchPolicy(groupCtx, perms.PolicyFile, 0); err != nil {
				a.logger.Warn("policy watch disabled", zap.Error(err))
			}
			return nil
		})
	}
	if a.engine != nil {
		group.Go(func() error {
			a.engine.Run(groupCtx, engineChanges)
			return nil
		})
	}
	if a.index != nil {
		group.Go(func() error {
			a.index.Run(groupCtx, a.registry.Snapshot, indexChanges)
			return nil
		})
	}
	group.Go(func() error {
		a.collector.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		a.reportSessions(groupCtx)
		return nil
	})
	if a.healthRPC != nil {
		group.Go(func() error {
			return a.healthRPC.Run(groupCtx)
		})
	}
	if obs := a.cfg.Observability; obs.MetricsEnabled || obs.HealthzEnabled {
		opts := telemetry.ObservabilityOptions{Addr: obs.ListenAddr}
		if obs.MetricsEnabled {
			opts.Metrics = a.metrics
			opts.Routes = map[string]http.Handler{
				"/metrics/tools": telemetry.JSONHandler(func() any { return a.collector.Summaries() }),
			}
		}
		if obs.HealthzEnabled {
			a.installProbes()
			opts.Health = a.health
		}
		group.Go(func() error {
			return telemetry.ServeObservability(groupCtx, opts, a.logger)
		})
	}

	group.Go(func() error {
		err := a.gateway.Run(groupCtx, transport, gatewayChanges)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway: %w", err)
		}
		// The client went away; stop everything else.
		return errClientClosed
	})

	err := group.Wait()
	a.Close()
	if errors.Is(err, errClientClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errClientClosed = errors.New("client closed")

func (a *Application) installProbes() {
	a.health.SetProbe("registry", func() error {
		if a.registry.Snapshot() == nil {
			return errors.New("registry not loaded")
		}
		return nil
	})
	a.health.SetProbe("upstream", func() error {
		sessions := a.manager.Health()
		if len(sessions) == 0 {
			return nil
		}
		for _, session := range sessions {
			if session.State.Usable() {
				return nil
			}
		}
		return errors.New("no upstream session is usable")
	})
}

// reportSessions keeps the per-state session gauge current.
func (a *Application) reportSessions(ctx context.Context) {
	beat := a.health.Register("session-gauge", 3*sessionGaugeInterval)
	ticker := time.NewTicker(sessionGaugeInterval)
	defer ticker.Stop()
	for {
		counts := map[domain.SessionState]int{
			domain.SessionDisconnected: 0,
			domain.SessionInitializing: 0,
			domain.SessionReady:        0,
			domain.SessionDegraded:     0,
		}
		for _, session := range a.manager.Health() {
			counts[session.State]++
		}
		for state, count := range counts {
			a.prom.SetUpstreamSessions(string(state), count)
		}
		beat.Beat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close persists metrics and closes upstream sessions.
func (a *Application) Close() {
	if err := a.collector.Persist(); err != nil {
		a.logger.Warn("persist tool metrics failed", zap.Error(err))
	}
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("close upstream sessions failed", zap.Error(err))
	}
	a.logger.Info("magictunnel stopped")
}
