package app

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/aggregator"
	"magictunnel/internal/infra/bidirectional"
	"magictunnel/internal/infra/capability"
	"magictunnel/internal/infra/config"
	"magictunnel/internal/infra/discovery"
	"magictunnel/internal/infra/embedding"
	"magictunnel/internal/infra/gateway"
	"magictunnel/internal/infra/llm"
	"magictunnel/internal/infra/metrics"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/registry"
	"magictunnel/internal/infra/router"
	"magictunnel/internal/infra/rpc"
	"magictunnel/internal/infra/schema"
	"magictunnel/internal/infra/telemetry"
	"magictunnel/internal/infra/upstream"
	"magictunnel/internal/infra/view"
)

func NewMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	return registry
}

func NewPrometheusMetrics(registry *prometheus.Registry) *telemetry.PrometheusMetrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewHealthTracker() *telemetry.HealthTracker {
	return telemetry.NewHealthTracker()
}

func NewAuditSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (domain.AuditSink, func()) {
	return telemetry.NewAuditSink(ctx, telemetry.AuditOptions{
		ClickHouseDSN: cfg.Audit.ClickHouseDSN,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Logger:        logger,
	})
}

func NewValidator() *schema.Validator {
	return schema.NewValidator()
}

func NewCapabilityStore(logger *zap.Logger) *capability.Store {
	return capability.NewStore(logger)
}

func NewAggregator(cfg config.Config, logger *zap.Logger) *aggregator.Aggregator {
	return aggregator.New(cfg.Conflict, logger)
}

func NewUpstreamManager(cfg config.Config, logger *zap.Logger) *upstream.Manager {
	return upstream.NewManager(upstream.ManagerOptions{
		Policy: cfg.Upstream.Policy,
		Dialer: upstream.NewTransportDialer(logger),
		ClientInfo: &mcp.Implementation{
			Name:    cfg.Server.Name,
			Version: cfg.Server.Version,
		},
		Logger: logger,
	})
}

func NewRegistry(cfg config.Config, store *capability.Store, manager *upstream.Manager, agg *aggregator.Aggregator, logger *zap.Logger) *registry.Service {
	return registry.New(registry.Options{
		Roots:      cfg.Capabilities.Paths,
		Local:      store,
		Upstream:   manager,
		Aggregator: agg,
		Debounce:   cfg.Capabilities.Debounce,
		Logger:     logger,
	})
}

// NewPolicy loads the policy file, or allows everything when none is set.
func NewPolicy(cfg config.Config) (*permission.Policy, error) {
	if cfg.Permissions.PolicyFile == "" {
		return permission.AllowAll(), nil
	}
	spec, err := permission.LoadPolicyFile(cfg.Permissions.PolicyFile)
	if err != nil {
		return nil, domain.E(domain.CodeConfig, "app.policy", "load policy file", err)
	}
	policy, err := permission.Compile(spec)
	if err != nil {
		return nil, domain.E(domain.CodeConfig, "app.policy", "compile policy", err)
	}
	return policy, nil
}

func NewPermissionCache(cfg config.Config, reg *registry.Service, policy *permission.Policy, audit domain.AuditSink, logger *zap.Logger) *permission.Cache {
	return permission.NewCache(permission.Options{
		Snapshots: reg,
		Policy:    policy,
		TTL:       cfg.Permissions.CacheTTL,
		Audit:     audit,
		Logger:    logger,
	})
}

func NewView(cfg config.Config, reg *registry.Service, cache *permission.Cache, logger *zap.Logger) *view.View {
	return view.New(view.Options{
		Registry:    reg,
		Permissions: cache,
		Budget:      cfg.Permissions.MaxFilteringTime,
		AuditTrail:  cfg.Permissions.AuditTrail,
		Logger:      logger,
	})
}

func NewRouter(cfg config.Config, reg *registry.Service, cache *permission.Cache, validator *schema.Validator, manager *upstream.Manager, logger *zap.Logger) (*router.Router, func()) {
	r := router.New(router.Options{
		Registry:      reg,
		Permissions:   cache,
		Validator:     validator,
		Upstream:      manager,
		Timeout:       cfg.Routing.Timeout,
		MaxAttempts:   cfg.Routing.MaxAttempts,
		RetryDelay:    cfg.Routing.RetryDelay,
		RetryMaxDelay: cfg.Routing.RetryMaxDelay,
		Logger:        logger,
	})
	return r, func() { _ = r.Close() }
}

// NewMetricsCollector restores persisted statistics. A corrupt snapshot is
// logged and the collector starts empty.
func NewMetricsCollector(cfg config.Config, prom *telemetry.PrometheusMetrics, logger *zap.Logger) *metrics.Collector {
	collector := metrics.NewCollector(metrics.Options{
		WindowSize:      cfg.Metrics.WindowSize,
		StoragePath:     cfg.Metrics.StoragePath,
		PersistInterval: cfg.Metrics.PersistInterval,
		Prometheus:      prom,
		Logger:          logger,
	})
	if err := collector.Load(); err != nil {
		logger.Warn("load tool metrics failed", zap.Error(err))
	}
	return collector
}

func NewForwarder(reg *registry.Service, logger *zap.Logger) *gateway.Forwarder {
	return gateway.NewForwarder(reg, logger)
}

// NewDispatcher layers session tracking over metrics recording over the router.
func NewDispatcher(r *router.Router, collector *metrics.Collector, forwarder *gateway.Forwarder) router.Dispatcher {
	return forwarder.Wrap(router.NewMetricRouter(r, collector))
}

// NewEmbeddingIndex returns nil when semantic search is disabled.
func NewEmbeddingIndex(cfg config.Config, logger *zap.Logger) (*embedding.Index, func(), error) {
	semantic := cfg.Discovery.Semantic
	if !cfg.Discovery.Enabled || !semantic.Enabled {
		return nil, func() {}, nil
	}
	embedder, err := embedding.NewEmbedder(semantic.Provider)
	if err != nil {
		return nil, nil, domain.E(domain.CodeConfig, "app.embedding", "create embedder", err)
	}
	index, err := embedding.Open(embedding.Options{
		Embedder:    embedder,
		Model:       fmt.Sprintf("%s/%s", semantic.Provider.Provider, semantic.Provider.Model),
		StoragePath: semantic.StoragePath,
		BatchSize:   semantic.BatchSize,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, domain.E(domain.CodeConfig, "app.embedding", "open embedding index", err)
	}
	return index, func() { _ = index.Close() }, nil
}

// NewDiscoveryEngine returns nil when smart discovery is disabled.
func NewDiscoveryEngine(
	ctx context.Context,
	cfg config.Config,
	reg *registry.Service,
	cache *permission.Cache,
	index *embedding.Index,
	dispatcher router.Dispatcher,
	validator *schema.Validator,
	logger *zap.Logger,
) (*discovery.Engine, error) {
	if !cfg.Discovery.Enabled {
		return nil, nil
	}
	opts := discovery.Options{
		Config:      cfg.Discovery.Engine,
		Registry:    reg,
		Permissions: cache,
		Dispatcher:  dispatcher,
		Validator:   validator,
		Logger:      logger,
	}
	if index != nil {
		opts.Semantic = discovery.IndexSearcher{Index: index, Threshold: cfg.Discovery.Semantic.SimilarityThreshold}
	}
	if cfg.Discovery.LLMMapper.Enabled {
		chatModel, err := llm.NewChatModel(ctx, cfg.Discovery.LLMMapper.LLM)
		if err != nil {
			return nil, domain.E(domain.CodeConfig, "app.discovery", "create llm mapper", err)
		}
		opts.Mapper = discovery.NewLLMMapper(chatModel)
	}
	return discovery.New(opts), nil
}

// NewBidirectionalCore builds the sampling/elicitation router and installs it
// on the upstream manager.
func NewBidirectionalCore(ctx context.Context, cfg config.Config, forwarder *gateway.Forwarder, manager *upstream.Manager, logger *zap.Logger) (*bidirectional.Core, error) {
	opts := bidirectional.Options{
		Config:     cfg.Bidirectional,
		Elicitor:   bidirectional.NewDefaultsElicitor(logger),
		Forwarder:  forwarder,
		ActiveTool: forwarder.ActiveTool,
		Logger:     logger,
	}
	if cfg.Bidirectional.Sampling.Enabled && cfg.Bidirectional.LLM != nil {
		sampler, err := bidirectional.NewSampler(ctx, *cfg.Bidirectional.LLM)
		if err != nil {
			return nil, domain.E(domain.CodeConfig, "app.bidirectional", "create sampler", err)
		}
		opts.Sampler = sampler
	}
	core := bidirectional.New(opts)
	manager.SetHandler(core)
	return core, nil
}

func NewGateway(cfg config.Config, v *view.View, dispatcher router.Dispatcher, engine *discovery.Engine, forwarder *gateway.Forwarder, logger *zap.Logger) *gateway.Gateway {
	opts := gateway.Options{
		Name:       cfg.Server.Name,
		Version:    cfg.Server.Version,
		User:       domain.NewUserContext(cfg.Server.User, cfg.Server.Roles, 0),
		View:       v,
		Dispatcher: dispatcher,
		Forwarder:  forwarder,
		Logger:     logger,
	}
	if engine != nil {
		opts.Discovery = engine
	}
	return gateway.New(opts)
}

// NewHealthServer returns nil when admin.health_addr is unset.
func NewHealthServer(cfg config.Config, manager *upstream.Manager, logger *zap.Logger) *rpc.HealthServer {
	if cfg.Admin.HealthAddr == "" {
		return nil
	}
	return rpc.NewHealthServer(cfg.Admin.HealthAddr, manager, logger)
}
