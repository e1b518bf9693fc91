package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/aggregator"
	"magictunnel/internal/infra/bidirectional"
	"magictunnel/internal/infra/discovery"
	"magictunnel/internal/infra/embedding"
	"magictunnel/internal/infra/envutil"
	"magictunnel/internal/infra/llm"
	"magictunnel/internal/infra/telemetry"
)

// EnvPrefix namespaces environment overrides: MAGICTUNNEL_UPSTREAM_REQUEST_TIMEOUT_SECS.
const EnvPrefix = "MAGICTUNNEL"

const op = "config.load"

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	disc := discovery.DefaultConfig()
	agg := aggregator.DefaultConfig()
	bidi := bidirectional.DefaultConfig()

	v.SetDefault("server.name", "magictunnel")
	v.SetDefault("server.version", "dev")
	v.SetDefault("server.user", "stdio")
	v.SetDefault("server.roles", []string{})

	v.SetDefault("capabilities.paths", []string{"capabilities"})
	v.SetDefault("capabilities.watch", true)
	v.SetDefault("capabilities.debounce_ms", 250)

	v.SetDefault("conflict_resolution.strategy", string(agg.Strategy))
	v.SetDefault("conflict_resolution.local_prefix", agg.LocalPrefix)
	v.SetDefault("conflict_resolution.proxy_prefix_format", agg.ProxyPrefixFormat)
	v.SetDefault("conflict_resolution.log_conflicts", agg.LogConflicts)
	v.SetDefault("conflict_resolution.include_conflict_metadata", agg.IncludeConflictMetadata)

	v.SetDefault("upstream.connect_timeout_secs", 30)
	v.SetDefault("upstream.request_timeout_secs", 60)
	v.SetDefault("upstream.max_reconnect_attempts", 5)
	v.SetDefault("upstream.reconnect_delay_secs", 1)
	v.SetDefault("upstream.max_reconnect_delay_secs", 60)
	v.SetDefault("upstream.auto_reconnect", true)
	v.SetDefault("upstream.queue_size", 64)
	v.SetDefault("upstream.max_in_flight", 0)

	v.SetDefault("smart_discovery.enabled", true)
	v.SetDefault("smart_discovery.tool_selection_mode", string(disc.Mode))
	v.SetDefault("smart_discovery.default_confidence_threshold", disc.DefaultConfidenceThreshold)
	v.SetDefault("smart_discovery.min_confidence_threshold", disc.MinConfidenceThreshold)
	v.SetDefault("smart_discovery.max_tools_to_consider", disc.MaxToolsToConsider)
	v.SetDefault("smart_discovery.max_high_quality_matches", disc.MaxHighQualityMatches)
	v.SetDefault("smart_discovery.high_quality_threshold", disc.HighQualityThreshold)
	v.SetDefault("smart_discovery.sequential_mode", disc.SequentialMode)
	v.SetDefault("smart_discovery.sequential_max_attempts", disc.SequentialMaxAttempts)
	v.SetDefault("smart_discovery.semantic_weight", disc.SemanticWeight)
	v.SetDefault("smart_discovery.rule_weights.name", disc.RuleWeights.Name)
	v.SetDefault("smart_discovery.rule_weights.description", disc.RuleWeights.Description)
	v.SetDefault("smart_discovery.rule_weights.fuzzy", disc.RuleWeights.Fuzzy)
	v.SetDefault("smart_discovery.rule_weights.category", disc.RuleWeights.Category)
	v.SetDefault("smart_discovery.rule_weights.schema", disc.RuleWeights.Schema)
	v.SetDefault("smart_discovery.fallback.fuzzy", disc.Fallback.Fuzzy)
	v.SetDefault("smart_discovery.fallback.keyword", disc.Fallback.Keyword)
	v.SetDefault("smart_discovery.fallback.category", disc.Fallback.Category)
	v.SetDefault("smart_discovery.fallback.partial", disc.Fallback.Partial)
	setCacheDefaults(v, "tool_match", disc.ToolMatchCache)
	setCacheDefaults(v, "llm_response", disc.LLMResponseCache)
	setCacheDefaults(v, "registry", disc.RegistryCache)
	v.SetDefault("smart_discovery.llm_mapper.enabled", false)
	v.SetDefault("smart_discovery.llm_mapper.provider", "openai")
	v.SetDefault("smart_discovery.llm_mapper.model", "gpt-4o-mini")
	v.SetDefault("smart_discovery.llm_mapper.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("smart_discovery.semantic_search.enabled", true)
	v.SetDefault("smart_discovery.semantic_search.provider", "hash")
	v.SetDefault("smart_discovery.semantic_search.model", "hash-256")
	v.SetDefault("smart_discovery.semantic_search.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("smart_discovery.semantic_search.dimensions", 256)
	v.SetDefault("smart_discovery.semantic_search.storage_path", "")
	v.SetDefault("smart_discovery.semantic_search.batch_size", 32)
	v.SetDefault("smart_discovery.semantic_search.top_k", disc.SemanticTopK)
	v.SetDefault("smart_discovery.semantic_search.similarity_threshold", 0.1)

	v.SetDefault("permissions.policy_file", "")
	v.SetDefault("permissions.cache_ttl_secs", 300)
	v.SetDefault("permissions.max_filtering_time_ms", 50)
	v.SetDefault("permissions.audit_trail", false)
	v.SetDefault("permissions.watch", true)

	v.SetDefault("routing.timeout_secs", 30)
	v.SetDefault("routing.max_attempts", 3)
	v.SetDefault("routing.retry_delay_ms", 1000)
	v.SetDefault("routing.retry_max_delay_ms", 30000)

	setKindDefaults(v, "sampling", bidi.Sampling)
	setKindDefaults(v, "elicitation", bidi.Elicitation)
	v.SetDefault("sampling.hybrid.sampling", string(domain.HandlerLocal))
	v.SetDefault("sampling.hybrid.elicitation", string(domain.HandlerClient))
	v.SetDefault("elicitation.hybrid.sampling", string(domain.HandlerLocal))
	v.SetDefault("elicitation.hybrid.elicitation", string(domain.HandlerClient))

	v.SetDefault("metrics.storage_path", "")
	v.SetDefault("metrics.persist_interval_secs", 300)
	v.SetDefault("metrics.window_size", 1000)

	v.SetDefault("observability.listen_addr", telemetry.DefaultObservabilityAddr)
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.healthz_enabled", true)

	v.SetDefault("admin.health_addr", "")

	v.SetDefault("audit.clickhouse_dsn", "")
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval_ms", 2000)
}

func setCacheDefaults(v *viper.Viper, name string, cfg discovery.CacheConfig) {
	v.SetDefault("smart_discovery.cache."+name+".ttl_secs", int(cfg.TTL/time.Second))
	v.SetDefault("smart_discovery.cache."+name+".max_size", cfg.MaxSize)
}

func setKindDefaults(v *viper.Viper, kind string, cfg bidirectional.KindConfig) {
	v.SetDefault(kind+".enabled", cfg.Enabled)
	v.SetDefault(kind+".default_"+kind+"_strategy", string(cfg.DefaultStrategy))
	v.SetDefault(kind+".fallback_to_magictunnel", cfg.FallbackToLocal)
	v.SetDefault(kind+".fallback_to_client", cfg.FallbackToClient)
	v.SetDefault(kind+".timeout_seconds", int(cfg.Timeout/time.Second))
	v.SetDefault(kind+".max_retry_attempts", cfg.MaxRetryAttempts)
}

// Load reads path, expands ${VAR} references, applies env overrides and
// validates the result. An empty path loads defaults and env only.
func (l *Loader) Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, domain.E(domain.CodeConfig, op, "read config", err)
		}
		expanded, missing, err := envutil.ExpandYAML(data)
		if err != nil {
			return Config{}, domain.E(domain.CodeConfig, op, "expand environment", err)
		}
		if len(missing) > 0 {
			l.logger.Warn("missing environment variables in config", zap.String("path", path), zap.Strings("missing", missing))
		}
		if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
			return Config{}, domain.E(domain.CodeConfig, op, "parse config", err)
		}
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, domain.E(domain.CodeConfig, op, "decode config", err)
	}
	cfg, errs := normalize(raw)
	if len(errs) > 0 {
		return Config{}, domain.E(domain.CodeConfig, op, strings.Join(errs, "; "), nil)
	}
	return cfg, nil
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func normalize(raw rawConfig) (Config, []string) {
	var errs []string
	cfg := Config{
		Server: ServerConfig{
			Name:    raw.Server.Name,
			Version: raw.Server.Version,
			User:    raw.Server.User,
			Roles:   raw.Server.Roles,
		},
		Capabilities: CapabilitiesConfig{
			Paths:    raw.Capabilities.Paths,
			Watch:    raw.Capabilities.Watch,
			Debounce: milliseconds(raw.Capabilities.DebounceMS),
		},
		Permissions: PermissionsConfig{
			PolicyFile:       raw.Permissions.PolicyFile,
			CacheTTL:         seconds(raw.Permissions.CacheTTLSecs),
			MaxFilteringTime: milliseconds(raw.Permissions.MaxFilteringTimeMS),
			AuditTrail:       raw.Permissions.AuditTrail,
			Watch:            raw.Permissions.Watch,
		},
		Routing: RoutingConfig{
			Timeout:       seconds(raw.Routing.TimeoutSecs),
			MaxAttempts:   raw.Routing.MaxAttempts,
			RetryDelay:    milliseconds(raw.Routing.RetryDelayMS),
			RetryMaxDelay: milliseconds(raw.Routing.RetryMaxDelayMS),
		},
		Metrics: MetricsConfig{
			StoragePath:     raw.Metrics.StoragePath,
			PersistInterval: seconds(raw.Metrics.PersistIntervalSecs),
			WindowSize:      raw.Metrics.WindowSize,
		},
		Observability: ObservabilityConfig{
			ListenAddr:     raw.Observability.ListenAddr,
			MetricsEnabled: raw.Observability.MetricsEnabled,
			HealthzEnabled: raw.Observability.HealthzEnabled,
		},
		Admin: AdminConfig{HealthAddr: raw.Admin.HealthAddr},
		Audit: AuditConfig{
			ClickHouseDSN: raw.Audit.ClickHouseDSN,
			BatchSize:     raw.Audit.BatchSize,
			FlushInterval: milliseconds(raw.Audit.FlushIntervalMS),
		},
	}
	if len(cfg.Capabilities.Paths) == 0 {
		errs = append(errs, "capabilities.paths must list at least one path")
	}
	if cfg.Routing.MaxAttempts < 1 {
		errs = append(errs, "routing.max_attempts must be >= 1")
	}
	if cfg.Metrics.WindowSize < 1 {
		errs = append(errs, "metrics.window_size must be >= 1")
	}

	conflict, err := normalizeConflict(raw.ConflictResolution)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.Conflict = conflict

	upstreamCfg, upstreamErrs := normalizeUpstream(raw.Upstream)
	errs = append(errs, upstreamErrs...)
	cfg.Upstream = upstreamCfg

	disc, discErrs := normalizeDiscovery(raw.SmartDiscovery)
	errs = append(errs, discErrs...)
	cfg.Discovery = disc

	bidi, bidiErrs := normalizeBidirectional(raw.Sampling, raw.Elicitation, upstreamCfg.Servers)
	errs = append(errs, bidiErrs...)
	cfg.Bidirectional = bidi
	return cfg, errs
}

func normalizeConflict(raw rawConflict) (aggregator.Config, error) {
	strategy, err := domain.ParseConflictStrategy(raw.Strategy)
	if err != nil {
		return aggregator.Config{}, fmt.Errorf("conflict_resolution.strategy: %w", err)
	}
	cfg := aggregator.Config{
		Strategy:                strategy,
		LocalPrefix:             raw.LocalPrefix,
		ProxyPrefixFormat:       raw.ProxyPrefixFormat,
		LogConflicts:            raw.LogConflicts,
		IncludeConflictMetadata: raw.IncludeConflictMetadata,
	}
	if err := cfg.Validate(); err != nil {
		return aggregator.Config{}, fmt.Errorf("conflict_resolution: %w", err)
	}
	return cfg, nil
}

func normalizeUpstream(raw rawUpstream) (UpstreamConfig, []string) {
	var errs []string
	out := UpstreamConfig{
		Policy: domain.UpstreamPolicy{
			ConnectTimeout:       seconds(raw.ConnectTimeoutSecs),
			RequestTimeout:       seconds(raw.RequestTimeoutSecs),
			MaxReconnectAttempts: raw.MaxReconnectAttempts,
			ReconnectDelay:       seconds(raw.ReconnectDelaySecs),
			MaxReconnectDelay:    seconds(raw.MaxReconnectDelaySecs),
			AutoReconnect:        raw.AutoReconnect,
			QueueSize:            raw.QueueSize,
			MaxInFlight:          raw.MaxInFlight,
		},
	}
	if raw.MaxReconnectAttempts < 0 || raw.QueueSize < 0 || raw.MaxInFlight < 0 {
		errs = append(errs, "upstream: max_reconnect_attempts, queue_size and max_in_flight must not be negative")
	}

	ids := make([]string, 0, len(raw.Servers))
	for id := range raw.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		server := raw.Servers[id]
		prefix := "upstream.servers." + id
		cfg := domain.UpstreamServerConfig{
			ID:        id,
			Transport: domain.UpstreamTransport(strings.ToLower(strings.TrimSpace(server.Transport))),
			Command:   server.Command,
			Env:       server.Env,
			Cwd:       server.Cwd,
			URL:       strings.TrimSpace(server.URL),
			Headers:   server.Headers,
		}
		if cfg.Transport == "" {
			cfg.Transport = domain.TransportStdio
			if cfg.URL != "" {
				cfg.Transport = domain.TransportStreamableHTTP
			}
		}
		switch cfg.Transport {
		case domain.TransportStdio:
			if len(cfg.Command) == 0 {
				errs = append(errs, prefix+": command is required for stdio transport")
			}
		case domain.TransportStreamableHTTP:
			if cfg.URL == "" {
				errs = append(errs, prefix+": url is required for streamable_http transport")
			}
		default:
			errs = append(errs, prefix+": transport must be stdio or streamable_http")
		}
		var err error
		if cfg.SamplingStrategy, err = optionalStrategy(server.SamplingStrategy); err != nil {
			errs = append(errs, prefix+".sampling_strategy: "+err.Error())
		}
		if cfg.ElicitationStrategy, err = optionalStrategy(server.ElicitationStrategy); err != nil {
			errs = append(errs, prefix+".elicitation_strategy: "+err.Error())
		}
		out.Servers = append(out.Servers, cfg)
	}
	return out, errs
}

func optionalStrategy(value string) (domain.Strategy, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return domain.ParseStrategy(value)
}

func normalizeDiscovery(raw rawDiscovery) (DiscoveryConfig, []string) {
	var errs []string
	engine := discovery.Config{
		Mode:                       domain.SelectionMode(strings.ToLower(raw.ToolSelectionMode)),
		DefaultConfidenceThreshold: raw.DefaultConfidenceThreshold,
		MinConfidenceThreshold:     raw.MinConfidenceThreshold,
		MaxToolsToConsider:         raw.MaxToolsToConsider,
		MaxHighQualityMatches:      raw.MaxHighQualityMatches,
		HighQualityThreshold:       raw.HighQualityThreshold,
		SequentialMode:             raw.SequentialMode,
		SequentialMaxAttempts:      raw.SequentialMaxAttempts,
		SemanticWeight:             raw.SemanticWeight,
		SemanticTopK:               raw.SemanticSearch.TopK,
		RuleWeights:                raw.RuleWeights,
		Fallback:                   raw.Fallback,
		ToolMatchCache:             raw.Cache.ToolMatch.config(),
		LLMResponseCache:           raw.Cache.LLMResponse.config(),
		RegistryCache:              raw.Cache.Registry.config(),
	}
	if err := engine.Validate(); err != nil {
		errs = append(errs, "smart_discovery: "+err.Error())
	}
	semantic := raw.SemanticSearch
	out := DiscoveryConfig{
		Enabled: raw.Enabled,
		Engine:  engine,
		LLMMapper: LLMMapperConfig{
			Enabled: raw.LLMMapper.Enabled,
			LLM:     raw.LLMMapper.llm(),
		},
		Semantic: SemanticConfig{
			Enabled: semantic.Enabled,
			Provider: embedding.ProviderConfig{
				Provider:   semantic.Provider,
				Model:      semantic.Model,
				APIKey:     semantic.APIKey,
				APIKeyEnv:  semantic.APIKeyEnv,
				BaseURL:    semantic.APIBaseURL,
				Dimensions: semantic.Dimensions,
			},
			StoragePath:         semantic.StoragePath,
			BatchSize:           semantic.BatchSize,
			SimilarityThreshold: semantic.SimilarityThreshold,
		},
	}
	if semantic.SimilarityThreshold < 0 || semantic.SimilarityThreshold > 1 {
		errs = append(errs, "smart_discovery.semantic_search.similarity_threshold must be within [0,1]")
	}
	if semantic.Enabled && semantic.Dimensions <= 0 {
		errs = append(errs, "smart_discovery.semantic_search.dimensions must be positive")
	}
	if engine.Mode == domain.ModeSemanticBased && !semantic.Enabled {
		errs = append(errs, "smart_discovery.tool_selection_mode semantic_based needs semantic_search.enabled")
	}
	return out, errs
}

func normalizeBidirectional(sampling, elicitation rawKind, servers []domain.UpstreamServerConfig) (bidirectional.Config, []string) {
	var errs []string
	samplingCfg, err := sampling.kindConfig(string(domain.RequestSampling), sampling.DefaultSamplingStrategy)
	if err != nil {
		errs = append(errs, err.Error())
	}
	elicitationCfg, err := elicitation.kindConfig(string(domain.RequestElicitation), elicitation.DefaultElicitationStrategy)
	if err != nil {
		errs = append(errs, err.Error())
	}
	for _, server := range servers {
		if _, ok := samplingCfg.ServerStrategies[server.ID]; !ok && server.SamplingStrategy != "" {
			samplingCfg.ServerStrategies[server.ID] = server.SamplingStrategy
		}
		if _, ok := elicitationCfg.ServerStrategies[server.ID]; !ok && server.ElicitationStrategy != "" {
			elicitationCfg.ServerStrategies[server.ID] = server.ElicitationStrategy
		}
	}
	cfg := bidirectional.Config{Sampling: samplingCfg, Elicitation: elicitationCfg}
	if sampling.LLMConfig.Model != "" {
		llmCfg := sampling.LLMConfig.llm()
		cfg.LLM = &llmCfg
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	return cfg, errs
}

func (r rawKind) kindConfig(kind, defaultStrategy string) (bidirectional.KindConfig, error) {
	cfg := bidirectional.KindConfig{
		Enabled:          r.Enabled,
		ServerStrategies: make(map[string]domain.Strategy, len(r.ServerStrategies)),
		FallbackToLocal:  r.FallbackToMagictunnel,
		FallbackToClient: r.FallbackToClient,
		Timeout:          seconds(r.TimeoutSeconds),
		MaxRetryAttempts: r.MaxRetryAttempts,
		Hybrid: domain.HybridRouting{
			Sampling:    domain.Handler(strings.ToLower(r.Hybrid.Sampling)),
			Elicitation: domain.Handler(strings.ToLower(r.Hybrid.Elicitation)),
		},
	}
	var errs []error
	strategy, err := optionalStrategy(defaultStrategy)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.default_%s_strategy: %w", kind, kind, err))
	}
	cfg.DefaultStrategy = strategy
	for id, value := range r.ServerStrategies {
		strategy, err := domain.ParseStrategy(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.server_strategies.%s: %w", kind, id, err))
			continue
		}
		cfg.ServerStrategies[id] = strategy
	}
	for name, h := range map[string]domain.Handler{"sampling": cfg.Hybrid.Sampling, "elicitation": cfg.Hybrid.Elicitation} {
		if h != domain.HandlerLocal && h != domain.HandlerClient {
			errs = append(errs, fmt.Errorf("%s.hybrid.%s must be local or client", kind, name))
		}
	}
	if r.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("%s.timeout_seconds must be positive", kind))
	}
	return cfg, errors.Join(errs...)
}

func (r rawLLM) llm() llm.Config {
	return llm.Config{
		Provider:    r.Provider,
		Model:       r.Model,
		APIKey:      r.APIKey,
		APIKeyEnv:   r.APIKeyEnv,
		BaseURL:     r.APIBaseURL,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

func (r rawCache) config() discovery.CacheConfig {
	return discovery.CacheConfig{TTL: seconds(r.TTLSecs), MaxSize: r.MaxSize}
}
