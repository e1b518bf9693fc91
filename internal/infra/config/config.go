// Package config loads the proxy configuration.
package config

import (
	"time"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/aggregator"
	"magictunnel/internal/infra/bidirectional"
	"magictunnel/internal/infra/discovery"
	"magictunnel/internal/infra/embedding"
	"magictunnel/internal/infra/llm"
)

// Config is the normalized, validated configuration.
type Config struct {
	Server        ServerConfig
	Capabilities  CapabilitiesConfig
	Conflict      aggregator.Config
	Upstream      UpstreamConfig
	Discovery     DiscoveryConfig
	Permissions   PermissionsConfig
	Routing       RoutingConfig
	Bidirectional bidirectional.Config
	Metrics       MetricsConfig
	Observability ObservabilityConfig
	Admin         AdminConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Name    string
	Version string
	// User and Roles identify the stdio client for permission checks.
	User  string
	Roles []string
}

type CapabilitiesConfig struct {
	Paths    []string
	Watch    bool
	Debounce time.Duration
}

type UpstreamConfig struct {
	Policy  domain.UpstreamPolicy
	Servers []domain.UpstreamServerConfig
}

type DiscoveryConfig struct {
	Enabled   bool
	Engine    discovery.Config
	LLMMapper LLMMapperConfig
	Semantic  SemanticConfig
}

type LLMMapperConfig struct {
	Enabled bool
	LLM     llm.Config
}

type SemanticConfig struct {
	Enabled             bool
	Provider            embedding.ProviderConfig
	StoragePath         string
	BatchSize           int
	SimilarityThreshold float64
}

type PermissionsConfig struct {
	PolicyFile       string
	CacheTTL         time.Duration
	MaxFilteringTime time.Duration
	AuditTrail       bool
	// Watch reloads the policy file when it changes on disk.
	Watch bool
}

type RoutingConfig struct {
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

type MetricsConfig struct {
	StoragePath     string
	PersistInterval time.Duration
	WindowSize      int
}

type ObservabilityConfig struct {
	ListenAddr     string
	MetricsEnabled bool
	HealthzEnabled bool
}

type AdminConfig struct {
	HealthAddr string
}

type AuditConfig struct {
	ClickHouseDSN string
	BatchSize     int
	FlushInterval time.Duration
}

// ToolStrategies lists the per-tool sampling overrides in tools.
func ToolStrategies(tools []domain.Tool) []domain.Strategy {
	var out []domain.Strategy
	for _, tool := range tools {
		if tool.SamplingStrategy != "" {
			out = append(out, tool.SamplingStrategy)
		}
	}
	return out
}
