package config

import "magictunnel/internal/infra/discovery"

type rawConfig struct {
	Server             rawServer        `mapstructure:"server"`
	Capabilities       rawCapabilities  `mapstructure:"capabilities"`
	ConflictResolution rawConflict      `mapstructure:"conflict_resolution"`
	Upstream           rawUpstream      `mapstructure:"upstream"`
	SmartDiscovery     rawDiscovery     `mapstructure:"smart_discovery"`
	Permissions        rawPermissions   `mapstructure:"permissions"`
	Routing            rawRouting       `mapstructure:"routing"`
	Sampling           rawKind          `mapstructure:"sampling"`
	Elicitation        rawKind          `mapstructure:"elicitation"`
	Metrics            rawMetrics       `mapstructure:"metrics"`
	Observability      rawObservability `mapstructure:"observability"`
	Admin              rawAdmin         `mapstructure:"admin"`
	Audit              rawAudit         `mapstructure:"audit"`
}

type rawServer struct {
	Name    string   `mapstructure:"name"`
	Version string   `mapstructure:"version"`
	User    string   `mapstructure:"user"`
	Roles   []string `mapstructure:"roles"`
}

type rawCapabilities struct {
	Paths      []string `mapstructure:"paths"`
	Watch      bool     `mapstructure:"watch"`
	DebounceMS int      `mapstructure:"debounce_ms"`
}

type rawConflict struct {
	Strategy                string `mapstructure:"strategy"`
	LocalPrefix             string `mapstructure:"local_prefix"`
	ProxyPrefixFormat       string `mapstructure:"proxy_prefix_format"`
	LogConflicts            bool   `mapstructure:"log_conflicts"`
	IncludeConflictMetadata bool   `mapstructure:"include_conflict_metadata"`
}

type rawUpstream struct {
	ConnectTimeoutSecs    int                      `mapstructure:"connect_timeout_secs"`
	RequestTimeoutSecs    int                      `mapstructure:"request_timeout_secs"`
	MaxReconnectAttempts  int                      `mapstructure:"max_reconnect_attempts"`
	ReconnectDelaySecs    int                      `mapstructure:"reconnect_delay_secs"`
	MaxReconnectDelaySecs int                      `mapstructure:"max_reconnect_delay_secs"`
	AutoReconnect         bool                     `mapstructure:"auto_reconnect"`
	QueueSize             int                      `mapstructure:"queue_size"`
	MaxInFlight           int                      `mapstructure:"max_in_flight"`
	Servers               map[string]rawServerSpec `mapstructure:"servers"`
}

type rawServerSpec struct {
	Transport           string            `mapstructure:"transport"`
	Command             []string          `mapstructure:"command"`
	Env                 map[string]string `mapstructure:"env"`
	Cwd                 string            `mapstructure:"cwd"`
	URL                 string            `mapstructure:"url"`
	Headers             map[string]string `mapstructure:"headers"`
	SamplingStrategy    string            `mapstructure:"sampling_strategy"`
	ElicitationStrategy string            `mapstructure:"elicitation_strategy"`
}

type rawDiscovery struct {
	Enabled                    bool                     `mapstructure:"enabled"`
	ToolSelectionMode          string                   `mapstructure:"tool_selection_mode"`
	DefaultConfidenceThreshold float64                  `mapstructure:"default_confidence_threshold"`
	MinConfidenceThreshold     float64                  `mapstructure:"min_confidence_threshold"`
	MaxToolsToConsider         int                      `mapstructure:"max_tools_to_consider"`
	MaxHighQualityMatches      int                      `mapstructure:"max_high_quality_matches"`
	HighQualityThreshold       float64                  `mapstructure:"high_quality_threshold"`
	SequentialMode             bool                     `mapstructure:"sequential_mode"`
	SequentialMaxAttempts      int                      `mapstructure:"sequential_max_attempts"`
	SemanticWeight             float64                  `mapstructure:"semantic_weight"`
	RuleWeights                discovery.RuleWeights    `mapstructure:"rule_weights"`
	Fallback                   discovery.FallbackConfig `mapstructure:"fallback"`
	Cache                      rawCaches                `mapstructure:"cache"`
	LLMMapper                  rawLLMMapper             `mapstructure:"llm_mapper"`
	SemanticSearch             rawSemantic              `mapstructure:"semantic_search"`
}

type rawCaches struct {
	ToolMatch   rawCache `mapstructure:"tool_match"`
	LLMResponse rawCache `mapstructure:"llm_response"`
	Registry    rawCache `mapstructure:"registry"`
}

type rawCache struct {
	TTLSecs int `mapstructure:"ttl_secs"`
	MaxSize int `mapstructure:"max_size"`
}

type rawLLMMapper struct {
	Enabled bool `mapstructure:"enabled"`
	rawLLM  `mapstructure:",squash"`
}

type rawLLM struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	APIBaseURL  string  `mapstructure:"api_base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type rawSemantic struct {
	Enabled             bool    `mapstructure:"enabled"`
	Provider            string  `mapstructure:"provider"`
	Model               string  `mapstructure:"model"`
	APIKey              string  `mapstructure:"api_key"`
	APIKeyEnv           string  `mapstructure:"api_key_env"`
	APIBaseURL          string  `mapstructure:"api_base_url"`
	Dimensions          int     `mapstructure:"dimensions"`
	StoragePath         string  `mapstructure:"storage_path"`
	BatchSize           int     `mapstructure:"batch_size"`
	TopK                int     `mapstructure:"top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

type rawPermissions struct {
	PolicyFile         string `mapstructure:"policy_file"`
	CacheTTLSecs       int    `mapstructure:"cache_ttl_secs"`
	MaxFilteringTimeMS int    `mapstructure:"max_filtering_time_ms"`
	AuditTrail         bool   `mapstructure:"audit_trail"`
	Watch              bool   `mapstructure:"watch"`
}

type rawRouting struct {
	TimeoutSecs     int `mapstructure:"timeout_secs"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	RetryDelayMS    int `mapstructure:"retry_delay_ms"`
	RetryMaxDelayMS int `mapstructure:"retry_max_delay_ms"`
}

// rawKind covers both the sampling and elicitation blocks.
type rawKind struct {
	Enabled                    bool              `mapstructure:"enabled"`
	DefaultSamplingStrategy    string            `mapstructure:"default_sampling_strategy"`
	DefaultElicitationStrategy string            `mapstructure:"default_elicitation_strategy"`
	ServerStrategies           map[string]string `mapstructure:"server_strategies"`
	FallbackToMagictunnel      bool              `mapstructure:"fallback_to_magictunnel"`
	FallbackToClient           bool              `mapstructure:"fallback_to_client"`
	TimeoutSeconds             int               `mapstructure:"timeout_seconds"`
	MaxRetryAttempts           int               `mapstructure:"max_retry_attempts"`
	Hybrid                     rawHybrid         `mapstructure:"hybrid"`
	LLMConfig                  rawLLM            `mapstructure:"llm_config"`
}

type rawHybrid struct {
	Sampling    string `mapstructure:"sampling"`
	Elicitation string `mapstructure:"elicitation"`
}

type rawMetrics struct {
	StoragePath         string `mapstructure:"storage_path"`
	PersistIntervalSecs int    `mapstructure:"persist_interval_secs"`
	WindowSize          int    `mapstructure:"window_size"`
}

type rawObservability struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	HealthzEnabled bool   `mapstructure:"healthz_enabled"`
}

type rawAdmin struct {
	HealthAddr string `mapstructure:"health_addr"`
}

type rawAudit struct {
	ClickHouseDSN   string `mapstructure:"clickhouse_dsn"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
}
