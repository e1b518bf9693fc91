package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/hashutil"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/schema"
	"magictunnel/internal/infra/telemetry"
)

const preferredBonus = 0.1

// CacheConfig bounds one discovery cache. A zero TTL or size disables it.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// Config tunes the discovery engine.
type Config struct {
	Mode                       domain.SelectionMode
	DefaultConfidenceThreshold float64
	MinConfidenceThreshold     float64
	MaxToolsToConsider         int
	MaxHighQualityMatches      int
	HighQualityThreshold       float64
	SequentialMode             bool
	SequentialMaxAttempts      int
	SemanticWeight             float64
	SemanticTopK               int
	RuleWeights                RuleWeights
	Fallback                   FallbackConfig
	ToolMatchCache             CacheConfig
	LLMResponseCache           CacheConfig
	RegistryCache              CacheConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                       domain.ModeHybrid,
		DefaultConfidenceThreshold: 0.7,
		MinConfidenceThreshold:     0.3,
		MaxToolsToConsider:         10,
		MaxHighQualityMatches:      5,
		HighQualityThreshold:       0.95,
		SequentialMode:             true,
		SequentialMaxAttempts:      3,
		SemanticWeight:             0.6,
		SemanticTopK:               20,
		RuleWeights:                DefaultRuleWeights(),
		Fallback:                   AllFallbacks(),
		ToolMatchCache:             CacheConfig{TTL: 5 * time.Minute, MaxSize: 1000},
		LLMResponseCache:           CacheConfig{TTL: 30 * time.Minute, MaxSize: 500},
		RegistryCache:              CacheConfig{TTL: time.Minute, MaxSize: 100},
	}
}

// Validate checks ranges and enum values.
func (c Config) Validate() error {
	switch c.Mode {
	case domain.ModeRuleBased, domain.ModeSemanticBased, domain.ModeHybrid:
	default:
		return fmt.Errorf("discovery mode %q must be rule_based, semantic_based or hybrid", c.Mode)
	}
	for name, v := range map[string]float64{
		"default_confidence_threshold": c.DefaultConfidenceThreshold,
		"min_confidence_threshold":     c.MinConfidenceThreshold,
		"high_quality_threshold":       c.HighQualityThreshold,
		"semantic_weight":              c.SemanticWeight,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.MinConfidenceThreshold > c.DefaultConfidenceThreshold {
		return fmt.Errorf("min_confidence_threshold must not exceed default_confidence_threshold")
	}
	if c.MaxToolsToConsider <= 0 || c.SequentialMaxAttempts <= 0 {
		return fmt.Errorf("max_tools_to_consider and sequential_max_attempts must be positive")
	}
	return c.RuleWeights.Validate()
}

// Dispatcher executes a resolved call.
type Dispatcher interface {
	Call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error)
}

// SnapshotSource returns the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *domain.Snapshot
}

// Options wires the engine's collaborators. Semantic and Mapper are optional.
type Options struct {
	Config      Config
	Registry    SnapshotSource
	Permissions *permission.Cache
	Semantic    SemanticSearcher
	Rule        Scorer
	Mapper      ParameterMapper
	Dispatcher  Dispatcher
	Validator   *schema.Validator
	Logger      *zap.Logger
	Now         func() time.Time
}

// Engine resolves free-text requests to a tool and its arguments.
type Engine struct {
	cfg         Config
	registry    SnapshotSource
	permissions *permission.Cache
	semantic    SemanticSearcher
	rule        Scorer
	mapper      ParameterMapper
	dispatcher  Dispatcher
	validator   *schema.Validator
	logger      *zap.Logger

	matchCache    *ttlCache[[]domain.ToolMatch]
	llmCache      *ttlCache[map[string]any]
	registryCache *ttlCache[[]domain.Tool]
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeHybrid
	}
	if cfg.MaxToolsToConsider <= 0 {
		cfg.MaxToolsToConsider = DefaultConfig().MaxToolsToConsider
	}
	if cfg.SequentialMaxAttempts <= 0 {
		cfg.SequentialMaxAttempts = DefaultConfig().SequentialMaxAttempts
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = DefaultConfig().SemanticTopK
	}
	rule := opts.Rule
	if rule == nil {
		rule = NewRuleScorer(cfg.RuleWeights, cfg.MaxHighQualityMatches, cfg.HighQualityThreshold)
	}
	validator := opts.Validator
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Engine{
		cfg:           cfg,
		registry:      opts.Registry,
		permissions:   opts.Permissions,
		semantic:      opts.Semantic,
		rule:          rule,
		mapper:        opts.Mapper,
		dispatcher:    opts.Dispatcher,
		validator:     validator,
		logger:        logger.Named("discovery"),
		matchCache:    newTTLCache[[]domain.ToolMatch](cfg.ToolMatchCache.TTL, cfg.ToolMatchCache.MaxSize, opts.Now),
		llmCache:      newTTLCache[map[string]any](cfg.LLMResponseCache.TTL, cfg.LLMResponseCache.MaxSize, opts.Now),
		registryCache: newTTLCache[[]domain.Tool](cfg.RegistryCache.TTL, cfg.RegistryCache.MaxSize, opts.Now),
	}
}

// Discover resolves req and dispatches the selected tool.
func (e *Engine) Discover(ctx context.Context, user domain.UserContext, req domain.DiscoveryRequest) domain.DiscoveryResponse {
	return e.run(ctx, user, req, true)
}

// Resolve maps parameters for the best tool without dispatching it.
func (e *Engine) Resolve(ctx context.Context, user domain.UserContext, req domain.DiscoveryRequest) domain.DiscoveryResponse {
	return e.run(ctx, user, req, false)
}

// RegistryChanged drops cached filtered tool lists.
func (e *Engine) RegistryChanged(change domain.RegistryChange) {
	e.registryCache.clear()
	e.logger.Debug("discovery registry cache cleared", telemetry.VersionField(change.Version))
}

// Run clears the registry cache on every change until ctx ends.
func (e *Engine) Run(ctx context.Context, changes <-chan domain.RegistryChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.RegistryChanged(change)
		}
	}
}

func (e *Engine) run(ctx context.Context, user domain.UserContext, req domain.DiscoveryRequest, dispatch bool) domain.DiscoveryResponse {
	started := time.Now()
	st := newState(e.cfg, user, req, dispatch)
	st, err := e.pipeline(ctx, st)
	if code, ok := domain.CodeFrom(err); err != nil && (!ok || code == domain.CodeInternal) {
		e.logger.Error("discovery failed", telemetry.UserIDField(user.UserID), zap.Error(err))
	}
	resp := st.response(err)
	e.logger.Info("discovery finished",
		telemetry.EventField(telemetry.EventDiscovery),
		telemetry.UserIDField(user.UserID),
		telemetry.ToolField(resp.Metadata.OriginalTool),
		telemetry.DurationField(time.Since(started)),
		zap.Bool("success", resp.Success),
		zap.String("mode", string(st.mode)),
		zap.Float64("confidence", resp.Metadata.Confidence),
		zap.Int("attempts", resp.Metadata.Attempts),
	)
	return resp
}

func (e *Engine) snapshot() *domain.Snapshot {
	if e.registry == nil {
		return domain.EmptySnapshot()
	}
	if snapshot := e.registry.Snapshot(); snapshot != nil {
		return snapshot
	}
	return domain.EmptySnapshot()
}

// mapParameters runs the rule mapper, asks the model when required fields are
// still missing, then fills schema defaults.
func (e *Engine) mapParameters(ctx context.Context, st state, tool domain.Tool) (json.RawMessage, error) {
	args := mapRule(tool, st.req.Request)
	if e.mapper != nil && len(missingRequired(tool, args)) > 0 {
		key := hashutil.Key(tool.Name, st.req.Request, st.req.Context, fmt.Sprint(st.snapshot.Version))
		fromModel, ok := e.llmCache.get(key)
		if !ok {
			var err error
			fromModel, err = e.mapper.MapParameters(ctx, tool, st.req.Request, st.req.Context)
			if err != nil {
				e.logger.Warn("LLM parameter mapping failed; using rule mapping", telemetry.ToolField(tool.Name), zap.Error(err))
				fromModel = nil
			} else {
				e.llmCache.put(key, fromModel)
			}
		}
		for k, v := range fromModel {
			args[k] = v
		}
	}
	applyDefaults(tool, args)
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, domain.E(domain.CodeInternal, "discovery.map_params", "encode arguments", err)
	}
	return raw, nil
}
