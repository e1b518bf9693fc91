// Package bidirectional services sampling and elicitation requests raised by
// upstream servers, locally or by forwarding them to the end-user client.
package bidirectional

import (
	"fmt"
	"time"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/llm"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
)

// KindConfig controls routing for one request kind.
type KindConfig struct {
	Enabled          bool
	DefaultStrategy  domain.Strategy
	ServerStrategies map[string]domain.Strategy
	FallbackToLocal  bool
	FallbackToClient bool
	Timeout          time.Duration
	MaxRetryAttempts int
	Hybrid           domain.HybridRouting
}

// Config holds sampling and elicitation routing plus the local LLM.
type Config struct {
	Sampling    KindConfig
	Elicitation KindConfig
	LLM         *llm.Config
}

// DefaultKindConfig services requests locally with fallback in both directions.
func DefaultKindConfig() KindConfig {
	return KindConfig{
		Enabled:          true,
		DefaultStrategy:  domain.StrategyMagictunnelFirst,
		ServerStrategies: map[string]domain.Strategy{},
		FallbackToLocal:  true,
		FallbackToClient: true,
		Timeout:          defaultTimeout,
		MaxRetryAttempts: defaultMaxAttempts,
		Hybrid:           domain.DefaultHybridRouting(),
	}
}

// DefaultConfig leaves sampling off until an LLM is configured.
func DefaultConfig() Config {
	sampling := DefaultKindConfig()
	sampling.Enabled = false
	return Config{
		Sampling:    sampling,
		Elicitation: DefaultKindConfig(),
	}
}

func (c KindConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c KindConfig) attempts() int {
	if c.MaxRetryAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.MaxRetryAttempts
}

// strategies lists the default plus every per-server override.
func (c KindConfig) strategies() []domain.Strategy {
	out := []domain.Strategy{c.DefaultStrategy}
	for _, strategy := range c.ServerStrategies {
		out = append(out, strategy)
	}
	return out
}

// Validate rejects unknown strategies and local sampling without an LLM.
// toolStrategies carries per-tool sampling overrides from the catalog.
func (c Config) Validate(toolStrategies ...domain.Strategy) error {
	for _, kc := range []struct {
		kind domain.RequestKind
		cfg  KindConfig
	}{
		{domain.RequestSampling, c.Sampling},
		{domain.RequestElicitation, c.Elicitation},
	} {
		if kc.cfg.MaxRetryAttempts < 0 {
			return domain.E(domain.CodeConfig, "bidirectional.config", fmt.Sprintf("%s.max_retry_attempts must be >= 0", kc.kind), nil)
		}
		for _, strategy := range kc.cfg.strategies() {
			if strategy == "" {
				continue
			}
			if _, err := domain.ParseStrategy(string(strategy)); err != nil {
				return domain.E(domain.CodeConfig, "bidirectional.config", string(kc.kind), err)
			}
		}
	}
	if !c.Sampling.Enabled || c.LLM != nil {
		return nil
	}
	needsLLM := append(c.Sampling.strategies(), toolStrategies...)
	for _, strategy := range needsLLM {
		if strategy == "" {
			continue
		}
		if strategy.RequiresLLMConfig(domain.RequestSampling, c.Sampling.Hybrid) {
			return domain.E(domain.CodeConfig, "bidirectional.config",
				fmt.Sprintf("sampling strategy %q needs sampling.llm_config", strategy), nil)
		}
	}
	return nil
}
