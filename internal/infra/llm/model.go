// Package llm builds chat models for the LLM-backed features.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// Config selects an OpenAI-compatible chat model.
type Config struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	BaseURL   string `mapstructure:"base_url"`
	// MaxTokens and Temperature apply when a request does not set its own.
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// ResolveAPIKey returns the inline key, else the value of APIKeyEnv.
func (c Config) ResolveAPIKey() (string, error) {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey != "" {
		return apiKey, nil
	}
	envVar := strings.TrimSpace(c.APIKeyEnv)
	if envVar == "" {
		return "", fmt.Errorf("API key is required: set api_key or api_key_env")
	}
	apiKey = os.Getenv(envVar)
	if apiKey == "" {
		return "", fmt.Errorf("API key not found in env var %s", envVar)
	}
	return apiKey, nil
}

// NewChatModel creates a tool-calling chat model through eino.
func NewChatModel(ctx context.Context, cfg Config) (model.ToolCallingChatModel, error) {
	apiKey, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		modelCfg := &openai.ChatModelConfig{
			Model:  cfg.Model,
			APIKey: apiKey,
		}
		if cfg.BaseURL != "" {
			modelCfg.BaseURL = cfg.BaseURL
		}
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			modelCfg.MaxTokens = &maxTokens
		}
		if cfg.Temperature > 0 {
			temperature := float32(cfg.Temperature)
			modelCfg.Temperature = &temperature
		}
		return openai.NewChatModel(ctx, modelCfg)
	default:
		return nil, fmt.Errorf("unsupported chat model provider: %s", cfg.Provider)
	}
}

// StripFences removes a surrounding markdown code fence from a model reply.
func StripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
}
