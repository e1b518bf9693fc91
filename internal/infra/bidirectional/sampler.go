package bidirectional

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/llm"
)

const defaultMaxTokens = 1024

// NewSampler builds the local sampling provider named by cfg.Provider.
func NewSampler(ctx context.Context, cfg llm.Config) (domain.SamplingHandler, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		chatModel, err := llm.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &einoSampler{model: chatModel, name: cfg.Model}, nil
	case "anthropic", "claude":
		apiKey, err := cfg.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		return &anthropicSampler{client: anthropic.NewClient(opts...), model: cfg.Model, defaults: cfg}, nil
	case "gemini", "google":
		apiKey, err := cfg.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		clientCfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
		if cfg.BaseURL != "" {
			clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
		}
		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		return &geminiSampler{client: client, model: cfg.Model, defaults: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported sampling provider: %s", cfg.Provider)
	}
}

type turn struct {
	role string
	text string
}

// conversation flattens a sampling request into a system prompt and text turns.
func conversation(params *domain.SamplingRequest) (string, []turn, error) {
	if params == nil {
		return "", nil, fmt.Errorf("sampling params are required")
	}
	system := strings.TrimSpace(params.SystemPrompt)
	turns := make([]turn, 0, len(params.Messages))
	for _, msg := range params.Messages {
		contentType := strings.TrimSpace(msg.Content.Type)
		if contentType != "" && contentType != "text" {
			return "", nil, fmt.Errorf("unsupported content type: %s", contentType)
		}
		role := strings.TrimSpace(msg.Role)
		switch role {
		case "user", "assistant":
			turns = append(turns, turn{role: role, text: msg.Content.Text})
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content.Text
		default:
			return "", nil, fmt.Errorf("unsupported role: %s", msg.Role)
		}
	}
	if len(turns) == 0 {
		return "", nil, fmt.Errorf("sampling request has no messages")
	}
	return system, turns, nil
}

func textResult(text, modelName, stopReason string) *domain.SamplingResult {
	return &domain.SamplingResult{
		Role:       "assistant",
		Content:    domain.SamplingContent{Type: "text", Text: text},
		Model:      modelName,
		StopReason: stopReason,
	}
}

func maxTokens(params *domain.SamplingRequest, defaults llm.Config) int64 {
	switch {
	case params.MaxTokens > 0:
		return params.MaxTokens
	case defaults.MaxTokens > 0:
		return int64(defaults.MaxTokens)
	default:
		return defaultMaxTokens
	}
}

func temperature(params *domain.SamplingRequest, defaults llm.Config) float64 {
	if params.Temperature > 0 {
		return params.Temperature
	}
	return defaults.Temperature
}

// einoSampler serves OpenAI-compatible endpoints through an eino chat model.
type einoSampler struct {
	model model.ToolCallingChatModel
	name  string
}

func (s *einoSampler) CreateMessage(ctx context.Context, params *domain.SamplingRequest) (*domain.SamplingResult, error) {
	system, turns, err := conversation(params)
	if err != nil {
		return nil, err
	}
	messages := make([]*schema.Message, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, schema.SystemMessage(system))
	}
	for _, t := range turns {
		if t.role == "assistant" {
			messages = append(messages, schema.AssistantMessage(t.text, nil))
			continue
		}
		messages = append(messages, schema.UserMessage(t.text))
	}
	response, err := s.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("sampling generate: %w", err)
	}
	if response == nil {
		return nil, fmt.Errorf("sampling response is nil")
	}
	stop := ""
	if response.ResponseMeta != nil {
		stop = response.ResponseMeta.FinishReason
	}
	return textResult(response.Content, s.name, stop), nil
}

type anthropicSampler struct {
	client   anthropic.Client
	model    string
	defaults llm.Config
}

func (s *anthropicSampler) CreateMessage(ctx context.Context, params *domain.SamplingRequest) (*domain.SamplingResult, error) {
	system, turns, err := conversation(params)
	if err != nil {
		return nil, err
	}
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
	}
	req := anthropic.MessageNewParams{
		Model:         anthropic.Model(s.model),
		Messages:      messages,
		MaxTokens:     maxTokens(params, s.defaults),
		StopSequences: params.StopSequences,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if temp := temperature(params, s.defaults); temp > 0 {
		req.Temperature = anthropic.Float(temp)
	}
	msg, err := s.client.Messages.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return textResult(text.String(), string(msg.Model), string(msg.StopReason)), nil
}

type geminiSampler struct {
	client   *genai.Client
	model    string
	defaults llm.Config
}

func (s *geminiSampler) CreateMessage(ctx context.Context, params *domain.SamplingRequest) (*domain.SamplingResult, error) {
	system, turns, err := conversation(params)
	if err != nil {
		return nil, err
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: t.text}}})
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(params, s.defaults)),
		StopSequences:   params.StopSequences,
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if temp := temperature(params, s.defaults); temp > 0 {
		t := float32(temp)
		config.Temperature = &t
	}
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	stop := ""
	if len(resp.Candidates) > 0 {
		stop = string(resp.Candidates[0].FinishReason)
	}
	return textResult(resp.Text(), s.model, stop), nil
}
