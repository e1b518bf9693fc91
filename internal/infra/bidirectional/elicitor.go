package bidirectional

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

// DefaultsElicitor answers elicitation requests from the schema's defaults.
type DefaultsElicitor struct {
	logger *zap.Logger
}

func NewDefaultsElicitor(logger *zap.Logger) *DefaultsElicitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultsElicitor{logger: logger.Named("elicitation")}
}

type requestedSchema struct {
	Properties map[string]struct {
		Default any `json:"default"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// Elicit accepts with the default values when every required field has one
// and declines otherwise. URL-mode requests always decline.
func (e *DefaultsElicitor) Elicit(_ context.Context, params *domain.ElicitationRequest) (*domain.ElicitationResult, error) {
	if params == nil || params.Mode == "url" || len(params.RequestedSchema) == 0 {
		return &domain.ElicitationResult{Action: domain.ElicitActionDecline}, nil
	}
	var schema requestedSchema
	if err := json.Unmarshal(params.RequestedSchema, &schema); err != nil {
		e.logger.Debug("elicitation schema unreadable", zap.Error(err))
		return &domain.ElicitationResult{Action: domain.ElicitActionDecline}, nil
	}
	content := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop.Default != nil {
			content[name] = prop.Default
		}
	}
	for _, name := range schema.Required {
		if _, ok := content[name]; !ok {
			e.logger.Debug("elicitation declined", zap.String("missing", name))
			return &domain.ElicitationResult{Action: domain.ElicitActionDecline}, nil
		}
	}
	return &domain.ElicitationResult{Action: domain.ElicitActionAccept, Content: content}, nil
}
