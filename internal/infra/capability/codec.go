package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/schema"
)

type rawFile struct {
	Metadata rawMetadata `yaml:"metadata"`
	Tools    []rawTool   `yaml:"tools"`
}

type rawMetadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Version     string   `yaml:"version,omitempty"`
	Author      string   `yaml:"author,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type rawRouting struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config,omitempty"`
}

type rawTool struct {
	Name                string            `yaml:"name"`
	Description         string            `yaml:"description"`
	InputSchema         map[string]any    `yaml:"inputSchema,omitempty"`
	Routing             rawRouting        `yaml:"routing"`
	Hidden              bool              `yaml:"hidden,omitempty"`
	Enabled             *bool             `yaml:"enabled,omitempty"`
	Annotations         map[string]string `yaml:"annotations,omitempty"`
	PromptRefs          []string          `yaml:"prompt_refs,omitempty"`
	ResourceRefs        []string          `yaml:"resource_refs,omitempty"`
	SamplingStrategy    string            `yaml:"sampling_strategy,omitempty"`
	ElicitationStrategy string            `yaml:"elicitation_strategy,omitempty"`
}

type rawEnhancedFile struct {
	Metadata rawMetadata       `yaml:"metadata"`
	Tools    []rawEnhancedTool `yaml:"tools"`
}

type rawEnhancedTool struct {
	Name string `yaml:"name"`
	Core struct {
		Description string         `yaml:"description"`
		InputSchema map[string]any `yaml:"inputSchema"`
	} `yaml:"core"`
	Access struct {
		Hidden  bool  `yaml:"hidden"`
		Enabled *bool `yaml:"enabled"`
	} `yaml:"access"`
	Routing   *rawRouting `yaml:"routing"`
	Execution struct {
		Routing *rawRouting `yaml:"routing"`
	} `yaml:"execution"`
	Annotations         map[string]string `yaml:"annotations"`
	PromptRefs          []string          `yaml:"prompt_refs"`
	ResourceRefs        []string          `yaml:"resource_refs"`
	SamplingStrategy    string            `yaml:"sampling_strategy"`
	ElicitationStrategy string            `yaml:"elicitation_strategy"`
}

// probeFile is decoded first to detect the enhanced layout.
type probeFile struct {
	Tools []struct {
		Core *struct {
			Description *string `yaml:"description"`
		} `yaml:"core"`
	} `yaml:"tools"`
}

// Decode parses either capability layout into the normalized form.
func Decode(data []byte) (domain.CapabilityFile, error) {
	var probe probeFile
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return domain.CapabilityFile{}, err
	}
	if isEnhanced(probe) {
		return decodeEnhanced(data)
	}
	return decodeLegacy(data)
}

func isEnhanced(probe probeFile) bool {
	for _, tool := range probe.Tools {
		if tool.Core != nil && tool.Core.Description != nil {
			return true
		}
	}
	return false
}

func decodeLegacy(data []byte) (domain.CapabilityFile, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.CapabilityFile{}, err
	}
	file := domain.CapabilityFile{Metadata: metadataFromRaw(raw.Metadata)}
	for _, item := range raw.Tools {
		tool, err := toolFromRaw(item)
		if err != nil {
			return domain.CapabilityFile{}, err
		}
		file.Tools = append(file.Tools, tool)
	}
	return file, nil
}

func decodeEnhanced(data []byte) (domain.CapabilityFile, error) {
	var raw rawEnhancedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.CapabilityFile{}, err
	}
	file := domain.CapabilityFile{Metadata: metadataFromRaw(raw.Metadata)}
	for _, item := range raw.Tools {
		routing := item.Routing
		if routing == nil {
			routing = item.Execution.Routing
		}
		if routing == nil {
			return domain.CapabilityFile{}, fmt.Errorf("tool %q: routing is required", item.Name)
		}
		legacy := rawTool{
			Name:                item.Name,
			Description:         item.Core.Description,
			InputSchema:         item.Core.InputSchema,
			Routing:             *routing,
			Hidden:              item.Access.Hidden,
			Enabled:             item.Access.Enabled,
			Annotations:         item.Annotations,
			PromptRefs:          item.PromptRefs,
			ResourceRefs:        item.ResourceRefs,
			SamplingStrategy:    item.SamplingStrategy,
			ElicitationStrategy: item.ElicitationStrategy,
		}
		tool, err := toolFromRaw(legacy)
		if err != nil {
			return domain.CapabilityFile{}, err
		}
		file.Tools = append(file.Tools, tool)
	}
	return file, nil
}

func metadataFromRaw(raw rawMetadata) domain.CapabilityMetadata {
	return domain.CapabilityMetadata{
		Name:        raw.Name,
		Description: raw.Description,
		Version:     raw.Version,
		Author:      raw.Author,
		Tags:        raw.Tags,
	}
}

func toolFromRaw(raw rawTool) (domain.Tool, error) {
	kind, err := domain.ParseRoutingKind(raw.Routing.Type)
	if err != nil {
		return domain.Tool{}, fmt.Errorf("tool %q: %w", raw.Name, err)
	}
	var inputSchema json.RawMessage
	if raw.InputSchema != nil {
		inputSchema, err = json.Marshal(raw.InputSchema)
		if err != nil {
			return domain.Tool{}, fmt.Errorf("tool %q: encode inputSchema: %w", raw.Name, err)
		}
	}
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	return domain.Tool{
		Name:                raw.Name,
		Description:         raw.Description,
		InputSchema:         inputSchema,
		Routing:             domain.Routing{Kind: kind, Config: raw.Routing.Config},
		Hidden:              raw.Hidden,
		Enabled:             enabled,
		Annotations:         raw.Annotations,
		PromptRefs:          raw.PromptRefs,
		ResourceRefs:        raw.ResourceRefs,
		SamplingStrategy:    domain.Strategy(raw.SamplingStrategy),
		ElicitationStrategy: domain.Strategy(raw.ElicitationStrategy),
	}, nil
}

// Encode renders a file in the canonical legacy layout, keeping tool order.
func Encode(file domain.CapabilityFile) ([]byte, error) {
	raw := rawFile{
		Metadata: rawMetadata{
			Name:        file.Metadata.Name,
			Description: file.Metadata.Description,
			Version:     file.Metadata.Version,
			Author:      file.Metadata.Author,
			Tags:        file.Metadata.Tags,
		},
		Tools: make([]rawTool, 0, len(file.Tools)),
	}
	for _, tool := range file.Tools {
		item, err := toolToRaw(tool)
		if err != nil {
			return nil, err
		}
		raw.Tools = append(raw.Tools, item)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(raw); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toolToRaw(tool domain.Tool) (rawTool, error) {
	var inputSchema map[string]any
	if trimmed := bytes.TrimSpace(tool.InputSchema); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &inputSchema); err != nil {
			return rawTool{}, fmt.Errorf("tool %q: decode inputSchema: %w", tool.Name, err)
		}
	}
	var enabled *bool
	if !tool.Enabled {
		disabled := false
		enabled = &disabled
	}
	return rawTool{
		Name:                tool.Name,
		Description:         tool.Description,
		InputSchema:         inputSchema,
		Routing:             rawRouting{Type: string(tool.Routing.Kind), Config: tool.Routing.Config},
		Hidden:              tool.Hidden,
		Enabled:             enabled,
		Annotations:         tool.Annotations,
		PromptRefs:          tool.PromptRefs,
		ResourceRefs:        tool.ResourceRefs,
		SamplingStrategy:    string(tool.SamplingStrategy),
		ElicitationStrategy: string(tool.ElicitationStrategy),
	}, nil
}

// Validate checks every tool of the file and the metadata version.
func Validate(file domain.CapabilityFile) error {
	var errs []error
	if version := strings.TrimSpace(file.Metadata.Version); version != "" {
		if !semver.IsValid("v" + strings.TrimPrefix(version, "v")) {
			errs = append(errs, fmt.Errorf("metadata.version %q is not a semantic version", version))
		}
	}
	seen := make(map[string]struct{}, len(file.Tools))
	for _, tool := range file.Tools {
		if _, dup := seen[tool.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", domain.ErrDuplicateTool, tool.Name))
			continue
		}
		seen[tool.Name] = struct{}{}
		if err := tool.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := schema.Check(tool.InputSchema); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", tool.Name, err))
		}
	}
	return errors.Join(errs...)
}
