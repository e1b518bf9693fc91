package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

const (
	AnnotationConflictResolved = "conflict_resolved"
	AnnotationOriginalName     = "original_name"
	AnnotationCategory         = "category"
	AnnotationKeywords         = "keywords"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_:\-]*$`)

// Tool is the normalized definition of a callable exposed by the proxy.
// Values held by a Snapshot are shared and must be treated as read-only.
type Tool struct {
	Name                string
	Description         string
	InputSchema         json.RawMessage
	Routing             Routing
	Hidden              bool
	Enabled             bool
	Annotations         map[string]string
	PromptRefs          []string
	ResourceRefs        []string
	SamplingStrategy    Strategy
	ElicitationStrategy Strategy
}

// ValidateToolName checks the stable identifier pattern.
func ValidateToolName(name string) error {
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	return nil
}

// Validate checks structural invariants that do not require a schema compiler.
func (t Tool) Validate() error {
	if err := ValidateToolName(t.Name); err != nil {
		return err
	}
	if err := ValidateSchemaShape(t.InputSchema); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	if err := t.Routing.Validate(); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	for _, strategy := range []Strategy{t.SamplingStrategy, t.ElicitationStrategy} {
		if strategy == "" {
			continue
		}
		if _, err := ParseStrategy(string(strategy)); err != nil {
			return fmt.Errorf("tool %q: %w", t.Name, err)
		}
	}
	return nil
}

// Dispatchable reports whether the tool may be routed.
func (t Tool) Dispatchable() bool {
	return t.Enabled
}

// Listed reports whether the tool appears in default listings.
func (t Tool) Listed() bool {
	return t.Enabled && !t.Hidden
}

// Annotation returns an annotation value.
func (t Tool) Annotation(key string) string {
	if t.Annotations == nil {
		return ""
	}
	return t.Annotations[key]
}

// WithAnnotation returns a copy of t with key set; the receiver is untouched.
func (t Tool) WithAnnotation(key, value string) Tool {
	annotations := make(map[string]string, len(t.Annotations)+1)
	for k, v := range t.Annotations {
		annotations[k] = v
	}
	annotations[key] = value
	t.Annotations = annotations
	return t
}

// Clone returns a deep copy of the tool.
func (t Tool) Clone() Tool {
	out := t
	if t.InputSchema != nil {
		out.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	if t.Annotations != nil {
		out.Annotations = make(map[string]string, len(t.Annotations))
		for k, v := range t.Annotations {
			out.Annotations[k] = v
		}
	}
	out.PromptRefs = append([]string(nil), t.PromptRefs...)
	out.ResourceRefs = append([]string(nil), t.ResourceRefs...)
	out.Routing = t.Routing.Clone()
	return out
}

// SchemaProperties lists the top-level property names of the input schema, sorted.
func (t Tool) SchemaProperties() []string {
	props, _ := schemaObject(t.InputSchema)["properties"].(map[string]any)
	out := make([]string, 0, len(props))
	for name := range props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateSchemaShape checks that raw is absent or a JSON object of type object.
func ValidateSchemaShape(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if typ, ok := obj["type"]; ok {
		if s, _ := typ.(string); s != "object" {
			return fmt.Errorf("%w: type must be object", ErrInvalidSchema)
		}
	}
	if props, ok := obj["properties"]; ok {
		if _, isMap := props.(map[string]any); !isMap {
			return fmt.Errorf("%w: properties must be an object", ErrInvalidSchema)
		}
	}
	return nil
}

func schemaObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// SchemaProperty describes one property of an input schema.
type SchemaProperty struct {
	Name        string
	Type        string
	Description string
	Default     any
	HasDefault  bool
	Required    bool
	Enum        []any
}

// SchemaPropertyList decodes top-level properties in name order.
func SchemaPropertyList(raw json.RawMessage) []SchemaProperty {
	obj := schemaObject(raw)
	props, _ := obj["properties"].(map[string]any)
	required := map[string]bool{}
	if list, ok := obj["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SchemaProperty, 0, len(names))
	for _, name := range names {
		def, _ := props[name].(map[string]any)
		prop := SchemaProperty{Name: name, Required: required[name]}
		if def != nil {
			prop.Type = schemaType(def["type"])
			prop.Description, _ = def["description"].(string)
			prop.Default, prop.HasDefault = def["default"]
			prop.Enum, _ = def["enum"].([]any)
		}
		out = append(out, prop)
	}
	return out
}

func schemaType(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}
