package envutil

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExpandYAML expands ${VAR} and ${VAR:-default} in string scalars of a YAML document.
// Unset variables without a default are reported in missing.
func ExpandYAML(raw []byte) (expanded []byte, missing []string, err error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return raw, nil, nil
	}

	unset := make(map[string]struct{})
	ExpandNode(&root, unset)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return nil, nil, fmt.Errorf("encode expanded yaml: %w", err)
	}
	return out, missingList(unset), nil
}

// ExpandNode expands a parsed node tree in place.
func ExpandNode(node *yaml.Node, missing map[string]struct{}) {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			ExpandNode(child, missing)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			ExpandNode(node.Content[i+1], missing)
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			ExpandNode(child, missing)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			ExpandNode(node.Alias, missing)
		}
	case yaml.ScalarNode:
		expandScalar(node, missing)
	}
}

// Expand expands a single string.
func Expand(value string, missing map[string]struct{}) string {
	return os.Expand(value, func(key string) string {
		name, fallback, hasDefault := strings.Cut(key, ":-")
		if val, ok := os.LookupEnv(name); ok && (val != "" || !hasDefault) {
			return val
		}
		if hasDefault {
			return fallback
		}
		if missing != nil {
			missing[name] = struct{}{}
		}
		return ""
	})
}

func expandScalar(node *yaml.Node, missing map[string]struct{}) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}

	expanded := Expand(node.Value, missing)
	if expanded == node.Value {
		return
	}

	if node.Style != 0 {
		node.Tag = "!!str"
		node.Value = expanded
		return
	}

	tag, value := coerceExpandedScalar(expanded)
	node.Tag = tag
	node.Value = value
}

func missingList(missing map[string]struct{}) []string {
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func coerceExpandedScalar(value string) (string, string) {
	if strings.TrimSpace(value) == "" {
		return "!!str", value
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return "!!str", value
	}

	switch v := parsed.(type) {
	case nil:
		return "!!null", "null"
	case bool:
		return "!!bool", strconv.FormatBool(v)
	case int:
		return "!!int", strconv.Itoa(v)
	case float64:
		return "!!float", strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "!!str", value
	}
}
