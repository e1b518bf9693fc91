package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.\-]*)\s*\}\}`)

// expand replaces {{name}} with the rendered argument. Unknown names render
// empty. escape, when set, is applied to each substituted value.
func expand(template string, values map[string]any, escape func(string) string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := values[name]
		if !ok {
			return ""
		}
		rendered := render(value)
		if escape != nil {
			rendered = escape(rendered)
		}
		return rendered
	})
}

// referenced lists the argument names a template uses.
func referenced(templates ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, template := range templates {
		for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
			out[m[1]] = struct{}{}
		}
	}
	return out
}

func render(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
