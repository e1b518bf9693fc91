package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/llm"
)

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	hostPattern   = regexp.MustCompile(`(?:^|[^@\w.\-])((?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,}|\d{1,3}(?:\.\d{1,3}){3})(?::\d+)?`)
	pathPattern   = regexp.MustCompile(`(?:~|\.{1,2})?/[\w.\-/]+|\b[\w\-]+\.(?:json|ya?ml|toml|txt|md|csv|log|go|py|js|ts|sql|sh)\b`)
	numberPattern = regexp.MustCompile(`-?\b\d+(?:\.\d+)?\b`)
	quotedPattern = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	pairPattern   = regexp.MustCompile(`([A-Za-z_][\w\-]*)\s*(?:=|:)\s*("[^"]*"|'[^']*'|[^\s,;]+)`)
)

var textFieldNames = map[string]struct{}{
	"query": {}, "q": {}, "text": {}, "message": {}, "prompt": {}, "input": {}, "search": {}, "content": {},
}

// extraction holds values found in a request, consumed in order.
type extraction struct {
	pairs   map[string]string
	urls    []string
	emails  []string
	hosts   []string
	paths   []string
	numbers []string
	quoted  []string
	text    string
}

func extract(request string) *extraction {
	ex := &extraction{pairs: map[string]string{}, text: request}
	for _, m := range pairPattern.FindAllStringSubmatch(request, -1) {
		key := strings.ToLower(m[1])
		if key == "http" || key == "https" {
			continue
		}
		ex.pairs[key] = strings.Trim(m[2], `"'`)
	}
	ex.urls = urlPattern.FindAllString(request, -1)
	ex.emails = emailPattern.FindAllString(request, -1)
	withoutURLs := urlPattern.ReplaceAllString(request, " ")
	withoutEmails := emailPattern.ReplaceAllString(withoutURLs, " ")
	for _, m := range hostPattern.FindAllStringSubmatch(withoutEmails, -1) {
		if looksLikeFile(m[1]) {
			continue
		}
		ex.hosts = append(ex.hosts, m[1])
	}
	ex.paths = pathPattern.FindAllString(withoutEmails, -1)
	ex.numbers = numberPattern.FindAllString(hostPattern.ReplaceAllString(withoutEmails, " "), -1)
	for _, m := range quotedPattern.FindAllStringSubmatch(request, -1) {
		if m[1] != "" {
			ex.quoted = append(ex.quoted, m[1])
		} else {
			ex.quoted = append(ex.quoted, m[2])
		}
	}
	return ex
}

func looksLikeFile(value string) bool {
	dot := strings.LastIndexByte(value, '.')
	if dot < 0 {
		return false
	}
	switch strings.ToLower(value[dot+1:]) {
	case "json", "yaml", "yml", "toml", "txt", "md", "csv", "log", "go", "py", "js", "ts", "sql", "sh":
		return true
	}
	return false
}

func shift(values *[]string) (string, bool) {
	if len(*values) == 0 {
		return "", false
	}
	v := (*values)[0]
	*values = (*values)[1:]
	return v, true
}

// mapRule fills schema properties from values found in the request.
func mapRule(tool domain.Tool, request string) map[string]any {
	ex := extract(request)
	out := map[string]any{}
	for _, prop := range domain.SchemaPropertyList(tool.InputSchema) {
		if value, ok := ruleValue(prop, ex); ok {
			out[prop.Name] = value
		}
	}
	return out
}

func ruleValue(prop domain.SchemaProperty, ex *extraction) (any, bool) {
	name := strings.ToLower(prop.Name)
	if raw, ok := ex.pairs[name]; ok {
		return coerce(prop, raw)
	}
	if len(prop.Enum) > 0 {
		lower := strings.ToLower(ex.text)
		for _, option := range prop.Enum {
			if s, ok := option.(string); ok && strings.Contains(lower, strings.ToLower(s)) {
				return s, true
			}
		}
		return nil, false
	}
	switch prop.Type {
	case "integer", "number":
		if raw, ok := shift(&ex.numbers); ok {
			return coerce(prop, raw)
		}
		return nil, false
	case "boolean", "array", "object":
		return nil, false
	}
	switch {
	case containsAny(name, "url", "uri", "endpoint", "link"):
		if v, ok := shift(&ex.urls); ok {
			return v, true
		}
		if host, ok := shift(&ex.hosts); ok {
			return "https://" + host, true
		}
	case containsAny(name, "email", "mail"):
		if v, ok := shift(&ex.emails); ok {
			return v, true
		}
	case containsAny(name, "host", "domain", "target", "address", "server"):
		if host, ok := shift(&ex.hosts); ok {
			return host, true
		}
		if raw, ok := shift(&ex.urls); ok {
			if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
				return parsed.Host, true
			}
		}
	case containsAny(name, "path", "file", "dir", "folder"):
		if v, ok := shift(&ex.paths); ok {
			return v, true
		}
	}
	if v, ok := shift(&ex.quoted); ok {
		return v, true
	}
	if _, ok := textFieldNames[name]; ok && strings.TrimSpace(ex.text) != "" {
		return strings.TrimSpace(ex.text), true
	}
	return nil, false
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

func coerce(prop domain.SchemaProperty, raw string) (any, bool) {
	switch prop.Type {
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil {
				return nil, false
			}
			return int64(f), true
		}
		return n, true
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return raw, true
	}
}

// applyDefaults fills missing properties from schema defaults.
func applyDefaults(tool domain.Tool, args map[string]any) {
	for _, prop := range domain.SchemaPropertyList(tool.InputSchema) {
		if _, ok := args[prop.Name]; !ok && prop.HasDefault {
			args[prop.Name] = prop.Default
		}
	}
}

func missingRequired(tool domain.Tool, args map[string]any) []string {
	var missing []string
	for _, prop := range domain.SchemaPropertyList(tool.InputSchema) {
		if _, ok := args[prop.Name]; prop.Required && !ok {
			missing = append(missing, prop.Name)
		}
	}
	return missing
}

// ParameterMapper produces arguments for a tool from a request with a model.
type ParameterMapper interface {
	MapParameters(ctx context.Context, tool domain.Tool, request, context string) (map[string]any, error)
}

// LLMMapper asks a chat model for an argument object.
type LLMMapper struct {
	model model.ToolCallingChatModel
}

func NewLLMMapper(chatModel model.ToolCallingChatModel) *LLMMapper {
	return &LLMMapper{model: chatModel}
}

func (m *LLMMapper) MapParameters(ctx context.Context, tool domain.Tool, request, extra string) (map[string]any, error) {
	messages := []*schema.Message{
		schema.SystemMessage(parameterSystemPrompt),
		schema.UserMessage(buildParameterPrompt(tool, request, extra)),
	}
	response, err := m.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("LLM generate: %w", err)
	}
	if response == nil {
		return nil, fmt.Errorf("LLM response is nil")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(llm.StripFences(response.Content)), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	return args, nil
}

func buildParameterPrompt(tool domain.Tool, request, extra string) string {
	var sb strings.Builder
	sb.WriteString("Tool: ")
	sb.WriteString(tool.Name)
	if tool.Description != "" {
		sb.WriteString("\nDescription: ")
		sb.WriteString(tool.Description)
	}
	sb.WriteString("\nInput schema: ")
	if len(tool.InputSchema) > 0 {
		sb.Write(tool.InputSchema)
	} else {
		sb.WriteString(`{"type":"object"}`)
	}
	sb.WriteString("\n\nUser request: ")
	sb.WriteString(request)
	if strings.TrimSpace(extra) != "" {
		sb.WriteString("\nContext: ")
		sb.WriteString(extra)
	}
	sb.WriteString("\n\nReturn only the JSON arguments object.")
	return sb.String()
}

const parameterSystemPrompt = `You extract tool call arguments from a user request.

Output only a JSON object that conforms to the given input schema. Do not include any extra text or formatting.
Omit properties the request does not determine. Never invent credentials or identifiers.`
