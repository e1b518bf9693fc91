package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/envutil"
)

const (
	httpOp          = "router.http"
	maxResponseBody = 16 << 20
	contentJSON     = "application/json"
	contentForm     = "application/x-www-form-urlencoded"
)

type httpBackend struct {
	client *http.Client
	tokens TokenStore
}

func (b httpBackend) call(ctx context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error) {
	cfg, err := tool.Routing.HTTP()
	if err != nil {
		return domain.ToolResult{}, configError(httpOp, "%v", err)
	}
	req, err := buildRequest(ctx, cfg, args.values)
	if err != nil {
		return domain.ToolResult{}, err
	}
	if err := b.authorize(ctx, req, cfg.Auth); err != nil {
		return domain.ToolResult{}, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := contextFailure(ctx, httpOp, err); ctxErr != nil {
			return domain.ToolResult{}, ctxErr
		}
		return domain.ToolResult{}, unavailable(httpOp, "request "+req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctxErr := contextFailure(ctx, httpOp, err); ctxErr != nil {
			return domain.ToolResult{}, ctxErr
		}
		return domain.ToolResult{}, unavailable(httpOp, "read response", err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return domain.ToolResult{}, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	data, err := decodeBody(mediaType, body, cfg.Streaming)
	if err != nil {
		return domain.ToolResult{}, domain.E(domain.CodeProtocol, httpOp, "decode response body", err)
	}
	return domain.ToolResult{
		Success: true,
		Data:    data,
		Metadata: map[string]string{
			"status":       strconv.Itoa(resp.StatusCode),
			"content_type": mediaType,
		},
	}, nil
}

// buildRequest expands the URL and headers. Arguments not used by the URL
// template go in the body, or in the query string for bodiless methods.
func buildRequest(ctx context.Context, cfg domain.HTTPRouting, values map[string]any) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(expand(cfg.URL, values, url.PathEscape))
	if err != nil {
		return nil, invalidInput(httpOp, "invalid url", err)
	}
	used := referenced(cfg.URL)
	rest := make(map[string]any, len(values))
	for key, value := range values {
		if _, ok := used[key]; !ok {
			rest[key] = value
		}
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = contentJSON
	}
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		if len(rest) > 0 {
			query := target.Query()
			for key, value := range rest {
				query.Set(key, render(value))
			}
			target.RawQuery = query.Encode()
		}
		contentType = ""
	default:
		switch {
		case strings.HasPrefix(contentType, contentForm):
			form := url.Values{}
			for key, value := range rest {
				form.Set(key, render(value))
			}
			body = strings.NewReader(form.Encode())
		default:
			raw, err := json.Marshal(rest)
			if err != nil {
				return nil, invalidInput(httpOp, "encode body", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, invalidInput(httpOp, "build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, expand(value, values, nil))
	}
	if cfg.Streaming != domain.StreamingNone && req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	}
	return req, nil
}

func (b httpBackend) authorize(ctx context.Context, req *http.Request, auth *domain.HTTPAuth) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "", domain.AuthNone:
		return nil
	case domain.AuthBearer:
		token, err := secret(auth.Token, auth.TokenEnv, "bearer token")
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case domain.AuthAPIKey:
		key, err := secret(auth.Key, auth.KeyEnv, "api key")
		if err != nil {
			return err
		}
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, key)
	case domain.AuthBasic:
		password, err := secret(auth.Password, auth.PasswordEnv, "basic auth password")
		if err != nil {
			return err
		}
		req.SetBasicAuth(auth.Username, password)
	case domain.AuthOAuth:
		token, err := b.tokens.Token(ctx, auth.Provider)
		if err != nil {
			return policyDenied(httpOp, "oauth token unavailable", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return configError(httpOp, "unknown auth type %q", auth.Type)
	}
	return nil
}

func secret(inline, envName, label string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if value, ok := envutil.Lookup(envName); ok {
		return value, nil
	}
	if envName != "" {
		return "", configError(httpOp, "%s env var %s is not set", label, envName)
	}
	return "", configError(httpOp, "%s is not configured", label)
}

// statusError maps a non-2xx status onto the failure model.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	message := fmt.Sprintf("HTTP %d", status)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		message += ": " + snippet
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return unavailable(httpOp, message, nil).WithMeta("code", strconv.Itoa(status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return policyDenied(httpOp, message, domain.ErrPermissionDenied)
	case status >= 500:
		return upstreamFailure(httpOp, status, message, true)
	case status >= 400:
		return invalidInput(httpOp, message, nil)
	default:
		return upstreamFailure(httpOp, status, message, false)
	}
}

// decodeBody returns JSON as is and wraps anything else as text. Streamed
// event and NDJSON bodies become an array of their events.
func decodeBody(mediaType string, body []byte, streaming domain.StreamingMode) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	switch {
	case mediaType == "text/event-stream":
		return collectEvents(trimmed, "data:")
	case mediaType == "application/x-ndjson" || (streaming != domain.StreamingNone && mediaType == "application/jsonl"):
		return collectEvents(trimmed, "")
	case mediaType == contentJSON || strings.HasSuffix(mediaType, "+json"):
		if len(trimmed) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid JSON body")
		}
		return append(json.RawMessage(nil), trimmed...), nil
	default:
		if len(trimmed) > 0 && json.Valid(trimmed) && (trimmed[0] == '{' || trimmed[0] == '[') {
			return append(json.RawMessage(nil), trimmed...), nil
		}
		return textResult(string(body)), nil
	}
}

func collectEvents(body []byte, prefix string) (json.RawMessage, error) {
	events := []json.RawMessage{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if prefix != "" {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
		if line == "" || line == "[DONE]" {
			continue
		}
		if json.Valid([]byte(line)) {
			events = append(events, json.RawMessage(line))
		} else {
			raw, _ := json.Marshal(line)
			events = append(events, raw)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(events)
}
