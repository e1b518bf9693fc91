package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RoutingKind tags the backend variant of a tool.
type RoutingKind string

const (
	RoutingLocal    RoutingKind = "local"
	RoutingHTTP     RoutingKind = "http"
	RoutingDatabase RoutingKind = "database"
	RoutingUpstream RoutingKind = "external"
	RoutingEcho     RoutingKind = "echo"
)

// ParseRoutingKind accepts the file names of each variant; "upstream" is an alias of "external".
func ParseRoutingKind(value string) (RoutingKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "local", "command":
		return RoutingLocal, nil
	case "http":
		return RoutingHTTP, nil
	case "database", "db":
		return RoutingDatabase, nil
	case "external", "upstream":
		return RoutingUpstream, nil
	case "echo":
		return RoutingEcho, nil
	default:
		return "", fmt.Errorf("unknown routing type %q", value)
	}
}

// Routing keeps the raw type-specific config so files round-trip unchanged.
// Typed views are decoded on demand.
type Routing struct {
	Kind   RoutingKind
	Config map[string]any
}

// LocalRouting spawns a subprocess.
type LocalRouting struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	TimeoutSecs int               `json:"timeout_secs,omitempty"`
}

// AuthType selects HTTP authentication.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apikey"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
)

// HTTPAuth configures request authentication. *Env fields name environment variables.
type HTTPAuth struct {
	Type        AuthType `json:"type"`
	Token       string   `json:"token,omitempty"`
	TokenEnv    string   `json:"token_env,omitempty"`
	Header      string   `json:"header,omitempty"`
	Key         string   `json:"key,omitempty"`
	KeyEnv      string   `json:"key_env,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	PasswordEnv string   `json:"password_env,omitempty"`
	Provider    string   `json:"provider,omitempty"`
}

// StreamingMode marks how a streaming HTTP endpoint is consumed.
type StreamingMode string

const (
	StreamingNone          StreamingMode = ""
	StreamingServer        StreamingMode = "server"
	StreamingBidirectional StreamingMode = "bidirectional"
	StreamingClient        StreamingMode = "client"
)

// HTTPRouting calls an HTTP endpoint.
type HTTPRouting struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Auth        *HTTPAuth         `json:"auth,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	TimeoutSecs int               `json:"timeout_secs,omitempty"`
	Streaming   StreamingMode     `json:"streaming,omitempty"`
}

// DatabaseRouting runs a parameterized query.
type DatabaseRouting struct {
	Driver        string `json:"driver,omitempty"`
	Connection    string `json:"connection"`
	QueryTemplate string `json:"query_template"`
	TimeoutSecs   int    `json:"timeout_secs,omitempty"`
}

// UpstreamRouting forwards to a tool on an upstream session.
type UpstreamRouting struct {
	ServerID   string `json:"server_id"`
	RemoteName string `json:"remote_name"`
}

// EchoRouting returns a templated response.
type EchoRouting struct {
	Response string `json:"response"`
}

// NewRouting builds a routing value from a typed config.
func NewRouting(kind RoutingKind, cfg any) (Routing, error) {
	if cfg == nil {
		return Routing{Kind: kind}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return Routing{}, fmt.Errorf("encode routing config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return Routing{}, fmt.Errorf("decode routing config: %w", err)
	}
	return Routing{Kind: kind, Config: out}, nil
}

// UpstreamRoute builds an upstream routing for a remote tool.
func UpstreamRoute(serverID, remoteName string) Routing {
	return Routing{
		Kind: RoutingUpstream,
		Config: map[string]any{
			"server_id":   serverID,
			"remote_name": remoteName,
		},
	}
}

func (r Routing) decode(target any) error {
	raw, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("encode %s routing: %w", r.Kind, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s routing: %w", r.Kind, err)
	}
	return nil
}

func (r Routing) Local() (LocalRouting, error) {
	var cfg LocalRouting
	err := r.decode(&cfg)
	return cfg, err
}

func (r Routing) HTTP() (HTTPRouting, error) {
	var cfg HTTPRouting
	err := r.decode(&cfg)
	return cfg, err
}

func (r Routing) Database() (DatabaseRouting, error) {
	var cfg DatabaseRouting
	err := r.decode(&cfg)
	return cfg, err
}

func (r Routing) Upstream() (UpstreamRouting, error) {
	var cfg UpstreamRouting
	err := r.decode(&cfg)
	return cfg, err
}

func (r Routing) Echo() (EchoRouting, error) {
	var cfg EchoRouting
	err := r.decode(&cfg)
	return cfg, err
}

// Validate decodes the typed view and checks required fields.
func (r Routing) Validate() error {
	switch r.Kind {
	case RoutingLocal:
		cfg, err := r.Local()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return errors.New("local routing requires command")
		}
	case RoutingHTTP:
		cfg, err := r.HTTP()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.URL) == "" {
			return errors.New("http routing requires url")
		}
		switch cfg.Streaming {
		case StreamingNone, StreamingServer, StreamingBidirectional:
		case StreamingClient:
			return errors.New("http routing: client streaming is not supported")
		default:
			return fmt.Errorf("http routing: unknown streaming mode %q", cfg.Streaming)
		}
		if cfg.Auth != nil {
			switch cfg.Auth.Type {
			case "", AuthNone, AuthBearer, AuthAPIKey, AuthBasic, AuthOAuth:
			default:
				return fmt.Errorf("http routing: unknown auth type %q", cfg.Auth.Type)
			}
		}
	case RoutingDatabase:
		cfg, err := r.Database()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Connection) == "" || strings.TrimSpace(cfg.QueryTemplate) == "" {
			return errors.New("database routing requires connection and query_template")
		}
	case RoutingUpstream:
		cfg, err := r.Upstream()
		if err != nil {
			return err
		}
		if cfg.ServerID == "" {
			return errors.New("external routing requires server_id")
		}
	case RoutingEcho:
		if _, err := r.Echo(); err != nil {
			return err
		}
	case "":
		return errors.New("routing type is required")
	default:
		return fmt.Errorf("unknown routing type %q", r.Kind)
	}
	return nil
}

// Timeout returns the per-call timeout configured on the variant, or zero.
func (r Routing) Timeout() time.Duration {
	var probe struct {
		TimeoutSecs int `json:"timeout_secs"`
	}
	if r.Config == nil || r.decode(&probe) != nil || probe.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(probe.TimeoutSecs) * time.Second
}

// Clone deep-copies the raw config.
func (r Routing) Clone() Routing {
	return Routing{Kind: r.Kind, Config: cloneAnyMap(r.Config)}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneAnyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}
