package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/iancoleman/strcase"

	"magictunnel/internal/infra/envutil"
)

// TokenStore yields access tokens for OAuth-protected endpoints.
type TokenStore interface {
	Token(ctx context.Context, provider string) (string, error)
}

// EnvTokenStore reads MAGICTUNNEL_OAUTH_<PROVIDER>_TOKEN.
type EnvTokenStore struct{}

func (EnvTokenStore) Token(_ context.Context, provider string) (string, error) {
	name := TokenEnvVar(provider)
	if token, ok := envutil.Lookup(name); ok {
		return token, nil
	}
	return "", fmt.Errorf("no oauth token for provider %q (set %s)", provider, name)
}

// TokenEnvVar names the variable holding a provider's token.
func TokenEnvVar(provider string) string {
	return "MAGICTUNNEL_OAUTH_" + strcase.ToScreamingSnake(provider) + "_TOKEN"
}

// MemoryTokenStore holds tokens set at runtime, falling back to the environment.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (s *MemoryTokenStore) Set(provider, token string) {
	s.mu.Lock()
	s.tokens[provider] = token
	s.mu.Unlock()
}

func (s *MemoryTokenStore) Token(ctx context.Context, provider string) (string, error) {
	s.mu.RLock()
	token, ok := s.tokens[provider]
	s.mu.RUnlock()
	if ok && token != "" {
		return token, nil
	}
	return EnvTokenStore{}.Token(ctx, provider)
}
