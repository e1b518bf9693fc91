package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// UserContext is derived at the trust boundary and immutable thereafter.
type UserContext struct {
	UserID      string
	Roles       []string
	Permissions uint64
	TenantID    string
	AuthMethod  string
	SourceIP    string
}

// NewUserContext deduplicates roles while keeping their first-seen order.
func NewUserContext(userID string, roles []string, permissions uint64) UserContext {
	return UserContext{
		UserID:      userID,
		Roles:       orderedSet(roles),
		Permissions: permissions,
	}
}

// HasRole reports membership in the role set.
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Hash identifies the full context for per-user caches.
func (u UserContext) Hash() string {
	var b strings.Builder
	b.WriteString(u.UserID)
	b.WriteByte(0)
	b.WriteString(u.TenantID)
	b.WriteByte(0)
	b.WriteString(u.roleKey())
	return digest(b.String())
}

// RoleHash identifies the authorization-relevant part only, so users sharing roles share entries.
func (u UserContext) RoleHash() string {
	return digest(u.roleKey())
}

func (u UserContext) roleKey() string {
	var b strings.Builder
	for _, role := range orderedSet(u.Roles) {
		b.WriteString(role)
		b.WriteByte(',')
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(u.Permissions, 16))
	return b.String()
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}

func orderedSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
