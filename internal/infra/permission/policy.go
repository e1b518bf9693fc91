package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"magictunnel/internal/domain"
)

const maxPermissions = 64

// Action is the effect of a matching rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// RuleSpec is one allowlist rule as written in a policy file.
type RuleSpec struct {
	Tool                 string   `yaml:"tool" toml:"tool" json:"tool"`
	Action               Action   `yaml:"action" toml:"action" json:"action"`
	Roles                []string `yaml:"roles,omitempty" toml:"roles,omitempty" json:"roles,omitempty"`
	Permissions          []string `yaml:"permissions,omitempty" toml:"permissions,omitempty" json:"permissions,omitempty"`
	ForbiddenPermissions []string `yaml:"forbidden_permissions,omitempty" toml:"forbidden_permissions,omitempty" json:"forbidden_permissions,omitempty"`
}

// RoleSpec grants permissions and tools to a role.
type RoleSpec struct {
	Permissions []string `yaml:"permissions,omitempty" toml:"permissions,omitempty" json:"permissions,omitempty"`
	Tools       []string `yaml:"tools,omitempty" toml:"tools,omitempty" json:"tools,omitempty"`
}

// PolicySpec is the decoded policy file.
type PolicySpec struct {
	EmergencyLockdown bool                `yaml:"emergency_lockdown" toml:"emergency_lockdown" json:"emergency_lockdown"`
	Permissions       []string            `yaml:"permissions,omitempty" toml:"permissions,omitempty" json:"permissions,omitempty"`
	Roles             map[string]RoleSpec `yaml:"roles,omitempty" toml:"roles,omitempty" json:"roles,omitempty"`
	Rules             []RuleSpec          `yaml:"rules,omitempty" toml:"rules,omitempty" json:"rules,omitempty"`
}

// LoadPolicyFile decodes a policy by extension: yaml, toml, json or jsonc.
func LoadPolicyFile(path string) (PolicySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicySpec{}, domain.E(domain.CodeConfig, "permission.load_policy", fmt.Sprintf("read %s", path), err)
	}
	spec, err := DecodePolicy(filepath.Ext(path), data)
	if err != nil {
		return PolicySpec{}, domain.E(domain.CodeConfig, "permission.load_policy", fmt.Sprintf("parse %s: %v", path, err), err)
	}
	return spec, nil
}

// DecodePolicy decodes data in the format named by ext.
func DecodePolicy(ext string, data []byte) (PolicySpec, error) {
	var spec PolicySpec
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return PolicySpec{}, err
		}
	case "toml":
		if err := toml.Unmarshal(data, &spec); err != nil {
			return PolicySpec{}, err
		}
	case "json", "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
			return PolicySpec{}, err
		}
	default:
		return PolicySpec{}, fmt.Errorf("unsupported policy format %q", ext)
	}
	return spec, nil
}

// pattern matches tool names exactly, or by prefix when it ends in '*'.
type pattern struct {
	value  string
	prefix bool
}

func compilePattern(value string) (pattern, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return pattern{}, errors.New("empty tool pattern")
	}
	if strings.HasSuffix(value, "*") {
		head := strings.TrimSuffix(value, "*")
		if strings.Contains(head, "*") {
			return pattern{}, fmt.Errorf("tool pattern %q: '*' is only allowed as a suffix", value)
		}
		return pattern{value: head, prefix: true}, nil
	}
	if strings.Contains(value, "*") {
		return pattern{}, fmt.Errorf("tool pattern %q: '*' is only allowed as a suffix", value)
	}
	return pattern{value: value}, nil
}

func (p pattern) match(name string) bool {
	if p.prefix {
		return strings.HasPrefix(name, p.value)
	}
	return p.value == name
}

type compiledRule struct {
	source  string
	pattern pattern
	roles   map[string]struct{}
}

func (r compiledRule) matches(user domain.UserContext, tool string) bool {
	if !r.pattern.match(tool) {
		return false
	}
	if len(r.roles) == 0 {
		return true
	}
	for _, role := range user.Roles {
		if _, ok := r.roles[role]; ok {
			return true
		}
	}
	return false
}

// maskGroup holds rules sharing one (required, forbidden) mask pair.
type maskGroup struct {
	required  uint64
	forbidden uint64
	rules     []compiledRule
}

func (g maskGroup) applies(perms uint64) bool {
	return perms&g.required == g.required && perms&g.forbidden == 0
}

type compiledRole struct {
	mask  uint64
	tools []pattern
}

// Policy is a compiled, immutable policy.
type Policy struct {
	lockdown bool
	bits     map[string]uint64
	roles    map[string]compiledRole
	deny     []maskGroup
	allow    []maskGroup
}

// Reason explains a decision.
type Reason string

const (
	ReasonLockdown    Reason = "emergency_lockdown"
	ReasonDenyRule    Reason = "deny_rule"
	ReasonAllowRule   Reason = "allow_rule"
	ReasonRoleGrant   Reason = "role_grant"
	ReasonDefaultDeny Reason = "default_deny"
)

// AllowAll returns a policy granting every tool, used when no policy file is configured.
func AllowAll() *Policy {
	policy, _ := Compile(PolicySpec{Rules: []RuleSpec{{Tool: "*", Action: ActionAllow}}})
	return policy
}

// Compile maps permission names to bits and groups rules by mask pair.
func Compile(spec PolicySpec) (*Policy, error) {
	var errs []error
	if len(spec.Permissions) > maxPermissions {
		errs = append(errs, fmt.Errorf("at most %d permissions may be declared, got %d", maxPermissions, len(spec.Permissions)))
	}
	bits := make(map[string]uint64, len(spec.Permissions))
	for i, name := range spec.Permissions {
		if i >= maxPermissions {
			break
		}
		if _, dup := bits[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate permission %q", name))
			continue
		}
		bits[name] = 1 << uint(i)
	}
	maskOf := func(where string, names []string) uint64 {
		var mask uint64
		for _, name := range names {
			bit, ok := bits[name]
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unknown permission %q", where, name))
				continue
			}
			mask |= bit
		}
		return mask
	}

	policy := &Policy{
		lockdown: spec.EmergencyLockdown,
		bits:     bits,
		roles:    make(map[string]compiledRole, len(spec.Roles)),
	}
	for name, role := range spec.Roles {
		compiled := compiledRole{mask: maskOf("role "+name, role.Permissions)}
		for _, tool := range role.Tools {
			p, err := compilePattern(tool)
			if err != nil {
				errs = append(errs, fmt.Errorf("role %s: %w", name, err))
				continue
			}
			compiled.tools = append(compiled.tools, p)
		}
		policy.roles[name] = compiled
	}

	denyGroups := map[[2]uint64]int{}
	allowGroups := map[[2]uint64]int{}
	for i, rule := range spec.Rules {
		where := fmt.Sprintf("rule %d (%s)", i, rule.Tool)
		p, err := compilePattern(rule.Tool)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
			continue
		}
		compiled := compiledRule{source: rule.Tool, pattern: p}
		if len(rule.Roles) > 0 {
			compiled.roles = make(map[string]struct{}, len(rule.Roles))
			for _, role := range rule.Roles {
				compiled.roles[role] = struct{}{}
			}
		}
		key := [2]uint64{maskOf(where, rule.Permissions), maskOf(where, rule.ForbiddenPermissions)}
		switch Action(strings.ToLower(string(rule.Action))) {
		case ActionDeny:
			policy.deny = addToGroup(policy.deny, denyGroups, key, compiled)
		case ActionAllow:
			policy.allow = addToGroup(policy.allow, allowGroups, key, compiled)
		default:
			errs = append(errs, fmt.Errorf("%s: action must be allow or deny, got %q", where, rule.Action))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, domain.E(domain.CodeConfig, "permission.compile", err.Error(), err)
	}
	return policy, nil
}

func addToGroup(groups []maskGroup, index map[[2]uint64]int, key [2]uint64, rule compiledRule) []maskGroup {
	if pos, ok := index[key]; ok {
		groups[pos].rules = append(groups[pos].rules, rule)
		return groups
	}
	index[key] = len(groups)
	return append(groups, maskGroup{required: key[0], forbidden: key[1], rules: []compiledRule{rule}})
}

// Lockdown reports whether the policy denies everything.
func (p *Policy) Lockdown() bool {
	return p.lockdown
}

// PermissionBits maps names to bits; unknown names are ignored.
func (p *Policy) PermissionBits(names []string) uint64 {
	var mask uint64
	for _, name := range names {
		mask |= p.bits[name]
	}
	return mask
}

// PermissionNames lists the declared permission names in bit order.
func (p *Policy) PermissionNames() []string {
	out := make([]string, 0, len(p.bits))
	for name := range p.bits {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return p.bits[out[i]] < p.bits[out[j]] })
	return out
}

// Effective ORs the masks of the user's roles into the user's permissions.
func (p *Policy) Effective(user domain.UserContext) domain.UserContext {
	perms := user.Permissions
	for _, role := range user.Roles {
		perms |= p.roles[role].mask
	}
	user.Permissions = perms
	return user
}

// Evaluate decides one (user, tool) pair. The user must already be Effective.
func (p *Policy) Evaluate(user domain.UserContext, tool string) (bool, Reason) {
	if p.lockdown {
		return false, ReasonLockdown
	}
	if scanGroups(p.deny, user, tool) {
		return false, ReasonDenyRule
	}
	if scanGroups(p.allow, user, tool) {
		return true, ReasonAllowRule
	}
	for _, role := range user.Roles {
		compiled, ok := p.roles[role]
		if !ok {
			continue
		}
		for _, pat := range compiled.tools {
			if pat.match(tool) {
				return true, ReasonRoleGrant
			}
		}
	}
	return false, ReasonDefaultDeny
}

func scanGroups(groups []maskGroup, user domain.UserContext, tool string) bool {
	for _, group := range groups {
		if !group.applies(user.Permissions) {
			continue
		}
		for _, rule := range group.rules {
			if rule.matches(user, tool) {
				return true
			}
		}
	}
	return false
}
