package envutil

import (
	"os"
	"sort"
	"strings"
)

// Merge returns base with every key of overrides replaced or appended.
// Overrides are applied in key order so the result is deterministic.
func Merge(base []string, overrides map[string]string) []string {
	out := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = setEnvValue(out, key, overrides[key])
	}
	return out
}

// ProcessEnv is the current environment merged with overrides.
func ProcessEnv(overrides map[string]string) []string {
	return Merge(os.Environ(), overrides)
}

// Lookup reads a variable, treating empty names as unset.
func Lookup(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func envVarValue(env []string, key string) string {
	prefix := key + "="
	value := ""
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			value = strings.TrimPrefix(entry, prefix)
		}
	}
	return value
}

func setEnvValue(env []string, key, value string) []string {
	if key == "" {
		return env
	}
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	out = append(out, prefix+value)
	return out
}
