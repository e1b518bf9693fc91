// Package schema compiles tool input schemas and validates call arguments against them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"magictunnel/internal/domain"
)

// Check reports whether raw is a valid JSON Schema document. An empty schema is valid.
func Check(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := domain.ValidateSchemaShape(trimmed); err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	return nil
}

// Validator validates arguments and caches resolved schemas by their text.
type Validator struct {
	mu       sync.RWMutex
	resolved map[string]*gschema.Resolved
}

func NewValidator() *Validator {
	return &Validator{resolved: make(map[string]*gschema.Resolved)}
}

// Validate checks args against the schema. Absent arguments validate as an empty object.
func (v *Validator) Validate(raw json.RawMessage, args json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	resolved, err := v.resolve(trimmed)
	if err != nil {
		return err
	}
	instance, err := decodeArguments(args)
	if err != nil {
		return err
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	return nil
}

func (v *Validator) resolve(raw []byte) (*gschema.Resolved, error) {
	key := string(raw)
	v.mu.RLock()
	cached, ok := v.resolved[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var s gschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}

	v.mu.Lock()
	v.resolved[key] = resolved
	v.mu.Unlock()
	return resolved, nil
}

func decodeArguments(args json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var instance any
	if err := json.Unmarshal(trimmed, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: arguments must be an object", domain.ErrInvalidArguments)
	}
	return instance, nil
}

// IsValidationError reports whether err came from argument validation.
func IsValidationError(err error) bool {
	return errors.Is(err, domain.ErrInvalidArguments) || errors.Is(err, domain.ErrInvalidSchema)
}
