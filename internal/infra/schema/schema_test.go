package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"magictunnel/internal/domain"
)

const urlSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "retries": {"type": "integer", "minimum": 0}
  },
  "required": ["url"]
}`

func TestCheck(t *testing.T) {
	require.NoError(t, Check(json.RawMessage(urlSchema)))
	require.NoError(t, Check(nil))
	require.ErrorIs(t, Check(json.RawMessage(`{"type":"object","properties":{"a":{"type":"nonsense"}}}`)), domain.ErrInvalidSchema)
	require.ErrorIs(t, Check(json.RawMessage(`{"type":"array"}`)), domain.ErrInvalidSchema)
}

func TestValidatorValidate(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(urlSchema)

	require.NoError(t, v.Validate(schema, json.RawMessage(`{"url":"https://api.example.com"}`)))
	require.ErrorIs(t, v.Validate(schema, json.RawMessage(`{}`)), domain.ErrInvalidArguments)
	require.ErrorIs(t, v.Validate(schema, json.RawMessage(`{"url":"x","retries":-1}`)), domain.ErrInvalidArguments)
	require.ErrorIs(t, v.Validate(schema, json.RawMessage(`[1]`)), domain.ErrInvalidArguments)

	// cached path
	require.NoError(t, v.Validate(schema, json.RawMessage(`{"url":"x","retries":2}`)))
}

func TestValidatorEmptySchemaAcceptsAnything(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(nil, json.RawMessage(`{"anything":true}`)))
}
