package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoTool(name, response string) Tool {
	return Tool{
		Name:        name,
		Description: "echo " + name,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Routing:     Routing{Kind: RoutingEcho, Config: map[string]any{"response": response}},
		Enabled:     true,
	}
}

func TestDiffSnapshots(t *testing.T) {
	prev := NewSnapshot(1, time.Now(), []Tool{
		echoTool("alpha", "a"),
		echoTool("beta", "b"),
		echoTool("gamma", "c"),
	})
	changed := echoTool("beta", "b2")
	next := NewSnapshot(2, time.Now(), []Tool{
		echoTool("alpha", "a"),
		changed,
		echoTool("delta", "d"),
	})

	diff := DiffSnapshots(prev, next)

	require.Equal(t, uint64(2), diff.Version)
	require.Equal(t, []string{"delta"}, diff.Added)
	require.Equal(t, []string{"gamma"}, diff.Removed)
	require.Equal(t, []string{"beta"}, diff.Modified)
	require.ElementsMatch(t, []string{"gamma", "beta"}, diff.Affected())
	require.False(t, diff.IsEmpty())
}

func TestDiffSnapshots_Identical(t *testing.T) {
	tools := []Tool{echoTool("alpha", "a")}
	diff := DiffSnapshots(NewSnapshot(1, time.Now(), tools), NewSnapshot(2, time.Now(), tools))
	require.True(t, diff.IsEmpty())
}

func TestSnapshotNamesSortedAndCopied(t *testing.T) {
	snap := NewSnapshot(1, time.Now(), []Tool{echoTool("b", ""), echoTool("a", "")})
	names := snap.Names()
	require.Equal(t, []string{"a", "b"}, names)

	names[0] = "mutated"
	require.Equal(t, []string{"a", "b"}, snap.Names())
}

func TestValidateToolName(t *testing.T) {
	for _, name := range []string{"deploy", "_x", "local:deploy", "srv-1:tool_2"} {
		require.NoError(t, ValidateToolName(name), name)
	}
	for _, name := range []string{"", "1abc", "has space", "dot.name"} {
		require.ErrorIs(t, ValidateToolName(name), ErrInvalidToolName, name)
	}
}

func TestToolValidate_SchemaShape(t *testing.T) {
	tool := echoTool("ok", "x")
	require.NoError(t, tool.Validate())

	tool.InputSchema = json.RawMessage(`{"type":"string"}`)
	require.ErrorIs(t, tool.Validate(), ErrInvalidSchema)

	tool.InputSchema = json.RawMessage(`[1,2]`)
	require.ErrorIs(t, tool.Validate(), ErrInvalidSchema)
}

func TestRoutingValidate_ClientStreamingRejected(t *testing.T) {
	routing, err := NewRouting(RoutingHTTP, HTTPRouting{URL: "http://x", Streaming: StreamingClient})
	require.NoError(t, err)
	require.ErrorContains(t, routing.Validate(), "client streaming")

	routing, err = NewRouting(RoutingHTTP, HTTPRouting{URL: "http://x", Streaming: StreamingServer})
	require.NoError(t, err)
	require.NoError(t, routing.Validate())
}

func TestParseRoutingKind_Aliases(t *testing.T) {
	kind, err := ParseRoutingKind("upstream")
	require.NoError(t, err)
	require.Equal(t, RoutingUpstream, kind)

	_, err = ParseRoutingKind("grpc")
	require.Error(t, err)
}

func TestSchemaPropertyList(t *testing.T) {
	props := SchemaPropertyList(json.RawMessage(`{
		"type":"object",
		"properties":{
			"url":{"type":"string","description":"target"},
			"count":{"type":["integer","null"],"default":3}
		},
		"required":["url"]
	}`))
	require.Len(t, props, 2)
	require.Equal(t, "count", props[0].Name)
	require.Equal(t, "integer", props[0].Type)
	require.True(t, props[0].HasDefault)
	require.Equal(t, "url", props[1].Name)
	require.True(t, props[1].Required)
}
