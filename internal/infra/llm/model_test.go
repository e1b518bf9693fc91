package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}```"))
	require.Equal(t, `plain`, StripFences("  plain \n"))
}

func TestResolveAPIKey(t *testing.T) {
	key, err := Config{APIKey: " inline "}.ResolveAPIKey()
	require.NoError(t, err)
	require.Equal(t, "inline", key)

	t.Setenv("MAGICTUNNEL_TEST_LLM_KEY", "from-env")
	key, err = Config{APIKeyEnv: "MAGICTUNNEL_TEST_LLM_KEY"}.ResolveAPIKey()
	require.NoError(t, err)
	require.Equal(t, "from-env", key)

	_, err = Config{}.ResolveAPIKey()
	require.Error(t, err)
	_, err = Config{APIKeyEnv: "MAGICTUNNEL_TEST_LLM_MISSING"}.ResolveAPIKey()
	require.Error(t, err)
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), Config{Provider: "parrot", APIKey: "k"})
	require.ErrorContains(t, err, "unsupported chat model provider")

	chat, err := NewChatModel(context.Background(), Config{Provider: "openai", Model: "gpt-4o-mini", APIKey: "k"})
	require.NoError(t, err)
	require.NotNil(t, chat)
}
