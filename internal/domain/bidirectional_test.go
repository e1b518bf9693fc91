package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrategyPlan(t *testing.T) {
	hybrid := DefaultHybridRouting()

	handlers, parallel := StrategyClientFirst.Plan(RequestSampling, hybrid)
	require.Equal(t, []Handler{HandlerClient, HandlerLocal}, handlers)
	require.False(t, parallel)

	handlers, parallel = StrategyParallel.Plan(RequestSampling, hybrid)
	require.Len(t, handlers, 2)
	require.True(t, parallel)

	handlers, _ = StrategyHybrid.Plan(RequestSampling, hybrid)
	require.Equal(t, []Handler{HandlerLocal}, handlers)
	handlers, _ = StrategyHybrid.Plan(RequestElicitation, hybrid)
	require.Equal(t, []Handler{HandlerClient}, handlers)
}

func TestStrategyRequirements(t *testing.T) {
	hybrid := DefaultHybridRouting()
	require.True(t, StrategyMagictunnelHandled.RequiresLLMConfig(RequestSampling, hybrid))
	require.False(t, StrategyMagictunnelHandled.RequiresClientForwarding(RequestSampling, hybrid))
	require.False(t, StrategyClientForwarded.RequiresLLMConfig(RequestSampling, hybrid))
	require.True(t, StrategyClientForwarded.RequiresClientForwarding(RequestSampling, hybrid))
	require.False(t, StrategyHybrid.RequiresLLMConfig(RequestElicitation, hybrid))
}

func TestParseStrategy(t *testing.T) {
	for input, want := range map[string]Strategy{
		"ClientFirst":         StrategyClientFirst,
		"client_first":        StrategyClientFirst,
		"MagictunnelHandled":  StrategyMagictunnelHandled,
		"magictunnel_first":   StrategyMagictunnelFirst,
		" parallel ":          StrategyParallel,
		"Hybrid":              StrategyHybrid,
		"client_forwarded":    StrategyClientForwarded,
	} {
		got, err := ParseStrategy(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	_, err := ParseStrategy("random")
	require.Error(t, err)
}

func TestUserContextHashes(t *testing.T) {
	alice := NewUserContext("alice", []string{"user", "user", "ops"}, 0b101)
	require.Equal(t, []string{"user", "ops"}, alice.Roles)

	bob := NewUserContext("bob", []string{"user", "ops"}, 0b101)
	require.NotEqual(t, alice.Hash(), bob.Hash())
	require.Equal(t, alice.RoleHash(), bob.RoleHash())
}
