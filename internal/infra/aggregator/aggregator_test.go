package aggregator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

func localTool(t *testing.T, name, output string) domain.Tool {
	t.Helper()
	routing, err := domain.NewRouting(domain.RoutingLocal, domain.LocalRouting{Command: "echo", Args: []string{output}})
	require.NoError(t, err)
	return domain.Tool{Name: name, Description: "local " + name, Routing: routing, Enabled: true}
}

func remoteTool(serverID, name string) domain.Tool {
	return domain.Tool{Name: name, Description: serverID + " " + name, Routing: domain.UpstreamRoute(serverID, name), Enabled: true}
}

func names(entries []domain.AggregatedEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ResolvedName)
	}
	return out
}

func TestAggregatePrefixRenamesBothSides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.ConflictPrefix
	agg := New(cfg, zap.NewNop())

	entries, err := agg.Aggregate(Input{
		Local:    []domain.Tool{localTool(t, "deploy", "L")},
		Upstream: map[string][]domain.Tool{"srv1": {remoteTool("srv1", "deploy")}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"local:deploy", "srv1:deploy"}, names(entries))

	wantAnnotations := map[string]string{
		domain.AnnotationConflictResolved: "true",
		domain.AnnotationOriginalName:     "deploy",
	}
	for _, entry := range entries {
		require.True(t, entry.ConflictResolved)
		require.Equal(t, "deploy", entry.OriginalName)
		require.Equal(t, entry.ResolvedName, entry.Tool.Name)
		if diff := cmp.Diff(wantAnnotations, entry.Tool.Annotations); diff != "" {
			t.Fatalf("annotations mismatch (-want +got):\n%s", diff)
		}
	}

	upstream, err := entries[1].Tool.Routing.Upstream()
	require.NoError(t, err)
	require.Equal(t, "deploy", upstream.RemoteName)
}

func TestAggregatePrefixLeavesUniqueNamesAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.ConflictPrefix
	cfg.ProxyPrefixFormat = "proxy_{server}"
	cfg.IncludeConflictMetadata = false
	agg := New(cfg, zap.NewNop())

	entries, err := agg.Aggregate(Input{
		Local: []domain.Tool{localTool(t, "deploy", "L"), localTool(t, "status", "S")},
		Upstream: map[string][]domain.Tool{
			"b": {remoteTool("b", "deploy"), remoteTool("b", "logs")},
			"a": {remoteTool("a", "deploy")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"local:deploy", "proxy_a:deploy", "proxy_b:deploy", "status", "logs"}, names(entries))
	require.Nil(t, entries[0].Tool.Annotations)
	require.False(t, entries[3].ConflictResolved)
}

func TestAggregateKeepStrategies(t *testing.T) {
	input := func() Input {
		return Input{
			Local: []domain.Tool{localTool(t, "deploy", "L")},
			Upstream: map[string][]domain.Tool{
				"srv2": {remoteTool("srv2", "deploy")},
				"srv1": {remoteTool("srv1", "deploy"), remoteTool("srv1", "logs")},
			},
		}
	}
	cases := []struct {
		strategy domain.ConflictStrategy
		want     domain.Source
	}{
		{domain.ConflictLocalFirst, domain.LocalSource()},
		{domain.ConflictRemoteFirst, domain.UpstreamSource("srv1")},
		{domain.ConflictFirstFound, domain.LocalSource()},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			agg := New(Config{Strategy: tc.strategy, LogConflicts: true}, zap.NewNop())
			entries, err := agg.Aggregate(input())
			require.NoError(t, err)
			require.Equal(t, []string{"deploy", "logs"}, names(entries))
			require.Equal(t, tc.want, entries[0].Source)
			require.False(t, entries[0].ConflictResolved)
		})
	}
}

func TestAggregateRemoteFirstWithoutRemoteKeepsLocal(t *testing.T) {
	agg := New(Config{Strategy: domain.ConflictRemoteFirst}, zap.NewNop())
	entries, err := agg.Aggregate(Input{Local: []domain.Tool{localTool(t, "deploy", "L")}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.LocalSource(), entries[0].Source)
}

func TestAggregateRejectListsSources(t *testing.T) {
	agg := New(Config{Strategy: domain.ConflictReject}, zap.NewNop())
	_, err := agg.Aggregate(Input{
		Local:    []domain.Tool{localTool(t, "deploy", "L")},
		Upstream: map[string][]domain.Tool{"srv1": {remoteTool("srv1", "deploy")}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrDuplicateTool)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeRegistry, code)
	require.Contains(t, err.Error(), "deploy (local, upstream:srv1)")
}

func TestAggregateIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.ConflictPrefix
	agg := New(cfg, zap.NewNop())
	in := Input{
		Local: []domain.Tool{localTool(t, "x", "1")},
		Upstream: map[string][]domain.Tool{
			"c": {remoteTool("c", "x")},
			"a": {remoteTool("a", "x")},
			"b": {remoteTool("b", "y")},
		},
	}
	first, err := agg.Aggregate(in)
	require.NoError(t, err)
	for range 5 {
		again, err := agg.Aggregate(in)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("aggregation not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestAggregateDropsInvalidResolvedNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.ConflictPrefix
	agg := New(cfg, zap.NewNop())
	entries, err := agg.Aggregate(Input{
		Local:    []domain.Tool{localTool(t, "deploy", "L")},
		Upstream: map[string][]domain.Tool{"bad server": {remoteTool("bad server", "deploy")}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"local:deploy"}, names(entries))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Strategy: "bogus"}.Validate())
	require.Error(t, Config{Strategy: domain.ConflictPrefix, ProxyPrefixFormat: "static"}.Validate())
	require.Error(t, Config{Strategy: domain.ConflictPrefix, LocalPrefix: "9bad"}.Validate())
}
