package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/infra/capability"
)

const toolsFile = `metadata:
  name: demo
tools:
  - name: greet
    description: Greet someone
    routing:
      type: echo
      config:
        response: hi
`

func writeProject(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	capDir := filepath.Join(dir, "capabilities")
	require.NoError(t, os.MkdirAll(capDir, 0o755))
	capFile := filepath.Join(capDir, "demo.yaml")
	require.NoError(t, os.WriteFile(capFile, []byte(toolsFile), 0o600))

	cfgPath := filepath.Join(dir, "magictunnel.yaml")
	cfg := "capabilities:\n  paths: [\"" + capDir + "\"]\n  watch: false\nobservability:\n  healthz_enabled: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, capFile
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	require.Subset(t, names, []string{"serve", "validate", "tools", "discover", "metrics", "health"})
}

func TestToolsHideEditsCapabilityFile(t *testing.T) {
	cfgPath, capFile := writeProject(t)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "--log-level", "error", "tools", "hide", "greet"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	tools, err := capability.NewStore(zap.NewNop()).LoadAll([]string{filepath.Dir(capFile)})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.True(t, tools[0].Hidden)
}

func TestValidateCommand(t *testing.T) {
	cfgPath, _ := writeProject(t)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "--log-level", "error", "validate"})
	require.NoError(t, root.ExecuteContext(context.Background()))
}

func TestInvalidLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--log-level", "loud", "validate"})
	require.Error(t, root.ExecuteContext(context.Background()))
}
