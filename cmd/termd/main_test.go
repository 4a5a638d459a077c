package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/agent-command/termd/internal/config"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "termd version "+Version+"\n", run(t, "version"))
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9999\"\nagent:\n  launch_command: codex\n"), 0o600))

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(run(t, "config", "--config", path)), &cfg))
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "codex", cfg.Agent.LaunchCommand)
	assert.Equal(t, "/ws/terminal", cfg.Server.TerminalPath)
	assert.Equal(t, "X-User-Id", cfg.Auth.UserHeader)
}

func TestConfigCommandRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", path})
	assert.Error(t, cmd.Execute())
}
