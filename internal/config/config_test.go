package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Server.Listen)
	assert.Equal(t, "/ws/terminal", cfg.Server.TerminalPath)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "X-User-Id", cfg.Auth.UserHeader)
	assert.Equal(t, "claude", cfg.Agent.LaunchCommand)
	assert.Equal(t, 10*time.Second, cfg.InsightTimeout())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Insight.URL)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termd.yaml")
	writeFile(t, path, `
server:
  listen: "127.0.0.1:9000"
  terminal_path: /terminals
  allowed_origins: ["http://localhost:3000"]
agent:
  launch_command: "claude --continue"
insight:
  url: http://localhost:3000/api/insights
  timeout_ms: 2500
log:
  level: debug
  pretty: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, "/terminals", cfg.Server.TerminalPath)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "claude --continue", cfg.Agent.LaunchCommand)
	assert.Equal(t, "http://localhost:3000/api/insights", cfg.Insight.URL)
	assert.Equal(t, 2500*time.Millisecond, cfg.InsightTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termd.yaml")
	writeFile(t, path, "server:\n  listen: \":1\"\n")

	t.Setenv("TERMD_LISTEN", ":2")
	t.Setenv("TERMD_AGENT_LAUNCH_COMMAND", "codex")
	t.Setenv("TERMD_INSIGHT_URL", "http://insights.local/capture")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.Server.Listen)
	assert.Equal(t, "codex", cfg.Agent.LaunchCommand)
	assert.Equal(t, "http://insights.local/capture", cfg.Insight.URL)
}

func TestLoadConfigRejectsRelativeTerminalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termd.yaml")
	writeFile(t, path, "server:\n  terminal_path: ws\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termd.yaml")
	writeFile(t, path, "server: [unterminated")

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termd.yaml")
	writeFile(t, path, "agent:\n  launch_command: first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) { changes <- cfg }, nil))

	writeFile(t, path, "agent:\n  launch_command: second\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, "second", cfg.Agent.LaunchCommand)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}
