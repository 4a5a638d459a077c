package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Agent   AgentConfig   `yaml:"agent"`
	Insight InsightConfig `yaml:"insight"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	TerminalPath   string   `yaml:"terminal_path"`
	MetricsPath    string   `yaml:"metrics_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	// UserHeader names the header an upstream authenticating proxy sets on
	// the token routes.
	UserHeader string `yaml:"user_header"`
}

type AgentConfig struct {
	LaunchCommand string `yaml:"launch_command"`
}

type InsightConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// envOverrides are read with the TERMD_ prefix. Unset variables leave the
// file value untouched.
type envOverrides struct {
	Listen        string `envconfig:"LISTEN"`
	InsightURL    string `envconfig:"INSIGHT_URL"`
	LaunchCommand string `envconfig:"AGENT_LAUNCH_COMMAND"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	UserHeader    string `envconfig:"USER_HEADER"`
}

// InsightTimeout returns the configured insight request timeout.
func (c *Config) InsightTimeout() time.Duration {
	return time.Duration(c.Insight.TimeoutMs) * time.Millisecond
}

// LoadConfig reads path (a missing file yields defaults), applies defaults
// and then TERMD_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if !strings.HasPrefix(cfg.Server.TerminalPath, "/") {
		return nil, fmt.Errorf("server.terminal_path must start with '/': %q", cfg.Server.TerminalPath)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8787"
	}
	if cfg.Server.TerminalPath == "" {
		cfg.Server.TerminalPath = "/ws/terminal"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Auth.UserHeader == "" {
		cfg.Auth.UserHeader = "X-User-Id"
	}
	if cfg.Agent.LaunchCommand == "" {
		cfg.Agent.LaunchCommand = "claude"
	}
	if cfg.Insight.TimeoutMs == 0 {
		cfg.Insight.TimeoutMs = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("TERMD", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if env.Listen != "" {
		cfg.Server.Listen = env.Listen
	}
	if env.InsightURL != "" {
		cfg.Insight.URL = env.InsightURL
	}
	if env.LaunchCommand != "" {
		cfg.Agent.LaunchCommand = env.LaunchCommand
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.UserHeader != "" {
		cfg.Auth.UserHeader = env.UserHeader
	}
	return nil
}
