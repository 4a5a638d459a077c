package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agent-command/termd/internal/agent"
	"github.com/agent-command/termd/internal/auth"
	"github.com/agent-command/termd/internal/config"
	"github.com/agent-command/termd/internal/insight"
	"github.com/agent-command/termd/internal/logging"
	"github.com/agent-command/termd/internal/metrics"
	"github.com/agent-command/termd/internal/server"
	"github.com/agent-command/termd/internal/shell"
	"github.com/agent-command/termd/internal/terminal"
	"github.com/agent-command/termd/internal/ws"
)

// Version information
const Version = "0.1.0"

const defaultConfigPath = "/etc/termd/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "termd",
		Short:         "termd - multiplexed PTY sessions over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the terminal daemon (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "termd version %s\n", Version)
			},
		},
	)
	return root
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	root := logging.Configure(cfg.Log.Level, cfg.Log.Pretty)
	logger := logging.Component(root, "main")

	shellPath, err := shell.Resolve()
	if err != nil {
		logger.Fatal().Err(err).Msg("No usable shell")
	}
	env := shell.EnvList(shell.BuildEnv(shellPath))
	logger.Info().Str("shell", shellPath).Str("version", Version).Msg("Starting termd")

	m := metrics.New()

	reg := terminal.NewRegistry(shellPath,
		terminal.WithEnv(func() []string { return env }),
		terminal.WithLogger(logging.Component(root, "registry")),
		terminal.WithMetrics(m),
	)
	defer reg.KillAll()

	store := auth.NewStore(auth.WithLogger(logging.Component(root, "tokens")))
	if err := store.Start(); err != nil {
		return err
	}
	defer store.Stop()
	m.RegisterTokenGauge(func() float64 { return float64(store.Len()) })

	launcher := agent.NewLauncher(reg,
		agent.WithCommand(cfg.Agent.LaunchCommand),
		agent.WithLogger(logging.Component(root, "agent")),
		agent.WithMetrics(m),
	)

	insights := insight.NewClient(cfg.Insight.URL,
		insight.WithTimeout(cfg.InsightTimeout()),
		insight.WithLogger(logging.Component(root, "insight")),
		insight.WithMetrics(m),
	)
	if !insights.Enabled() {
		logger.Info().Msg("Insight capture disabled")
	}

	gateway := ws.NewGateway(store, reg, launcher,
		ws.WithInsight(insights),
		ws.WithLogger(logging.Component(root, "gateway")),
		ws.WithMetrics(m),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	router := server.NewRouter(server.Routes{
		Config:   cfg.Server,
		Tokens:   &auth.Handler{Store: store, UserHeader: cfg.Auth.UserHeader},
		Terminal: gateway,
		Metrics:  m.Handler(),
		Sessions: reg.Count,
		Log:      logging.Component(root, "server"),
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchConfig(ctx, configPath, cfg, launcher, logger)

	go func() {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		gateway.Close()
		reg.KillAll()
	}()

	srv := server.New(cfg.Server.Listen, router, logging.Component(root, "server"))
	err = srv.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("HTTP server failed")
	}
	if !insights.WaitTimeout(server.ShutdownTimeout) {
		logger.Warn().Msg("Insight submissions still in flight at exit")
	}
	return err
}

// watchConfig applies launch command and log level changes live. Other
// changes are logged and need a restart.
func watchConfig(ctx context.Context, path string, current *config.Config, launcher *agent.Launcher, logger zerolog.Logger) {
	if path == "" {
		return
	}
	err := config.Watch(ctx, path, func(next *config.Config) {
		launcher.SetCommand(next.Agent.LaunchCommand)
		logging.SetLevel(next.Log.Level)
		logger.Info().Str("launch_command", next.Agent.LaunchCommand).Str("log_level", next.Log.Level).
			Msg("Config reloaded")

		if !reflect.DeepEqual(next.Server, current.Server) ||
			!reflect.DeepEqual(next.Auth, current.Auth) ||
			!reflect.DeepEqual(next.Insight, current.Insight) ||
			next.Log.Pretty != current.Log.Pretty {
			logger.Warn().Msg("Config changes outside agent and log level require a restart")
		}
	}, func(err error) {
		logger.Warn().Err(err).Msg("Config reload failed")
	})
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Config watch disabled")
	}
}
