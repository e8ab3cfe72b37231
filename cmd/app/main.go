package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/mimir/internal"
	pkgconfig "github.com/starford/mimir/pkg/config"
)

const defaultConfigPath = "config/config.yaml"

// loadConfig reads the file named by --config over the defaults. A missing file
// is not an error so every command works out of the box.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOrDefault(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application for one-shot commands. Logs go to stderr so
// stdout carries only command output.
func openApp(ctx context.Context, cmd *cli.Command) (*internal.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	return internal.New(ctx,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithLogLevel(level),
	)
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}
	if cmd.Bool("verbose") {
		opts = append(opts, internal.WithLogLevel(slog.LevelDebug))
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "mimir",
		Usage: "Local-first assistant with a durable Markdown memory",
		Action: runDaemon,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: defaultConfigPath,
				Value:       defaultConfigPath,
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "Run the watcher, heartbeat scheduler and HTTP API",
				Action: runDaemon,
			},
			chatCommand(),
			askCommand(),
			memoryCommand(),
			heartbeatCommand(),
			configCommand(),
			{
				Name:   "mcp",
				Usage:  "Serve the memory tools over MCP on stdin/stdout",
				Action: runMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
