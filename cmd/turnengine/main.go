package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/polyglot-turn-engine/internal/capability"
	"github.com/tjfontaine/polyglot-turn-engine/internal/pkg/config"
	"github.com/tjfontaine/polyglot-turn-engine/internal/telemetry"
	"github.com/tjfontaine/polyglot-turn-engine/pkg/turnengine"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "turnengine",
		Usage: "run agent turns as durable, resumable hop chains",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML configuration file",
				Sources: cli.EnvVars("TURNS_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("TURNS_LOG_LEVEL"),
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the chat API, hop workers and sweeper",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "listen port (overrides server.port)",
					},
				},
				Action: serve,
			},
			{
				Name:   "check-config",
				Usage:  "validate the agent and action catalog",
				Action: checkConfig,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd.String("log-level"))
	if err != nil {
		return err
	}

	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	node, err := turnengine.New(
		turnengine.WithLogger(logger),
		turnengine.WithFileConfig(path),
		turnengine.WithPort(int(cmd.Int("port"))),
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- node.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("component failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return node.Shutdown(shutdownCtx)
}

func checkConfig(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	registry, err := capability.FromConfig(cfg)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	fmt.Fprintf(out, "config ok: %d agents, %d actions\n", len(cfg.Agents), len(cfg.Actions))
	for _, a := range cfg.Agents {
		fmt.Fprintf(out, "  %s: %d tools\n", a.DeveloperName, len(registry.Tools(a.DeveloperName)))
	}
	return nil
}
