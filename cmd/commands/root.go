package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "majitask",
		Usage: "Personal task manager with offline sync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Use the local store only",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewTasksCommand(),
			NewSyncCommand(),
			NewMigrateCommand(),
			NewStatusCommand(),
			NewLoginCommand(),
			NewEventsCommand(),
		},
	}
}

// loadConfig reads the config file, falling back to defaults when absent.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// openClient wires the client core for one command.
func openClient(cmd *cli.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.Open(cfg, client.Options{Offline: cmd.Bool("offline")})
}
