package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/config"
	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/gateway"
	"github.com/majitask/majitask/internal/storage"
	"github.com/majitask/majitask/internal/store"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the task API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("db") {
		cfg.Server.DBPath = cmd.String("db")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("no auth tokens configured; every request will be rejected", "config", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	if dir := cfg.Events.AuditDir; dir != "" && dir != "-" {
		audit := storage.NewEventLogger(dir, bus)
		defer audit.Close()
	}

	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	server := gateway.NewServer(bus, st, gateway.Options{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Tokens:   reloader,
		Standard: gateway.NewRateLimiter("standard", cfg.Limits.Standard.Requests, cfg.Limits.Standard.Window.Duration()),
		Bulk:     gateway.NewRateLimiter("bulk", cfg.Limits.Bulk.Requests, cfg.Limits.Bulk.Window.Duration()),
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
