package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/events"
)

// NewSyncCommand returns the sync subcommand.
func NewSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push offline changes and pull the server's tasks",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep running and sync on every interval",
			},
		},
		Action: withClient(runSync),
	}
}

func runSync(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	if c.Syncer == nil {
		return fmt.Errorf("sync needs a remote; drop --offline")
	}
	rec, err := c.Repo.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if rec == nil {
		fmt.Printf("Sync unavailable (%s); %d change(s) pending.\n", c.Repo.Route(ctx).Reason, c.Local.PendingCount())
	} else {
		fmt.Printf("Synced: %d imported, %d updated, %d conflict(s), %d error(s).\n",
			rec.Imported, rec.Updated, len(rec.Conflicts), len(rec.Errors))
		for _, e := range rec.Errors {
			fmt.Printf("  %s: %s\n", e.Task, e.Error)
		}
	}
	if !cmd.Bool("watch") {
		return nil
	}

	unsub := c.Bus.Subscribe(func(e events.Event) {
		if p, ok := events.ExtractPayload[events.SyncCompletedPayload](e); ok {
			fmt.Printf("Synced: %d pushed, %d pulled, %d conflict(s).\n", p.Pushed, p.Pulled, len(p.Conflicts))
		}
	}, events.EventSyncCompleted)
	defer unsub()

	if err := c.Start(); err != nil {
		return err
	}
	slog.Info("watching", "interval", c.Syncer.Interval())
	<-ctx.Done()
	return nil
}
