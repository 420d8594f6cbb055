package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/events"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show your recent server events",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of past events to show",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Keep streaming new events",
			},
		},
		Action: withClient(runEvents),
	}
}

func runEvents(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	if err := requireRemote(c); err != nil {
		return err
	}
	stream, err := c.Remote.Stream(ctx)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer stream.Close()

	past, err := stream.History(cmd.Int("limit"))
	if err != nil {
		return err
	}
	for _, e := range past {
		printEvent(e)
	}
	if !cmd.Bool("follow") {
		return nil
	}
	for {
		e, err := stream.Next()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		printEvent(e)
	}
}

func printEvent(e events.Event) {
	payload, _ := json.Marshal(e.Payload)
	fmt.Printf("%s  %-22s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, payload)
}
