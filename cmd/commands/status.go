package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show which store serves requests and what awaits sync",
		Action: withClient(runStatus),
	}
}

func runStatus(ctx context.Context, _ *cli.Command, c *client.Client) error {
	route := c.Repo.Route(ctx)
	store := "local"
	if route.Remote {
		store = "remote"
	}
	fmt.Printf("Store:    %s (%s)\n", store, route.Reason)
	if c.Remote != nil {
		fmt.Printf("Server:   %s\n", c.Remote.BaseURL())
		st := c.Monitor.State()
		switch {
		case !st.Known:
			fmt.Println("Reach:    unknown")
		case st.Reachable:
			fmt.Println("Reach:    ONLINE")
		default:
			fmt.Printf("Reach:    OFFLINE (%s)\n", st.Err)
		}
	}
	fmt.Printf("Local:    %s\n", c.Local.Dir())
	fmt.Printf("Pending:  %d change(s)\n", c.Local.PendingCount())
	return nil
}
