package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/task"
)

// NewLoginCommand returns the login subcommand.
func NewLoginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "Store an access token for the server",
		ArgsUsage: "<token>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "logout",
				Usage: "Forget the stored token",
			},
		},
		Action: runLogin,
	}
}

func runLogin(ctx context.Context, cmd *cli.Command) error {
	path := client.TokenPath()
	if cmd.Bool("logout") {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	}

	access := cmd.Args().First()
	if access == "" {
		return fmt.Errorf("usage: majitask login <token>")
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if err := client.SaveToken(tok); err != nil {
		return err
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.Remote == nil {
		fmt.Println("Token saved.")
		return nil
	}
	if _, err := c.Remote.List(ctx, task.ListFilter{Limit: 1}); err != nil {
		fmt.Printf("Token saved, but the server did not accept it: %v\n", err)
		return nil
	}
	fmt.Println("Logged in.")
	return nil
}
