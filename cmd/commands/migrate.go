package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/migration"
)

// NewMigrateCommand returns the migrate subcommand.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Import task exports into the server",
		Commands: []*cli.Command{
			{
				Name:   "preview",
				Usage:  "Classify an export without writing anything",
				Flags:  []cli.Flag{fileFlag()},
				Action: withClient(runMigratePreview),
			},
			{
				Name:   "import",
				Usage:  "Import an export",
				Flags:  []cli.Flag{fileFlag()},
				Action: withClient(runMigrateImport),
			},
			{
				Name:   "status",
				Usage:  "Show importer capabilities and your task statistics",
				Action: withClient(runMigrateStatus),
			},
		},
	}
}

func fileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "JSON or YAML export to migrate",
		Required: true,
	}
}

func readExport(cmd *cli.Command) (migration.Request, error) {
	path := cmd.String("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return migration.Request{}, fmt.Errorf("read export: %w", err)
	}
	return migration.Decode(path, data)
}

func requireRemote(c *client.Client) error {
	if c.Remote == nil {
		return fmt.Errorf("migration needs the server; drop --offline")
	}
	return nil
}

func runMigratePreview(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	if err := requireRemote(c); err != nil {
		return err
	}
	req, err := readExport(cmd)
	if err != nil {
		return err
	}
	p, err := c.Remote.Preview(ctx, req)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}

	s := p.Preview
	fmt.Printf("Records:    %d (%d valid, %d invalid)\n", s.Total, s.Valid, s.Invalid)
	fmt.Printf("New:        %d\n", s.New)
	fmt.Printf("Updated:    %d\n", s.Updated)
	fmt.Printf("Conflicts:  %d\n", s.Conflicts)
	fmt.Printf("Unchanged:  %d\n", s.Unchanged)
	if len(s.Categories) > 0 {
		fmt.Printf("Categories: %s\n", strings.Join(s.Categories, ", "))
	}
	if s.DateRange != nil {
		fmt.Printf("Created:    %s to %s\n", s.DateRange.Earliest.Format("2006-01-02"), s.DateRange.Latest.Format("2006-01-02"))
	}
	for _, r := range s.Rejected {
		fmt.Printf("  record %d rejected: %s %v\n", r.Index, r.Error, r.Fields)
	}
	if len(p.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range p.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

func runMigrateImport(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	if err := requireRemote(c); err != nil {
		return err
	}
	req, err := readExport(cmd)
	if err != nil {
		return err
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.Metadata["source_file"] = cmd.String("file")

	res, err := c.Remote.Import(ctx, req)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Printf("Imported %d, updated %d, %d conflict(s), %d error(s).\n",
		res.ImportedCount, res.UpdatedCount, len(res.ConflictIDs), res.ErrorCount)
	for _, r := range res.Rejected {
		fmt.Printf("  record %d rejected: %s %v\n", r.Index, r.Error, r.Fields)
	}
	for _, e := range res.Errors {
		fmt.Printf("  %s: %s\n", e.Task, e.Error)
	}
	if !res.Success {
		return fmt.Errorf("import finished with %d error(s)", res.ErrorCount)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, _ *cli.Command, c *client.Client) error {
	if err := requireRemote(c); err != nil {
		return err
	}
	st, err := c.Remote.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return printJSON(st)
}
