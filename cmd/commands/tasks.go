package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/majitask/majitask/internal/client"
	"github.com/majitask/majitask/internal/migration"
	"github.com/majitask/majitask/internal/task"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "todo, in_progress or done"},
					&cli.StringFlag{Name: "category"},
					&cli.StringFlag{Name: "search", Aliases: []string{"q"}},
					&cli.StringFlag{Name: "parent", Usage: "Only subtasks of this task"},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "limit", Value: task.DefaultPageLimit},
					&cli.StringFlag{Name: "sort", Value: task.DefaultSortBy},
					&cli.StringFlag{Name: "order", Value: task.DefaultOrder},
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: withClient(runTasksList),
			},
			{
				Name:      "show",
				Usage:     "Show task details and comments",
				ArgsUsage: "<task_id>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON"}},
				Action:    withClient(runTasksShow),
			},
			{
				Name:      "add",
				Usage:     "Create a task",
				ArgsUsage: "<title>",
				Flags:     taskFlags(),
				Action:    withClient(runTasksAdd),
			},
			{
				Name:      "update",
				Usage:     "Change a task",
				ArgsUsage: "<task_id>",
				Flags:     append(taskFlags(), &cli.StringFlag{Name: "title"}),
				Action:    withClient(runTasksUpdate),
			},
			{
				Name:      "done",
				Usage:     "Mark a task done",
				ArgsUsage: "<task_id>",
				Action:    withClient(runTasksDone),
			},
			{
				Name:      "rm",
				Usage:     "Delete a task",
				ArgsUsage: "<task_id>",
				Action:    withClient(runTasksRemove),
			},
			{
				Name:      "comment",
				Usage:     "Comment on a task",
				ArgsUsage: "<task_id> <text>",
				Action:    withClient(runTasksComment),
			},
		},
		DefaultCommand: "list",
	}
}

func taskFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "status"},
		&cli.IntFlag{Name: "priority", Aliases: []string{"p"}, Usage: "1 (low) to 4 (urgent)"},
		&cli.IntFlag{Name: "progress"},
		&cli.StringFlag{Name: "category"},
		&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}},
		&cli.StringFlag{Name: "deadline", Usage: `Date or timestamp; "none" clears it`},
		&cli.StringFlag{Name: "parent", Usage: `Parent task id; "none" detaches`},
		&cli.IntFlag{Name: "time-spent", Usage: "Minutes"},
		&cli.IntFlag{Name: "estimate", Usage: "Estimated minutes"},
	}
}

type clientAction func(ctx context.Context, cmd *cli.Command, c *client.Client) error

// withClient opens the client core around an action.
func withClient(fn clientAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, cmd, c)
	}
}

func requireArg(cmd *cli.Command, usage string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("usage: majitask tasks %s", usage)
	}
	return v, nil
}

func runTasksList(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	f := task.ListFilter{
		Status:   task.Status(cmd.String("status")),
		Category: cmd.String("category"),
		Search:   cmd.String("search"),
		ParentID: cmd.String("parent"),
		Page:     cmd.Int("page"),
		Limit:    cmd.Int("limit"),
		SortBy:   cmd.String("sort"),
		Order:    cmd.String("order"),
	}
	if err := c.State.Load(ctx, f); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	st := c.State.State()
	if cmd.Bool("json") {
		return printJSON(map[string]any{"data": st.Tasks, "meta": st.Meta})
	}
	if len(st.Tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tPROGRESS\tCATEGORY\tTITLE")
	for _, t := range st.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d%%\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Progress, t.Category, t.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	m := st.Meta
	fmt.Printf("\nPage %d of %d (%d tasks)\n", m.Page, max(m.TotalPages, 1), m.Total)
	return nil
}

func runTasksShow(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	id, err := requireArg(cmd, "show <task_id>")
	if err != nil {
		return err
	}
	t, err := c.State.Select(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if err := c.State.LoadComments(ctx, id, task.CommentQuery{}); err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	comments := c.State.State().Comments
	if cmd.Bool("json") {
		return printJSON(map[string]any{"task": t, "comments": comments})
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s (%d%%)\n", t.Status, t.Progress)
	fmt.Printf("Priority:    %d\n", t.Priority)
	fmt.Printf("Category:    %s\n", t.Category)
	if len(t.Tags) > 0 {
		fmt.Printf("Tags:        %s\n", strings.Join(t.Tags, ", "))
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.Deadline != nil {
		fmt.Printf("Deadline:    %s\n", t.Deadline.Local().Format("2006-01-02 15:04"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.ParentID != "" {
		fmt.Printf("Parent:      %s\n", t.ParentID)
	}
	if len(t.SubtaskIDs) > 0 {
		fmt.Printf("Subtasks:    %s\n", strings.Join(t.SubtaskIDs, ", "))
	}
	fmt.Printf("Views/edits: %d/%d\n", t.ViewCount, t.EditCount)
	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}
	if len(comments) > 0 {
		fmt.Println("\nComments:")
		for _, cm := range comments {
			fmt.Printf("  [%s] %s: %s\n", cm.CreatedAt.Local().Format("2006-01-02 15:04"), cm.Type, cm.Body)
		}
	}
	return nil
}

func runTasksAdd(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	title := strings.Join(cmd.Args().Slice(), " ")
	if title == "" {
		return fmt.Errorf("usage: majitask tasks add <title>")
	}
	in := task.CreateInput{
		Title:       title,
		Description: cmd.String("description"),
		Status:      task.Status(cmd.String("status")),
		Priority:    cmd.Int("priority"),
		Progress:    cmd.Int("progress"),
		Category:    cmd.String("category"),
		Tags:        cmd.StringSlice("tag"),
		ParentID:    cmd.String("parent"),
		TimeSpent:   cmd.Int("time-spent"),
	}
	if cmd.IsSet("estimate") {
		v := cmd.Int("estimate")
		in.EstimatedDuration = &v
	}
	if v := cmd.String("deadline"); v != "" {
		d, err := parseDeadline(v)
		if err != nil {
			return err
		}
		in.Deadline = d
	}

	t, err := c.State.Create(ctx, in)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Printf("Created %s: %s\n", t.ID, t.Title)
	return nil
}

func runTasksUpdate(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	id, err := requireArg(cmd, "update <task_id> [flags]")
	if err != nil {
		return err
	}
	var in task.UpdateInput
	if cmd.IsSet("title") {
		v := cmd.String("title")
		in.Title = &v
	}
	if cmd.IsSet("description") {
		v := cmd.String("description")
		in.Description = &v
	}
	if cmd.IsSet("status") {
		v := task.Status(cmd.String("status"))
		in.Status = &v
	}
	if cmd.IsSet("priority") {
		v := cmd.Int("priority")
		in.Priority = &v
	}
	if cmd.IsSet("progress") {
		v := cmd.Int("progress")
		in.Progress = &v
	}
	if cmd.IsSet("category") {
		v := cmd.String("category")
		in.Category = &v
	}
	if cmd.IsSet("tag") {
		v := cmd.StringSlice("tag")
		in.Tags = &v
	}
	if cmd.IsSet("time-spent") {
		v := cmd.Int("time-spent")
		in.TimeSpent = &v
	}
	if cmd.IsSet("estimate") {
		in.EstimatedDuration = task.Value(cmd.Int("estimate"))
	}
	if cmd.IsSet("deadline") {
		switch v := cmd.String("deadline"); v {
		case "", "none":
			in.Deadline = task.Null[time.Time]()
		default:
			d, err := parseDeadline(v)
			if err != nil {
				return err
			}
			in.Deadline = task.Value(*d)
		}
	}
	if cmd.IsSet("parent") {
		switch v := cmd.String("parent"); v {
		case "", "none":
			in.ParentID = task.Null[string]()
		default:
			in.ParentID = task.Value(v)
		}
	}
	if in.Empty() {
		return fmt.Errorf("nothing to update")
	}

	t, err := c.State.Update(ctx, id, in)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	fmt.Printf("Updated %s: %s [%s]\n", t.ID, t.Title, t.Status)
	return nil
}

func runTasksDone(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	id, err := requireArg(cmd, "done <task_id>")
	if err != nil {
		return err
	}
	done := task.StatusDone
	t, err := c.State.Update(ctx, id, task.UpdateInput{Status: &done})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	fmt.Printf("Task %s done.\n", t.ID)
	return nil
}

func runTasksRemove(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	id, err := requireArg(cmd, "rm <task_id>")
	if err != nil {
		return err
	}
	if err := c.State.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	fmt.Printf("Task %s deleted.\n", id)
	return nil
}

func runTasksComment(ctx context.Context, cmd *cli.Command, c *client.Client) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: majitask tasks comment <task_id> <text>")
	}
	cm, err := c.State.AddComment(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	fmt.Printf("Comment %s added.\n", cm.ID)
	return nil
}

func parseDeadline(v string) (*time.Time, error) {
	d, err := migration.ParseTimestamp(v)
	if err != nil {
		return nil, fmt.Errorf("deadline: %w", err)
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
