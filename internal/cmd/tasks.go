package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parallax/internal/task"
)

func newTasksCmd(a *app) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks in the tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTasks(cmd, statuses)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list tasks with these statuses")

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <task-id>...",
		Short: "Put tasks back to open",
		Long:  `Put tasks back to open, e.g. after a run was killed and left them in_progress.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTasksReset(cmd, args)
		},
	})
	return cmd
}

func (a *app) runTasks(cmd *cobra.Command, statuses []string) error {
	for _, s := range statuses {
		if !task.Status(s).IsValid() {
			return fmt.Errorf("unknown status %q", s)
		}
	}
	cfg, err := a.load()
	if err != nil {
		return err
	}
	root, err := a.repoRoot()
	if err != nil {
		return err
	}
	tr, err := a.openTracker(cmd, cfg, root)
	if err != nil {
		return err
	}
	defer tr.Close()

	tasks, err := tr.GetTasks(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	printTasks(cmd.OutOrStdout(), filterByStatus(tasks, statuses))
	return nil
}

func (a *app) runTasksReset(cmd *cobra.Command, ids []string) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	root, err := a.repoRoot()
	if err != nil {
		return err
	}
	tr, err := a.openTracker(cmd, cfg, root)
	if err != nil {
		return err
	}
	defer tr.Close()

	for _, id := range ids {
		if err := tr.UpdateTaskStatus(cmd.Context(), id, task.StatusOpen); err != nil {
			return fmt.Errorf("failed to reset %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reset to open\n", id)
	}
	return nil
}

func filterByStatus(tasks []task.Task, statuses []string) []task.Task {
	if len(statuses) == 0 {
		return tasks
	}
	var out []task.Task
	for _, t := range tasks {
		for _, s := range statuses {
			if t.Status == task.Status(s) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func printTasks(out io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No tasks"))
		return
	}
	width := 0
	for _, t := range tasks {
		width = max(width, len(t.ID))
	}
	for _, t := range tasks {
		status := string(t.Status)
		line := fmt.Sprintf("%-*s  %s  p%d", width, t.ID, statusStyle(status).Width(12).Render(status), t.Priority)
		if t.Title != "" {
			line += "  " + t.Title
		}
		if len(t.DependsOn) > 0 {
			line += mutedStyle.Render("  after " + strings.Join(t.DependsOn, ", "))
		}
		fmt.Fprintln(out, line)
	}
}
