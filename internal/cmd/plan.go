package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parallax/internal/executor"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/taskgraph"
)

func newPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how the open tasks would be grouped and dispatched",
		Long: `Analyze the tracker's tasks without running anything. Prints the execution
groups in order, tasks skipped because of dependency cycles, and whether the
task list is worth running in parallel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd)
		},
	}
	cmd.Flags().StringSlice("task", nil, "only plan task IDs matching these glob patterns")
	cmd.Flags().Int("max-workers", 0, "maximum concurrent workers (default from config)")
	return cmd
}

func (a *app) runPlan(cmd *cobra.Command) error {
	if err := a.bindRunFlags(cmd, &runOptions{}); err != nil {
		return err
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
	filter := executor.ParallelConfig{TaskFilter: cfg.Parallel.TaskFilter}
	var selected []task.Task
	for _, t := range tasks {
		if filter.Matches(t.ID) {
			selected = append(selected, t)
		}
	}

	printPlan(cmd.OutOrStdout(), taskgraph.Analyze(selected), cfg.Parallel.MaxWorkers)
	return nil
}

func printPlan(out io.Writer, a *taskgraph.Analysis, maxWorkers int) {
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d actionable tasks in %d groups", a.ActionableTaskCount, len(a.Groups))))
	for _, g := range a.Groups {
		batches := len(executor.Batches(g.Tasks, maxWorkers))
		fmt.Fprintln(out, labelStyle.Render(fmt.Sprintf("Group %d", g.Index+1))+
			mutedStyle.Render(fmt.Sprintf(" (priority %d, %d batches)", g.MaxPriority, batches)))
		for _, t := range g.Tasks {
			line := "  " + t.ID
			if t.Title != "" {
				line += mutedStyle.Render("  " + t.Title)
			}
			if after := planDependencies(a, t.ID); after != "" {
				line += mutedStyle.Render("  after " + after)
			}
			fmt.Fprintln(out, line)
		}
	}
	if a.HasCycles() {
		fmt.Fprintln(out, warningStyle.Render("Skipped (dependency cycle): "+strings.Join(a.CyclicTaskIDs, ", ")))
	}
	if len(a.BlockedByCycle) > 0 {
		fmt.Fprintln(out, warningStyle.Render("Skipped (depends on a cycle): "+strings.Join(a.BlockedByCycle, ", ")))
	}
	if a.RecommendParallel {
		fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("Parallel execution recommended (up to %d at once)", a.MaxParallelism)))
	} else {
		fmt.Fprintln(out, mutedStyle.Render("Parallel execution not recommended"))
	}
}

// planDependencies lists the scheduled dependencies of id with the group
// each one runs in, e.g. "db-1 (group 1)".
func planDependencies(a *taskgraph.Analysis, id string) string {
	n, ok := a.Nodes[id]
	if !ok {
		return ""
	}
	var parts []string
	for _, dep := range n.Dependencies {
		if g, ok := a.GroupOf(dep); ok {
			parts = append(parts, fmt.Sprintf("%s (group %d)", dep, g+1))
		}
	}
	return strings.Join(parts, ", ")
}
