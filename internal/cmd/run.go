package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parallax/internal/config"
	"github.com/Iron-Ham/parallax/internal/conflict"
	"github.com/Iron-Ham/parallax/internal/executor"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/worker"
	"github.com/Iron-Ham/parallax/internal/worktree"
)

type runOptions struct {
	jsonEvents  bool
	noAIResolve bool
	noPrompt    bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every open task with parallel agents",
		Long: `Run every open task in the tracker. Tasks are grouped by dependency depth;
each group is dispatched in batches of at most --max-workers agents, and each
finished branch is merged into a new session branch before the next group
starts.

Merge conflicts go to the resolver agent first. Conflicts it cannot resolve
are left for you; on a terminal you are asked to retry or skip each one once
the run finishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRun(cmd, opts)
		},
	}

	cmd.Flags().Int("max-workers", 0, "maximum concurrent workers (default from config)")
	cmd.Flags().Int("max-requeue", 0, "automatic re-dispatches per task after a failed merge (default from config)")
	cmd.Flags().StringSlice("task", nil, "only run task IDs matching these glob patterns")
	cmd.Flags().BoolVar(&opts.noAIResolve, "no-ai-resolve", false, "leave every merge conflict to the operator")
	cmd.Flags().BoolVar(&opts.jsonEvents, "json-events", false, "print events as JSON lines")
	cmd.Flags().BoolVar(&opts.noPrompt, "no-prompt", false, "do not ask about pending conflicts after the run")
	return cmd
}

// bindRunFlags lets explicitly set flags override the config file and
// environment.
func (a *app) bindRunFlags(cmd *cobra.Command, opts *runOptions) error {
	bindings := map[string]string{
		"parallel.max_workers":       "max-workers",
		"parallel.max_requeue_count": "max-requeue",
		"parallel.task_filter":       "task",
	}
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}
	}
	if opts.noAIResolve {
		a.v.Set("parallel.ai_conflict_resolution", false)
	}
	return nil
}

func (a *app) runRun(cmd *cobra.Command, opts *runOptions) error {
	if err := a.bindRunFlags(cmd, opts); err != nil {
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

	logger, err := newLogger(cfg, root)
	if err != nil {
		return err
	}
	defer logger.Close()

	tr, err := a.openTracker(cmd, cfg, root)
	if err != nil {
		return err
	}
	defer tr.Close()

	git, err := worktree.NewGit(root)
	if err != nil {
		return err
	}

	spawner := worker.NewAgentSpawner(workerConfig(cfg, root), git, logger)
	execOpts := executorOptions(cfg)
	if cfg.Worker.WatchOverlaps {
		detector, err := conflict.NewOverlapDetector()
		if err != nil {
			logger.Warn("overlap detection disabled", "error", err)
		} else {
			detector.Start()
			defer detector.Stop()
			spawner.WithWatcher(detector)
			execOpts = append(execOpts, executor.WithOverlapDetector(detector))
		}
	}

	exec, err := executor.New(executor.RunConfig{
		Spawner:      spawner,
		Repo:         git,
		Logger:       logger,
		BranchPrefix: cfg.Branch.Prefix,
		RepoDir:      root,
	}, tr, execOpts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := newPrinter(out, opts.jsonEvents)
	defer exec.On(p.Event)()
	defer exec.OnEngineEvent(p.Engine)()

	if err := runExecutor(cmd.Context(), exec, logger); err != nil {
		return err
	}

	pending := len(exec.PendingConflicts())
	if pending > 0 && !opts.jsonEvents && !opts.noPrompt && a.isTerminal() {
		pending = promptConflicts(cmd.Context(), cmd.InOrStdin(), out, exec)
	}

	switch status := exec.Status(); {
	case status == executor.StatusInterrupted:
		return fmt.Errorf("run interrupted; session branch %s kept", exec.SessionBranch())
	case status == executor.StatusFailed && pending > 0:
		return fmt.Errorf("run finished with %d unresolved conflicts on %s", pending, exec.SessionBranch())
	case status == executor.StatusFailed:
		return fmt.Errorf("run finished with failed tasks on %s", exec.SessionBranch())
	}
	return nil
}

// runExecutor runs exec until it finishes or the process is signalled. A
// signal stops the executor and cancels in-flight workers.
func runExecutor(ctx context.Context, exec *executor.Executor, logger *logging.Logger) error {
	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Info("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Executor.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := exec.Start(ctx); err != nil {
					return fmt.Errorf("run failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				exec.Stop()
				cancel()
			},
		)
	}

	return g.Run()
}

func workerConfig(cfg *config.Config, root string) worker.Config {
	return worker.Config{
		Command:          cfg.Worker.Command,
		Args:             cfg.Worker.Args,
		MaxIterations:    cfg.Worker.MaxIterations,
		IterationTimeout: cfg.Worker.IterationTimeout(),
		WorktreeDir:      cfg.Worker.ResolveWorktreeDir(root),
		KeepWorktrees:    cfg.Worker.KeepWorktrees,
		UsePTY:           cfg.Worker.UsePTY,
		Env:              cfg.Worker.Env,
	}
}

func executorOptions(cfg *config.Config) []executor.Option {
	opts := []executor.Option{
		executor.WithMaxWorkers(cfg.Parallel.MaxWorkers),
		executor.WithMaxRequeueCount(cfg.Parallel.MaxRequeueCount),
		executor.WithAIConflictResolution(cfg.Parallel.AIConflictResolution),
		executor.WithTaskFilter(cfg.Parallel.TaskFilter...),
		executor.WithKeepBackupTags(cfg.Merge.KeepBackupTags),
	}
	if cfg.Parallel.AIConflictResolution {
		resolver := conflict.NewAgentCallback(cfg.Merge.ResolverCommand, cfg.Merge.ResolverArgs, cfg.Merge.ResolverTimeout())
		opts = append(opts, executor.WithAIResolver(resolver.Callback()))
	}
	return opts
}
