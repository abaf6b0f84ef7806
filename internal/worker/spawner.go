// Package worker runs one agent-driven unit of work per task.
//
// Each worker gets a fresh git worktree on its own branch, cut from the
// session branch. The agent CLI is run inside it, optionally behind a
// pseudo-terminal, for up to MaxIterations passes or until it writes the
// completion sentinel. Whatever it leaves uncommitted is committed before
// the worktree is removed, and the branch is handed back in a
// [task.WorkerResult] for the merge engine.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/task"
)

// Request describes one worker invocation.
type Request struct {
	WorkerID   string
	Task       task.Task
	BaseBranch string
	// Branch is created by the spawner and must not exist yet.
	Branch string
	// Emit receives engine events. It may be nil.
	Emit func(event.EngineEvent)
}

func (r Request) emit(ev event.EngineEvent) {
	if r.Emit != nil {
		r.Emit(ev)
	}
}

// Worktrees is the git surface the spawner needs.
type Worktrees interface {
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	CountCommits(ctx context.Context, dir, base, head string) (int, error)
}

// Config controls how agents are launched.
type Config struct {
	// Command and Args start the agent. The rendered prompt is appended as
	// the final argument.
	Command string
	Args    []string
	// MaxIterations bounds how many times the agent is re-run while the
	// completion sentinel is missing.
	MaxIterations int
	// IterationTimeout bounds one agent run. Zero means no limit.
	IterationTimeout time.Duration
	// WorktreeDir is where worktrees are created.
	WorktreeDir string
	// KeepWorktrees leaves worktrees on disk after the worker finishes.
	KeepWorktrees bool
	// UsePTY runs the agent behind a pseudo-terminal so it behaves as it
	// would interactively.
	UsePTY bool
	// Env is appended to the agent's environment.
	Env []string
}

// DefaultMaxIterations is used when Config.MaxIterations is not positive.
const DefaultMaxIterations = 3

const (
	outputTailSize = 4096
	outputGrace    = time.Second
)

// Watcher observes live worktrees, e.g. for files touched by more than one
// worker.
type Watcher interface {
	AddWorker(workerID, root string) error
	RemoveWorker(workerID string)
}

// AgentSpawner runs agent CLIs in per-worker worktrees.
type AgentSpawner struct {
	cfg     Config
	git     Worktrees
	logger  *logging.Logger
	watcher Watcher
}

// NewAgentSpawner creates a spawner.
func NewAgentSpawner(cfg Config, git Worktrees, logger *logging.Logger) *AgentSpawner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &AgentSpawner{cfg: cfg, git: git, logger: logger.WithComponent("worker")}
}

// WithWatcher registers every worktree with w while its worker runs.
func (s *AgentSpawner) WithWatcher(w Watcher) *AgentSpawner {
	s.watcher = w
	return s
}

// WorktreePath returns where the worktree for branch is created.
func (s *AgentSpawner) WorktreePath(branch string) string {
	return filepath.Join(s.cfg.WorktreeDir, strings.ReplaceAll(branch, "/", "-"))
}

// SpawnWorker runs the task to completion and reports the outcome. It never
// returns an error: failures are recorded in the result.
func (s *AgentSpawner) SpawnWorker(ctx context.Context, req Request) task.WorkerResult {
	start := time.Now()
	logger := s.logger.WithWorker(req.WorkerID).WithTask(req.Task.ID)
	result := task.WorkerResult{
		WorkerID:   req.WorkerID,
		Task:       req.Task,
		BranchName: req.Branch,
	}
	fail := func(msg string, cause error) task.WorkerResult {
		result.Error = errors.NewWorkerError(msg, cause).WithWorkerID(req.WorkerID).WithTaskID(req.Task.ID)
		result.Duration = time.Since(start)
		logger.Warn("worker failed", "error", result.Error.Error())
		return result
	}

	dir := s.WorktreePath(req.Branch)
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fail("creating worktree directory", errors.Join(errors.ErrWorkerStartFailed, err))
	}
	if err := s.git.AddWorktree(ctx, dir, req.Branch, req.BaseBranch); err != nil {
		return fail("creating worktree", errors.Join(errors.ErrWorkerStartFailed, err))
	}
	if !s.cfg.KeepWorktrees {
		defer func() {
			// The caller's context may already be canceled; cleanup still runs.
			if err := s.git.RemoveWorktree(context.WithoutCancel(ctx), dir); err != nil {
				logger.Warn("removing worktree", "path", dir, "error", err.Error())
			}
		}()
	}
	_ = os.Remove(CompletionPath(dir))

	if s.watcher != nil {
		if err := s.watcher.AddWorker(req.WorkerID, dir); err != nil {
			logger.Warn("watching worktree", "path", dir, "error", err.Error())
		} else {
			defer s.watcher.RemoveWorker(req.WorkerID)
		}
	}

	logger.Info("worker started", "branch", req.Branch, "worktree", dir)

	var completion *Completion
	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return fail("worker canceled", err)
		}
		result.IterationsRun = iter

		ev := event.NewEngineEvent(event.EngineIteration, req.WorkerID, req.Task.ID)
		ev.Iteration = iter
		req.emit(ev)

		if err := s.runIteration(ctx, req, dir, iter); err != nil {
			return fail(fmt.Sprintf("agent iteration %d", iter), err)
		}

		c, err := ReadCompletion(dir)
		if err != nil {
			logger.Warn("unreadable completion file", "error", err.Error())
			continue
		}
		if c != nil {
			completion = c
			sentinel := event.NewEngineEvent(event.EngineSentinel, req.WorkerID, req.Task.ID)
			sentinel.Iteration = iter
			sentinel.Path = CompletionFileName
			sentinel.Output = c.Summary
			req.emit(sentinel)
			break
		}
	}

	// The sentinel is a signal to us, not part of the task's work.
	_ = os.Remove(CompletionPath(dir))

	if _, err := s.git.CommitAll(ctx, dir, fmt.Sprintf("parallax: %s %s", req.Task.ID, req.Task.Title)); err != nil {
		return fail("committing agent changes", err)
	}
	commits, err := s.git.CountCommits(ctx, dir, req.BaseBranch, "HEAD")
	if err != nil {
		return fail("counting commits", err)
	}

	result.CommitCount = commits
	result.Success = true
	result.Duration = time.Since(start)

	switch {
	case completion == nil:
		result.Error = errors.NewWorkerError(
			fmt.Sprintf("no completion file after %d iterations", result.IterationsRun), errors.ErrTaskFailed,
		).WithWorkerID(req.WorkerID).WithTaskID(req.Task.ID)
	case completion.Done():
		result.TaskCompleted = true
	default:
		result.Error = errors.NewWorkerError(
			fmt.Sprintf("agent reported %s: %s", completion.Status, completion.Summary), errors.ErrTaskFailed,
		).WithWorkerID(req.WorkerID).WithTaskID(req.Task.ID)
	}

	logger.Info("worker finished",
		"completed", result.TaskCompleted,
		"iterations", result.IterationsRun,
		"commits", result.CommitCount,
		"duration", result.Duration.String())
	return result
}

func (s *AgentSpawner) runIteration(ctx context.Context, req Request, dir string, iter int) error {
	prompt, err := BuildPrompt(req.Task, iter)
	if err != nil {
		return err
	}

	if s.cfg.IterationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.IterationTimeout)
		defer cancel()
	}

	args := append(append([]string{}, s.cfg.Args...), prompt)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"PARALLAX_TASK_ID="+req.Task.ID,
		"PARALLAX_WORKER_ID="+req.WorkerID,
		fmt.Sprintf("PARALLAX_ITERATION=%d", iter),
		"PARALLAX_COMPLETION_FILE="+CompletionFileName,
	)

	output, err := s.start(cmd)
	if err != nil {
		return errors.Join(errors.ErrWorkerStartFailed, err)
	}

	tail := newRingBuffer(outputTailSize)
	pumped := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(pumped)
		s.pump(io.TeeReader(output, tail), req, iter)
		return nil
	})
	g.Go(func() error {
		err := cmd.Wait()
		// Grandchildren can keep the output open after the agent exits.
		select {
		case <-pumped:
		case <-time.After(outputGrace):
			_ = output.Close()
		}
		return err
	})
	waitErr := g.Wait()
	_ = output.Close()

	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError(fmt.Sprintf("agent iteration %d", iter), s.cfg.IterationTimeout)
	}
	if waitErr != nil {
		return fmt.Errorf("%w\n%s", waitErr, strings.TrimSpace(tail.String()))
	}
	return nil
}

// start launches cmd and returns a reader over its combined output.
func (s *AgentSpawner) start(cmd *exec.Cmd) (io.ReadCloser, error) {
	if s.cfg.UsePTY {
		return pty.Start(cmd)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// Our copy of the write end must go so the reader sees EOF at exit.
	_ = w.Close()
	return r, nil
}

// pump forwards output lines as engine events until the stream ends. A pty
// reports EIO rather than EOF when the child exits; both end the loop.
func (s *AgentSpawner) pump(r io.Reader, req Request, iter int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := displayText(scanner.Text())
		if text == "" {
			continue
		}
		ev := event.NewEngineEvent(event.EngineOutput, req.WorkerID, req.Task.ID)
		ev.Iteration = iter
		ev.Output = text
		req.emit(ev)
	}
}
