// Package internal contains integration tests that run the executor against
// a real git repository, a file tracker and a scripted agent process.
package internal

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/executor"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/testutil"
	"github.com/Iron-Ham/parallax/internal/tracker"
	"github.com/Iron-Ham/parallax/internal/worker"
	"github.com/Iron-Ham/parallax/internal/worktree"
)

// agentScript stands in for a coding agent: it writes <task>.txt and
// shared.txt, then the completion file. The rendered prompt arrives as $0.
const agentScript = `echo "$PARALLAX_TASK_ID" > "$PARALLAX_TASK_ID.txt"
echo "$PARALLAX_TASK_ID" > shared.txt
echo '{"status":"complete","summary":"done"}' > "$PARALLAX_COMPLETION_FILE"`

// soloScript writes only its own file, so branches never conflict.
const soloScript = `echo "$PARALLAX_TASK_ID" > "$PARALLAX_TASK_ID.txt"
echo '{"status":"complete"}' > "$PARALLAX_COMPLETION_FILE"`

type integration struct {
	repo    string
	git     *worktree.Git
	tracker *tracker.FileTracker
	exec    *executor.Executor
	events  []event.Event
}

func setupIntegration(t *testing.T, script string, tasks []task.Task, opts ...executor.Option) *integration {
	t.Helper()
	testutil.SkipIfNoGit(t)
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}

	repo := testutil.SetupTestRepo(t)
	git, err := worktree.NewGit(repo)
	if err != nil {
		t.Fatalf("NewGit() error = %v", err)
	}

	trackerPath := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(trackerPath, []byte("tasks: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tr, err := tracker.NewFileTracker(trackerPath)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tr.AddTasks(context.Background(), tasks...); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}

	spawner := worker.NewAgentSpawner(worker.Config{
		Command:       "sh",
		Args:          []string{"-c", script},
		MaxIterations: 2,
		WorktreeDir:   t.TempDir(),
	}, git, nil)

	ex, err := executor.New(executor.RunConfig{
		Spawner: spawner,
		Repo:    git,
		RepoDir: repo,
	}, tr, opts...)
	if err != nil {
		t.Fatalf("executor.New() error = %v", err)
	}

	it := &integration{repo: repo, git: git, tracker: tr, exec: ex}
	ex.On(func(e event.Event) { it.events = append(it.events, e) })
	return it
}

func (it *integration) run(t *testing.T) {
	t.Helper()
	if err := it.exec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (it *integration) statuses(t *testing.T) map[string]task.Status {
	t.Helper()
	tasks, err := it.tracker.GetTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]task.Status, len(tasks))
	for _, tk := range tasks {
		out[tk.ID] = tk.Status
	}
	return out
}

func openTask(id string, deps ...string) task.Task {
	return task.Task{ID: id, Title: "Task " + id, Status: task.StatusOpen, DependsOn: deps}
}

func TestIntegration_DependencyChainMerges(t *testing.T) {
	it := setupIntegration(t, soloScript,
		[]task.Task{openTask("a"), openTask("b"), openTask("c", "a", "b")},
		executor.WithMaxWorkers(2))
	it.run(t)

	if got := it.exec.Status(); got != executor.StatusCompleted {
		t.Fatalf("Status() = %q, want completed", got)
	}
	for id, status := range it.statuses(t) {
		if status != task.StatusCompleted {
			t.Errorf("status(%s) = %q, want completed", id, status)
		}
	}

	session := it.exec.SessionBranch()
	if got := testutil.CurrentBranch(t, it.repo); got != session {
		t.Errorf("checked out %q, want session branch %q", got, session)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := testutil.ReadFileAt(t, it.repo, session, id+".txt"); got != id+"\n" {
			t.Errorf("%s.txt on session branch = %q", id, got)
		}
	}
	if got := it.exec.OriginalBranch(); got != "main" {
		t.Errorf("OriginalBranch() = %q, want main", got)
	}

	var groups []int
	for _, e := range it.events {
		if gs, ok := e.(event.GroupStarted); ok {
			groups = append(groups, gs.GroupIndex)
		}
	}
	if !reflect.DeepEqual(groups, []int{0, 1}) {
		t.Errorf("groups started = %v, want [0 1]", groups)
	}

	tags, err := it.git.ListTags(context.Background(), "parallax/backup/*")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("backup tags left after run: %v", tags)
	}
}

func TestIntegration_ConflictResolvedByAgent(t *testing.T) {
	combine := func(_ context.Context, _ string, ours, theirs string) (string, error) {
		return ours + theirs, nil
	}
	it := setupIntegration(t, agentScript,
		[]task.Task{openTask("a"), openTask("b")},
		executor.WithMaxWorkers(2), executor.WithAIResolver(combine))
	it.run(t)

	if got := it.exec.Status(); got != executor.StatusCompleted {
		t.Fatalf("Status() = %q, want completed", got)
	}
	if got := testutil.ReadFileAt(t, it.repo, it.exec.SessionBranch(), "shared.txt"); got != "a\nb\n" {
		t.Errorf("shared.txt = %q, want both sides", got)
	}
	if pending := it.exec.PendingConflicts(); len(pending) != 0 {
		t.Errorf("PendingConflicts() = %d, want 0", len(pending))
	}
}

func TestIntegration_ConflictLeftForOperator(t *testing.T) {
	it := setupIntegration(t, agentScript,
		[]task.Task{openTask("a"), openTask("b")},
		executor.WithMaxWorkers(2), executor.WithAIConflictResolution(false))
	it.run(t)

	if got := it.exec.Status(); got != executor.StatusFailed {
		t.Fatalf("Status() = %q, want failed", got)
	}
	statuses := it.statuses(t)
	if statuses["a"] != task.StatusCompleted || statuses["b"] != task.StatusOpen {
		t.Errorf("statuses = %v, want a completed and b open", statuses)
	}

	pending := it.exec.PendingConflicts()
	if len(pending) != 1 || pending[0].Operation.TaskID() != "b" {
		t.Fatalf("PendingConflicts() = %+v", pending)
	}
	files := append([]string(nil), pending[0].Operation.ConflictedFiles...)
	sort.Strings(files)
	if !reflect.DeepEqual(files, []string{"shared.txt"}) {
		t.Errorf("ConflictedFiles = %v", files)
	}
	if it.git.MergeInProgress(context.Background()) {
		t.Error("merge left in progress")
	}

	if !it.exec.SkipFailedConflict(context.Background()) {
		t.Fatal("SkipFailedConflict() = false")
	}
	if got := testutil.ReadFileAt(t, it.repo, it.exec.SessionBranch(), "shared.txt"); got != "a\n" {
		t.Errorf("shared.txt after skip = %q, want a's version", got)
	}
}
