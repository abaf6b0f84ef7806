package merge

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/task"
)

// outcome scripts how fakeRepo merges a branch.
type outcome int

const (
	fastForward outcome = iota
	mergeCommit
	conflict
	brokenMerge
	brokenFastForward
)

type fakeRepo struct {
	outcomes    map[string]outcome
	conflicts   map[string][]string
	concludeErr error

	calls      []string
	tags       map[string]bool
	staged     map[string]string
	mergeOpen  bool
	filesDelta int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		outcomes:   make(map[string]outcome),
		conflicts:  make(map[string][]string),
		tags:       make(map[string]bool),
		staged:     make(map[string]string),
		filesDelta: 2,
	}
}

func (r *fakeRepo) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRepo) CreateTag(_ context.Context, tag, ref string) error {
	r.record("tag %s %s", tag, ref)
	r.tags[tag] = true
	return nil
}

func (r *fakeRepo) DeleteTag(_ context.Context, tag string) error {
	r.record("untag %s", tag)
	delete(r.tags, tag)
	return nil
}

func (r *fakeRepo) MergeFastForward(_ context.Context, branch string) error {
	r.record("ff %s", branch)
	switch r.outcomes[branch] {
	case fastForward:
		return nil
	case brokenFastForward:
		return errors.NewMergeError("ff", errors.New("disk full"))
	default:
		return errors.NewMergeError("ff", errors.ErrNotFastForward)
	}
}

func (r *fakeRepo) MergeCommit(_ context.Context, branch, message string) ([]string, error) {
	r.record("merge %s", branch)
	switch r.outcomes[branch] {
	case conflict:
		r.mergeOpen = true
		return r.conflicts[branch], errors.NewMergeError("conflict", errors.ErrMergeConflict)
	case brokenMerge:
		return nil, errors.NewMergeError("merge", errors.New("unrelated histories"))
	default:
		return nil, nil
	}
}

func (r *fakeRepo) MergeInProgress(context.Context) bool { return r.mergeOpen }

func (r *fakeRepo) AbortMerge(context.Context) error {
	r.record("abort")
	r.mergeOpen = false
	return nil
}

func (r *fakeRepo) ResetHard(_ context.Context, ref string) error {
	r.record("reset %s", ref)
	return nil
}

func (r *fakeRepo) StageFile(_ context.Context, path, content string) error {
	r.record("stage %s", path)
	r.staged[path] = content
	return nil
}

func (r *fakeRepo) ConcludeMerge(context.Context, string) error {
	r.record("conclude")
	if r.concludeErr != nil {
		return r.concludeErr
	}
	r.mergeOpen = false
	return nil
}

func (r *fakeRepo) FilesChanged(context.Context, string, string) (int, error) {
	return r.filesDelta, nil
}

func (r *fakeRepo) called(substr string) bool {
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("op-%d", n)
	}
}

func newTestEngine(repo *fakeRepo) *Engine {
	return NewEngine(repo, WithIDGenerator(sequentialIDs()))
}

func enqueue(e *Engine, taskID, branch string) *Operation {
	op := e.NewOperation(task.WorkerResult{
		Task:          task.Task{ID: taskID, Title: "do " + taskID},
		TaskCompleted: true,
		BranchName:    branch,
	})
	e.Enqueue(op)
	return op
}

func TestEngine_FIFOAndStrategies(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["b"] = mergeCommit
	e := newTestEngine(repo)

	enqueue(e, "a", "a")
	enqueue(e, "b", "b")

	if q := e.Queue(); len(q) != 2 || q[0].TaskID() != "a" || q[1].TaskID() != "b" {
		t.Fatalf("Queue() = %+v", q)
	}

	first, ok := e.ProcessNext(context.Background())
	if !ok || !first.Success || first.Strategy != StrategyFastForward {
		t.Errorf("first = %+v", first)
	}
	second, _ := e.ProcessNext(context.Background())
	if !second.Success || second.Strategy != StrategyMergeCommit || second.FilesChanged != 2 {
		t.Errorf("second = %+v", second)
	}
	if _, ok := e.ProcessNext(context.Background()); ok {
		t.Error("ProcessNext on empty queue should report false")
	}

	op, _ := e.Operation("op-1")
	if op.Status != StatusMerged || op.BackupTag != "parallax/backup/op-1" {
		t.Errorf("op-1 = %+v", op)
	}
	if op.CommitMessage != "parallax: merge a (do a)" {
		t.Errorf("CommitMessage = %q", op.CommitMessage)
	}
	if !reflect.DeepEqual(repo.calls[:2], []string{"tag parallax/backup/op-1 HEAD", "ff a"}) {
		t.Errorf("backup tag must precede the merge attempt: %v", repo.calls)
	}
}

func TestEngine_QueueReturnsCopies(t *testing.T) {
	e := newTestEngine(newFakeRepo())
	enqueue(e, "a", "a")

	q := e.Queue()
	q[0].Status = StatusMerged
	q[0].ConflictedFiles = append(q[0].ConflictedFiles, "x")

	op, _ := e.Operation("op-1")
	if op.Status != StatusQueued || len(op.ConflictedFiles) != 0 {
		t.Errorf("mutating a snapshot leaked into the engine: %+v", op)
	}
}

func TestEngine_ConflictLeavesMergeOpen(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go", "y.go"}
	e := newTestEngine(repo)
	enqueue(e, "c", "c")

	res, _ := e.ProcessNext(context.Background())
	if res.Success || !res.HadConflicts || !errors.IsConflict(res.Error) {
		t.Fatalf("res = %+v", res)
	}
	if !reflect.DeepEqual(res.ConflictedFiles, []string{"x.go", "y.go"}) {
		t.Errorf("ConflictedFiles = %v", res.ConflictedFiles)
	}
	op, _ := e.Operation(res.OperationID)
	if op.Status != StatusConflicted || !reflect.DeepEqual(op.ConflictedFiles, res.ConflictedFiles) {
		t.Errorf("op = %+v", op)
	}
	if repo.called("abort") || !repo.mergeOpen {
		t.Error("engine must not abort a conflicted merge")
	}
}

func TestEngine_ResubmitConcludesMerge(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	e := newTestEngine(repo)
	enqueue(e, "c", "c")
	enqueue(e, "d", "d")
	ctx := context.Background()

	res, _ := e.ProcessNext(ctx)
	if err := e.Resubmit(ctx, res.OperationID, map[string]string{"x.go": "merged"}); err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	if q := e.Queue(); q[0].ID != res.OperationID {
		t.Fatalf("resubmitted operation should be at the head, got %v", q[0].ID)
	}

	again, _ := e.ProcessNext(ctx)
	if !again.Success || again.Strategy != StrategyResolved || !again.HadConflicts {
		t.Errorf("again = %+v", again)
	}
	if repo.staged["x.go"] != "merged" || !repo.called("conclude") {
		t.Errorf("calls = %v", repo.calls)
	}
	if op, _ := e.Operation(res.OperationID); op.Status != StatusMerged || op.Attempts != 2 {
		t.Errorf("op = %+v", op)
	}

	next, _ := e.ProcessNext(ctx)
	if !next.Success {
		t.Errorf("queue should continue after a resolved merge: %+v", next)
	}
}

func TestEngine_OpenConflictBlocksOtherOperations(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	e := newTestEngine(repo)
	enqueue(e, "c", "c")
	enqueue(e, "d", "d")
	ctx := context.Background()

	e.ProcessNext(ctx)
	blocked, ok := e.ProcessNext(ctx)
	if !ok || blocked.Success || blocked.Error == nil {
		t.Fatalf("blocked = %+v", blocked)
	}
	if e.Len() != 1 {
		t.Errorf("blocked operation should stay queued, Len() = %d", e.Len())
	}

	if err := e.Park(ctx, "op-1"); err != nil {
		t.Fatalf("Park() error = %v", err)
	}
	if !repo.called("abort") || !repo.called("reset parallax/backup/op-1") {
		t.Errorf("Park should abort and restore the backup tag: %v", repo.calls)
	}
	op, _ := e.Operation("op-1")
	if op.Status != StatusConflicted || !op.Parked() {
		t.Errorf("parked op = %+v", op)
	}

	unblocked, _ := e.ProcessNext(ctx)
	if !unblocked.Success {
		t.Errorf("after parking, the queue should drain: %+v", unblocked)
	}
}

func TestEngine_RequeueParked(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	e := newTestEngine(repo)
	enqueue(e, "c", "c")
	ctx := context.Background()

	e.ProcessNext(ctx)
	if err := e.Requeue("op-1"); err == nil {
		t.Error("Requeue of an unparked operation should fail")
	}
	if err := e.Park(ctx, "op-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Requeue("op-1"); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	repo.outcomes["c"] = mergeCommit
	res, _ := e.ProcessNext(ctx)
	if !res.Success {
		t.Errorf("requeued merge = %+v", res)
	}
	if err := e.Requeue("nope"); !errors.Is(err, errors.ErrOperationNotFound) {
		t.Errorf("Requeue(unknown) = %v", err)
	}
}

func TestEngine_NonConflictFailures(t *testing.T) {
	tests := []struct {
		name    string
		outcome outcome
	}{
		{"merge commit error", brokenMerge},
		{"fast-forward error", brokenFastForward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.outcomes["b"] = tt.outcome
			e := newTestEngine(repo)
			enqueue(e, "b", "b")

			res, _ := e.ProcessNext(context.Background())
			if res.Success || res.HadConflicts || res.Error == nil {
				t.Fatalf("res = %+v", res)
			}
			var mergeErr *errors.MergeError
			if !errors.As(res.Error, &mergeErr) || mergeErr.OperationID != "op-1" {
				t.Errorf("error should carry the operation ID: %v", res.Error)
			}
			if op, _ := e.Operation("op-1"); op.Status != StatusFailed {
				t.Errorf("status = %s, want failed", op.Status)
			}
			if !repo.called("reset parallax/backup/op-1") {
				t.Errorf("failed merge should restore the backup tag: %v", repo.calls)
			}
		})
	}
}

func TestEngine_ConcludeFailureRestores(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	repo.concludeErr = errors.New("hook rejected commit")
	e := newTestEngine(repo)
	enqueue(e, "c", "c")
	ctx := context.Background()

	e.ProcessNext(ctx)
	_ = e.Resubmit(ctx, "op-1", map[string]string{"x.go": "ok"})
	res, _ := e.ProcessNext(ctx)

	if res.Success || res.Error == nil {
		t.Fatalf("res = %+v", res)
	}
	if op, _ := e.Operation("op-1"); op.Status != StatusFailed {
		t.Errorf("status = %s", op.Status)
	}
	if !repo.called("abort") {
		t.Error("failed conclusion should abort the open merge")
	}
}

func TestEngine_MarkOperationRolledBack(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	e := newTestEngine(repo)
	ctx := context.Background()

	enqueue(e, "a", "a")
	enqueue(e, "c", "c")
	enqueue(e, "q", "q")

	e.ProcessNext(ctx) // a merged
	e.ProcessNext(ctx) // c conflicted, merge open

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"unknown", "op-99", false},
		{"already merged", "op-1", false},
		{"conflicted", "op-2", true},
		{"already rolled back", "op-2", false},
		{"still queued", "op-3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.MarkOperationRolledBack(ctx, tt.id); got != tt.want {
				t.Errorf("MarkOperationRolledBack(%s) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}

	if repo.mergeOpen {
		t.Error("rolling back the open conflict should abort its merge")
	}
	if e.Len() != 0 {
		t.Errorf("rolled back queued op should leave the queue, Len() = %d", e.Len())
	}
	if op, _ := e.Operation("op-3"); op.Status != StatusRolledBack {
		t.Errorf("op-3 status = %s", op.Status)
	}
}

func TestEngine_ZeroCommitBranchStillMerges(t *testing.T) {
	repo := newFakeRepo()
	repo.filesDelta = 0
	e := newTestEngine(repo)
	op := e.NewOperation(task.WorkerResult{Task: task.Task{ID: "noop"}, TaskCompleted: true, BranchName: "noop", CommitCount: 0})
	e.Enqueue(op)

	res, _ := e.ProcessNext(context.Background())
	if !res.Success || res.FilesChanged != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	repo := newFakeRepo()
	repo.outcomes["c"] = conflict
	repo.conflicts["c"] = []string{"x.go"}
	e := newTestEngine(repo)
	ctx := context.Background()

	enqueue(e, "a", "a")
	enqueue(e, "c", "c")
	e.ProcessNext(ctx)
	e.ProcessNext(ctx)

	if err := e.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if repo.tags["parallax/backup/op-1"] {
		t.Error("merged operation's tag should be deleted")
	}
	if !repo.tags["parallax/backup/op-2"] {
		t.Error("conflicted operation's tag must be kept")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusQueued:     false,
		StatusConflicted: false,
		StatusMerged:     true,
		StatusRolledBack: true,
		StatusFailed:     true,
	} {
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v", s, !want)
		}
	}
}
