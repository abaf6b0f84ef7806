package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/worker"
)

// fakeTracker is an in-memory tracker that records every call.
type fakeTracker struct {
	mu        sync.Mutex
	tasks     []task.Task
	statuses  map[string]task.Status
	history   map[string][]task.Status
	completed []string
	saves     int
	restores  int
	getErr    error
	// completeErrs are returned, in order, by the next CompleteTask calls.
	completeErrs []error
}

func newFakeTracker(tasks ...task.Task) *fakeTracker {
	tr := &fakeTracker{
		tasks:    tasks,
		statuses: make(map[string]task.Status),
		history:  make(map[string][]task.Status),
	}
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = task.StatusOpen
		}
		tr.statuses[t.ID] = t.Status
	}
	return tr
}

func (f *fakeTracker) GetTasks(context.Context) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]task.Task, len(f.tasks))
	for i, t := range f.tasks {
		t.Status = f.statuses[t.ID]
		out[i] = t
	}
	return out, nil
}

func (f *fakeTracker) UpdateTaskStatus(_ context.Context, id string, s task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
	f.history[id] = append(f.history[id], s)
	return nil
}

func (f *fakeTracker) CompleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return err
	}
	f.statuses[id] = task.StatusCompleted
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeTracker) SaveState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeTracker) RestoreState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return nil
}

func (f *fakeTracker) status(id string) task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeTracker) completions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// fakeSpawner completes every task with one commit unless a script says
// otherwise.
type fakeSpawner struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	scripts map[string]func(req worker.Request) WorkerResult

	running    int
	maxRunning int
	delay      time.Duration
	started    chan string
	release    chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		calls:   make(map[string]int),
		scripts: make(map[string]func(worker.Request) WorkerResult),
	}
}

func (f *fakeSpawner) SpawnWorker(_ context.Context, req worker.Request) WorkerResult {
	f.mu.Lock()
	f.calls[req.Task.ID]++
	f.order = append(f.order, req.Task.ID)
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	script := f.scripts[req.Task.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- req.Task.ID
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	req.Emit(event.EngineEvent{Kind: event.EngineIteration, WorkerID: req.WorkerID, TaskID: req.Task.ID, Iteration: 1})

	if script != nil {
		return script(req)
	}
	return WorkerResult{
		Success:       true,
		TaskCompleted: true,
		IterationsRun: 1,
		CommitCount:   1,
		BranchName:    req.Branch,
	}
}

func (f *fakeSpawner) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// fakeRepo scripts merge outcomes per task. Worker branches are named
// parallax/worker/<task>-<ulid>.
type fakeRepo struct {
	mu          sync.Mutex
	broken      map[string]int
	conflicts   map[string][]string
	stages      map[string][2]string
	concludeErr error

	current   string
	branches  []string
	tags      map[string]bool
	merged    []string
	staged    map[string]string
	mergeOpen string
	aborts    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		broken:    make(map[string]int),
		conflicts: make(map[string][]string),
		stages:    make(map[string][2]string),
		current:   "main",
		tags:      make(map[string]bool),
		staged:    make(map[string]string),
	}
}

func taskOfBranch(branch string) string {
	name := strings.TrimPrefix(branch, DefaultBranchPrefix+"/worker/")
	if len(name) > 27 {
		return name[:len(name)-27]
	}
	return name
}

func (r *fakeRepo) setConflict(taskID string, files ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(files) == 0 {
		delete(r.conflicts, taskID)
		return
	}
	r.conflicts[taskID] = files
}

func (r *fakeRepo) mergedTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.merged...)
}

func (r *fakeRepo) CurrentBranch(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

func (r *fakeRepo) CreateBranch(_ context.Context, branch, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches = append(r.branches, branch)
	return nil
}

func (r *fakeRepo) Checkout(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = branch
	return nil
}

func (r *fakeRepo) CreateTag(_ context.Context, tag, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[tag] = true
	return nil
}

func (r *fakeRepo) DeleteTag(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, tag)
	return nil
}

func (r *fakeRepo) MergeFastForward(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := taskOfBranch(branch)
	if r.broken[id] > 0 {
		r.broken[id]--
		return errors.NewMergeError("merge", errors.New("index.lock exists"))
	}
	if len(r.conflicts[id]) > 0 {
		return errors.NewMergeError("merge", errors.ErrNotFastForward)
	}
	r.merged = append(r.merged, id)
	return nil
}

func (r *fakeRepo) MergeCommit(_ context.Context, branch, _ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := taskOfBranch(branch)
	if files := r.conflicts[id]; len(files) > 0 {
		r.mergeOpen = id
		return append([]string(nil), files...), errors.NewMergeError("merge", errors.ErrMergeConflict)
	}
	r.merged = append(r.merged, id)
	return nil, nil
}

func (r *fakeRepo) MergeInProgress(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeOpen != ""
}

func (r *fakeRepo) AbortMerge(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeOpen = ""
	r.aborts++
	return nil
}

func (r *fakeRepo) ResetHard(context.Context, string) error { return nil }

func (r *fakeRepo) StageFile(_ context.Context, path, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged[path] = content
	return nil
}

func (r *fakeRepo) ConcludeMerge(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concludeErr != nil {
		return r.concludeErr
	}
	r.merged = append(r.merged, r.mergeOpen)
	r.mergeOpen = ""
	return nil
}

func (r *fakeRepo) FilesChanged(context.Context, string, string) (int, error) { return 1, nil }

func (r *fakeRepo) ShowStage(_ context.Context, stage int, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sides, ok := r.stages[path]
	if !ok {
		return "", fmt.Errorf("no stage %d for %s", stage, path)
	}
	if stage == 2 {
		return sides[0], nil
	}
	return sides[1], nil
}

// recorder captures executor events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) types() []event.Type {
	var out []event.Type
	for _, ev := range r.all() {
		out = append(out, ev.Type())
	}
	return out
}

func eventsOf[T event.Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	exec    *Executor
	tracker *fakeTracker
	spawner *fakeSpawner
	repo    *fakeRepo
	events  *recorder
}

func newHarness(t *testing.T, tasks []task.Task, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tracker: newFakeTracker(tasks...),
		spawner: newFakeSpawner(),
		repo:    newFakeRepo(),
		events:  &recorder{},
	}
	exec, err := New(RunConfig{Spawner: h.spawner, Repo: h.repo}, h.tracker, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.exec = exec
	exec.On(h.events.record)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.exec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func lastGroupCompleted(t *testing.T, r *recorder) event.GroupCompleted {
	t.Helper()
	gc := eventsOf[event.GroupCompleted](r)
	if len(gc) == 0 {
		t.Fatal("no group.completed event")
	}
	return gc[len(gc)-1]
}

func tk(id string, deps ...string) task.Task {
	return task.Task{ID: id, Title: "task " + id, Status: task.StatusOpen, Priority: 2, DependsOn: deps}
}
