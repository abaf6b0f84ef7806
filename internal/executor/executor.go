// Package executor drives a parallel run: it partitions the tracker's tasks
// into dependency groups, dispatches one worker per task in bounded
// batches, and funnels every completed worker branch through the merge
// engine into a session branch.
//
// The tracker stays the system of record. A task is marked completed only
// after its branch has merged; every other outcome resets it to open.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/parallax/internal/conflict"
	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/merge"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/taskgraph"
	"github.com/Iron-Ham/parallax/internal/worker"
)

// Tracker is the task store the executor reads and updates.
type Tracker interface {
	GetTasks(ctx context.Context) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	CompleteTask(ctx context.Context, id string) error
}

// Spawner runs one worker for one task. It reports failures in the result.
type Spawner interface {
	SpawnWorker(ctx context.Context, req worker.Request) WorkerResult
}

// Repository is the git surface used for the session branch, merges and
// conflict content.
type Repository interface {
	merge.Repository
	conflict.ContentSource
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, branch, base string) error
	Checkout(ctx context.Context, branch string) error
}

// DefaultBranchPrefix namespaces session and worker branches.
const DefaultBranchPrefix = "parallax"

// RunConfig holds the collaborators of a run.
type RunConfig struct {
	Spawner      Spawner
	Repo         Repository
	Logger       *logging.Logger
	BranchPrefix string
	RepoDir      string
}

// Executor runs task groups in dependency order.
type Executor struct {
	run     RunConfig
	tracker Tracker
	cfg     ParallelConfig
	logger  *logging.Logger

	engine     *merge.Engine
	mergeOpts  []merge.Option
	resolver   *conflict.Resolver
	aiCallback conflict.AIResolverCallback
	overlap    *conflict.OverlapDetector

	events       *event.Bus[event.Event]
	engineEvents *event.Bus[event.EngineEvent]
	emitMu       sync.Mutex

	gate *Gate
	// mergeMu serializes draining the merge queue with operator conflict
	// actions.
	mergeMu sync.Mutex

	mu               sync.RWMutex
	status           Status
	analysis         *taskgraph.Analysis
	currentGroup     int
	workers          map[string]*WorkerState
	completedMerges  []merge.Result
	pendingConflicts []PendingConflict
	completed        int
	failed           int
	totalTasks       int
	requeueCounts    map[string]int
	countedFailed    map[string]bool
	landed           map[string]bool
	startedAt        time.Time
	finishedAt       time.Time
	sessionID        string
	sessionBranch    string
	originalBranch   string
}

// New creates an idle executor.
func New(run RunConfig, tr Tracker, opts ...Option) (*Executor, error) {
	if run.Spawner == nil || run.Repo == nil || tr == nil {
		return nil, errors.NewValidationError("executor needs a spawner, a repository and a tracker")
	}
	if run.Logger == nil {
		run.Logger = logging.NopLogger()
	}
	if run.BranchPrefix == "" {
		run.BranchPrefix = DefaultBranchPrefix
	}

	e := &Executor{
		run:          run,
		tracker:      tr,
		cfg:          DefaultParallelConfig(),
		events:       event.NewBus[event.Event](),
		engineEvents: event.NewBus[event.EngineEvent](),
		gate:         NewGate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	e.logger = run.Logger.WithComponent("executor")
	e.resolver = conflict.NewResolver(run.Repo, e.aiCallback, run.Logger)
	if e.overlap != nil {
		e.overlap.OnOverlap(e.forwardOverlap)
	}
	e.resetLocked()
	return e, nil
}

// resetLocked puts run state back to idle. Callers hold mu or own e exclusively.
func (e *Executor) resetLocked() {
	opts := append([]merge.Option{
		merge.WithLogger(e.run.Logger),
		merge.WithTagPrefix(e.run.BranchPrefix),
	}, e.mergeOpts...)
	e.engine = merge.NewEngine(e.run.Repo, opts...)

	e.status = StatusIdle
	e.analysis = nil
	e.currentGroup = 0
	e.workers = make(map[string]*WorkerState)
	e.completedMerges = nil
	e.pendingConflicts = nil
	e.completed = 0
	e.failed = 0
	e.totalTasks = 0
	e.requeueCounts = make(map[string]int)
	e.countedFailed = make(map[string]bool)
	e.landed = make(map[string]bool)
	e.startedAt = time.Time{}
	e.finishedAt = time.Time{}
	e.sessionID = ""
	e.sessionBranch = ""
	e.originalBranch = ""
	e.gate.Open()
}

// On subscribes to executor events. Listeners run synchronously, one event
// at a time, and must not block.
func (e *Executor) On(fn func(event.Event)) (unsubscribe func()) {
	return e.events.Subscribe(fn)
}

// OnEngineEvent subscribes to per-worker engine events.
func (e *Executor) OnEngineEvent(fn func(event.EngineEvent)) (unsubscribe func()) {
	return e.engineEvents.Subscribe(fn)
}

func (e *Executor) emit(ev event.Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.events.Publish(ev)
}

func (e *Executor) emitEngine(ev event.EngineEvent) {
	e.engineEvents.Publish(ev)
}

// SetAIResolver replaces the conflict resolution callback.
func (e *Executor) SetAIResolver(cb conflict.AIResolverCallback) {
	e.resolver.SetCallback(cb)
}

// Start runs every group and returns once the run is completed, failed or
// interrupted. The returned error covers setup only; task and merge
// failures are reported through events and State.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		status := e.status
		e.mu.Unlock()
		return errors.NewExecutorError("cannot start", errors.ErrInvalidTransition).WithStatus(string(status))
	}
	e.status = StatusExecuting
	e.startedAt = time.Now()
	e.sessionID = ulid.Make().String()
	e.mu.Unlock()

	logger := e.logger.WithSession(e.sessionID)

	tasks, err := e.tracker.GetTasks(ctx)
	if err != nil {
		return e.abort(errors.NewExecutorError("loading tasks", err))
	}

	var selected []task.Task
	for _, t := range tasks {
		if e.cfg.Matches(t.ID) {
			selected = append(selected, t)
		}
	}
	analysis := taskgraph.Analyze(selected)
	if analysis.HasCycles() {
		logger.Warn("skipping tasks in dependency cycles",
			"task_ids", analysis.CyclicTaskIDs,
			"blocked_task_ids", analysis.BlockedByCycle,
		)
	}

	original, err := e.run.Repo.CurrentBranch(ctx)
	if err != nil {
		return e.abort(errors.NewExecutorError("reading current branch", err))
	}
	session := fmt.Sprintf("%s/session/%s", e.run.BranchPrefix, e.sessionID)
	if err := e.run.Repo.CreateBranch(ctx, session, original); err != nil {
		return e.abort(errors.NewExecutorError("creating session branch", err))
	}
	if err := e.run.Repo.Checkout(ctx, session); err != nil {
		return e.abort(errors.NewExecutorError("checking out session branch", err))
	}

	e.mu.Lock()
	e.analysis = analysis
	e.totalTasks = analysis.ActionableTaskCount
	e.sessionBranch = session
	e.originalBranch = original
	e.mu.Unlock()

	logger.Info("execution started",
		"session_branch", session,
		"original_branch", original,
		"tasks", analysis.ActionableTaskCount,
		"groups", len(analysis.Groups),
		"max_workers", e.cfg.MaxWorkers,
	)
	e.emit(event.NewExecutionStarted(e.sessionID, session, original,
		analysis.ActionableTaskCount, len(analysis.Groups), analysis.CyclicTaskIDs, analysis.BlockedByCycle))

	for i, group := range analysis.Groups {
		if e.stopped() {
			break
		}
		if err := e.gate.Wait(ctx); err != nil || e.stopped() {
			break
		}
		e.mu.Lock()
		e.currentGroup = i
		e.mu.Unlock()

		e.executeGroup(ctx, group)
	}

	e.finish(ctx)
	return nil
}

// abort ends a run that failed during setup.
func (e *Executor) abort(err error) error {
	e.mu.Lock()
	if e.status != StatusInterrupted {
		e.status = StatusFailed
	}
	e.finishedAt = time.Now()
	status := e.status
	elapsed := e.finishedAt.Sub(e.startedAt)
	e.mu.Unlock()

	e.logger.Error("execution aborted", "error", err.Error())
	e.emit(event.NewExecutionCompleted(string(status), 0, 0, 0, elapsed))
	return err
}

func (e *Executor) finish(ctx context.Context) {
	if !e.cfg.KeepBackupTags {
		if err := e.engine.Cleanup(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("removing backup tags", "error", err.Error())
		}
	}

	e.mu.Lock()
	switch {
	case e.status == StatusInterrupted:
	case ctx.Err() != nil:
		e.status = StatusInterrupted
	case e.failed > 0:
		e.status = StatusFailed
	default:
		e.status = StatusCompleted
	}
	e.finishedAt = time.Now()
	status := e.status
	completed, failed, pending := e.completed, e.failed, len(e.pendingConflicts)
	elapsed := e.finishedAt.Sub(e.startedAt)
	e.mu.Unlock()

	e.logger.Info("execution finished",
		"status", string(status),
		"completed", completed,
		"failed", failed,
		"pending_conflicts", pending,
		"elapsed", elapsed.String(),
	)
	e.emit(event.NewExecutionCompleted(string(status), completed, failed, pending, elapsed))
}

func (e *Executor) stopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status == StatusInterrupted
}

// Pause closes the gate so no new batch or merge starts. In-flight workers
// keep running. It returns false unless the executor was executing.
func (e *Executor) Pause() bool {
	e.mu.Lock()
	if !canTransition(e.status, StatusPaused) {
		e.mu.Unlock()
		return false
	}
	e.status = StatusPaused
	e.gate.Close()
	group := e.currentGroup
	e.mu.Unlock()

	e.logger.Info("execution paused", "group", group)
	e.emit(event.NewExecutionPaused(group))
	return true
}

// Resume reopens the gate. It returns false unless the executor was paused.
func (e *Executor) Resume() bool {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return false
	}
	e.status = StatusExecuting
	e.gate.Open()
	group := e.currentGroup
	e.mu.Unlock()

	e.logger.Info("execution resumed", "group", group)
	e.emit(event.NewExecutionResumed(group))
	return true
}

// Stop moves the executor to interrupted from any state and releases every
// gate waiter. Running workers are not killed; no new batch or merge starts.
func (e *Executor) Stop() {
	e.mu.Lock()
	previous := e.status
	e.status = StatusInterrupted
	e.gate.Open()
	e.mu.Unlock()

	e.logger.Info("execution stopped", "previous_status", string(previous))
	e.emit(event.NewExecutionStopped(string(previous)))
}

// Reset returns a finished (or never started) executor to idle, dropping
// all run state including pending conflicts.
func (e *Executor) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusExecuting || e.status == StatusPaused {
		return errors.NewExecutorError("cannot reset a running executor", errors.ErrInvalidTransition).
			WithStatus(string(e.status))
	}
	e.resetLocked()
	return nil
}

// Status returns the current lifecycle state.
func (e *Executor) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// State returns a snapshot of the run. The snapshot shares no memory with
// the executor.
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	merges := make([]merge.Result, len(e.completedMerges))
	for i, r := range e.completedMerges {
		r.ConflictedFiles = append([]string(nil), r.ConflictedFiles...)
		merges[i] = r
	}
	s := State{
		Status:              e.status,
		Analysis:            e.analysis.Clone(),
		CurrentGroupIndex:   e.currentGroup,
		Workers:             e.workerStatesLocked(),
		MergeQueue:          e.engine.Queue(),
		CompletedMerges:     merges,
		ActiveConflicts:     clonePending(e.pendingConflicts),
		TotalTasksCompleted: e.completed,
		TotalTasksFailed:    e.failed,
		TotalTasks:          e.totalTasks,
		StartedAt:           e.startedAt,
		SessionID:           e.sessionID,
		SessionBranch:       e.sessionBranch,
		OriginalBranch:      e.originalBranch,
	}
	if e.analysis != nil {
		s.TotalGroups = len(e.analysis.Groups)
	}
	switch {
	case e.startedAt.IsZero():
	case e.finishedAt.IsZero():
		s.Elapsed = time.Since(e.startedAt)
	default:
		s.Elapsed = e.finishedAt.Sub(e.startedAt)
	}
	return s
}

// WorkerStates returns the live workers ordered by start time.
func (e *Executor) WorkerStates() []WorkerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workerStatesLocked()
}

func (e *Executor) workerStatesLocked() []WorkerState {
	out := make([]WorkerState, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, *w)
	}
	sortWorkers(out)
	return out
}

// SessionBranch returns the integration branch, or "" before one exists.
func (e *Executor) SessionBranch() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionBranch
}

// OriginalBranch returns the branch the session was cut from, or "" before
// a session branch exists.
func (e *Executor) OriginalBranch() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.originalBranch
}

// PendingConflicts returns the conflicts awaiting an operator, oldest first.
func (e *Executor) PendingConflicts() []PendingConflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clonePending(e.pendingConflicts)
}

func clonePending(ps []PendingConflict) []PendingConflict {
	out := make([]PendingConflict, len(ps))
	for i, p := range ps {
		out[i] = PendingConflict{Operation: p.Operation.Clone(), WorkerResult: p.WorkerResult}
		out[i].WorkerResult.Task = p.WorkerResult.Task.Clone()
	}
	return out
}

// forwardOverlap turns a detector report into one engine event per worker.
func (e *Executor) forwardOverlap(o conflict.Overlap) {
	e.mu.RLock()
	taskOf := make(map[string]string, len(o.WorkerIDs))
	for _, id := range o.WorkerIDs {
		if w, ok := e.workers[id]; ok {
			taskOf[id] = w.TaskID
		}
	}
	e.mu.RUnlock()

	for _, id := range o.WorkerIDs {
		ev := event.NewEngineEvent(event.EngineFileOverlap, id, taskOf[id])
		ev.Path = o.RelativePath
		for _, other := range o.WorkerIDs {
			if other != id {
				ev.OtherWorkers = append(ev.OtherWorkers, other)
			}
		}
		e.emitEngine(ev)
	}
}
