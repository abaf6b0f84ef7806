package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/merge"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/taskgraph"
	"github.com/Iron-Ham/parallax/internal/worker"
)

// roundStats accumulates the outcome of one round of a group.
type roundStats struct {
	completed    int
	failed       int
	mergesFailed int
	requeue      []task.Task
}

// executeGroup runs a group's tasks in rounds. The first round dispatches
// every task whose dependencies completed; later rounds re-dispatch only
// tasks whose merge failed and still have requeue budget.
func (e *Executor) executeGroup(ctx context.Context, group taskgraph.Group) {
	logger := e.logger.WithGroup(group.Index)
	tasks, skipped := e.eligibleTasks(ctx, group)
	if len(tasks) == 0 {
		if skipped > 0 {
			logger.Warn("group skipped", "tasks_skipped", skipped)
			e.emit(event.NewGroupCompleted(group.Index, 1, 0, skipped, 0, 0))
		}
		return
	}

	for round := 1; len(tasks) > 0; round++ {
		if e.stopped() {
			return
		}
		batches := Batches(tasks, e.cfg.MaxWorkers)
		logger.Info("group round started", "round", round, "tasks", len(tasks), "batches", len(batches))
		e.emit(event.NewGroupStarted(group.Index, round, taskIDs(tasks), len(batches)))

		var stats roundStats
		if round == 1 {
			stats.failed = skipped
		}
		for _, batch := range batches {
			if err := e.gate.Wait(ctx); err != nil || e.stopped() {
				break
			}
			results := e.dispatchBatch(ctx, group.Index, batch)
			e.collect(ctx, results, &stats)
			e.drainMerges(ctx, &stats)
		}

		logger.Info("group round completed",
			"round", round,
			"completed", stats.completed,
			"failed", stats.failed,
			"merges_failed", stats.mergesFailed,
			"requeued", len(stats.requeue),
		)
		e.emit(event.NewGroupCompleted(group.Index, round,
			stats.completed, stats.failed, stats.mergesFailed, len(stats.requeue)))
		tasks = stats.requeue
	}
}

// eligibleTasks returns the group's tasks whose dependencies in this run
// have all completed. Every other task is reset to open, counted as failed
// and reported with a task.skipped event.
func (e *Executor) eligibleTasks(ctx context.Context, group taskgraph.Group) ([]task.Task, int) {
	type blocked struct {
		id   string
		deps []string
	}
	var ready []task.Task
	var skip []blocked

	e.mu.RLock()
	lookup := func(id string) (task.Task, bool) {
		n, ok := e.analysis.Nodes[id]
		if !ok {
			return task.Task{}, false
		}
		t := n.Task
		if e.landed[id] {
			t.Status = task.StatusCompleted
		}
		return t, true
	}
	for _, t := range group.Tasks {
		if t.IsReady(lookup) {
			ready = append(ready, t)
			continue
		}
		var deps []string
		for _, dep := range t.DependsOn {
			if d, ok := lookup(dep); ok && !d.Status.IsTerminal() {
				deps = append(deps, dep)
			}
		}
		skip = append(skip, blocked{id: t.ID, deps: deps})
	}
	e.mu.RUnlock()

	for _, b := range skip {
		err := errors.NewExecutorError("waiting on "+strings.Join(b.deps, ", "), errors.ErrDependencyIncomplete).
			WithTaskID(b.id).
			WithGroupIndex(group.Index)
		e.logger.WithTask(b.id).Warn("task skipped", "blocked_by", b.deps, "error", err.Error())
		e.resetTask(ctx, b.id)
		e.recordFailure(b.id)
		e.emit(event.NewTaskSkipped(b.id, group.Index, b.deps, errors.Message(err)))
	}
	return ready, len(skip)
}

// dispatchBatch runs one worker per task and returns results in batch order.
func (e *Executor) dispatchBatch(ctx context.Context, groupIndex int, batch []task.Task) []WorkerResult {
	results := make([]WorkerResult, len(batch))
	p := pool.New().WithMaxGoroutines(e.cfg.MaxWorkers)
	for i, t := range batch {
		p.Go(func() {
			results[i] = e.runWorker(ctx, groupIndex, t)
		})
	}
	p.Wait()
	return results
}

// runWorker spawns a worker for t. It never panics; a panicking spawner
// yields a failed result.
func (e *Executor) runWorker(ctx context.Context, groupIndex int, t task.Task) (res WorkerResult) {
	workerID := uuid.NewString()
	branch := fmt.Sprintf("%s/worker/%s-%s", e.run.BranchPrefix, t.ID, ulid.Make().String())
	logger := e.logger.WithGroup(groupIndex).WithWorker(workerID).WithTask(t.ID)
	start := time.Now()

	if err := e.tracker.UpdateTaskStatus(ctx, t.ID, task.StatusInProgress); err != nil {
		logger.Warn("failed to mark task in progress", "error", err.Error())
	}

	e.mu.Lock()
	e.workers[workerID] = &WorkerState{
		WorkerID:   workerID,
		TaskID:     t.ID,
		TaskTitle:  t.Title,
		Branch:     branch,
		GroupIndex: groupIndex,
		StartedAt:  start,
	}
	session := e.sessionBranch
	e.mu.Unlock()

	logger.Info("worker started", "branch", branch)
	e.emit(event.NewWorkerStarted(workerID, t.ID, groupIndex))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = WorkerResult{
				WorkerID:   workerID,
				Task:       t,
				BranchName: branch,
				Duration:   time.Since(start),
				Error: errors.NewWorkerError(fmt.Sprintf("panic: %v", r), errors.ErrWorkerPanicked).
					WithWorkerID(workerID).
					WithTaskID(t.ID),
			}
		}

		e.mu.Lock()
		delete(e.workers, workerID)
		e.mu.Unlock()

		if res.Success && res.TaskCompleted {
			logger.Info("worker completed",
				"commits", res.CommitCount,
				"iterations", res.IterationsRun,
				"duration_ms", res.Duration.Milliseconds(),
			)
			e.emit(event.NewWorkerCompleted(workerID, t.ID, res.BranchName, res.CommitCount, res.IterationsRun, res.Duration))
			return
		}
		msg := "task not completed"
		if res.Error != nil {
			msg = errors.Message(res.Error)
		}
		logger.Warn("worker failed", "error", msg)
		e.emit(event.NewWorkerFailed(workerID, t.ID, msg))
	}()

	res = e.run.Spawner.SpawnWorker(ctx, worker.Request{
		WorkerID:   workerID,
		Task:       t,
		BaseBranch: session,
		Branch:     branch,
		Emit:       e.onWorkerEvent,
	})
	res.WorkerID = workerID
	res.Task = t
	if res.BranchName == "" {
		res.BranchName = branch
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// onWorkerEvent updates the live worker view and forwards the engine event.
func (e *Executor) onWorkerEvent(ev event.EngineEvent) {
	e.mu.Lock()
	w, ok := e.workers[ev.WorkerID]
	if ok {
		if ev.Iteration > 0 {
			w.Iteration = ev.Iteration
		}
		if ev.Kind == event.EngineOutput && ev.Output != "" {
			w.LastOutput = ev.Output
		}
	}
	e.mu.Unlock()

	e.emitEngine(ev)

	switch ev.Kind {
	case event.EngineIteration:
		e.emit(event.NewWorkerProgress(ev.WorkerID, ev.TaskID, ev.Iteration, fmt.Sprintf("iteration %d started", ev.Iteration)))
	case event.EngineSentinel:
		e.emit(event.NewWorkerProgress(ev.WorkerID, ev.TaskID, ev.Iteration, "completion reported"))
	}
}

// collect queues completed results for merge and fails the rest.
func (e *Executor) collect(ctx context.Context, results []WorkerResult, stats *roundStats) {
	for _, res := range results {
		if res.Success && res.TaskCompleted {
			e.engine.Enqueue(e.engine.NewOperation(res))
			continue
		}
		e.resetTask(ctx, res.Task.ID)
		e.recordFailure(res.Task.ID)
		stats.failed++
	}
}

// drainMerges processes the merge queue until it is empty or the run stops.
func (e *Executor) drainMerges(ctx context.Context, stats *roundStats) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	for e.engine.Len() > 0 {
		if err := e.gate.Wait(ctx); err != nil || e.stopped() {
			e.rollbackQueued(ctx, stats)
			return
		}
		res, ok := e.engine.ProcessNext(ctx)
		if !ok {
			return
		}
		op, _ := e.engine.Operation(res.OperationID)
		switch {
		case res.Success:
			e.mergeSucceeded(ctx, op, res, nil, stats)
		case res.HadConflicts && op.Status == merge.StatusConflicted:
			e.handleConflict(ctx, op, res, stats)
		case op.Status == merge.StatusQueued:
			// Blocked behind an unresolved merge; nothing more can land.
			e.logger.Error("merge queue blocked", "operation_id", op.ID, "error", errors.Message(res.Error))
			return
		default:
			e.mergeFailed(ctx, op, res, stats)
		}
	}
}

// rollbackQueued discards operations that will not be merged in this run.
// Their tasks go back to open and count as failed.
func (e *Executor) rollbackQueued(ctx context.Context, stats *roundStats) {
	for _, op := range e.engine.Queue() {
		if !e.engine.MarkOperationRolledBack(context.WithoutCancel(ctx), op.ID) {
			continue
		}
		taskID := op.TaskID()
		e.resetTask(ctx, taskID)
		e.recordFailure(taskID)
		stats.failed++
		stats.mergesFailed++

		e.mu.RLock()
		count := e.requeueCounts[taskID]
		e.mu.RUnlock()

		e.logger.WithTask(taskID).Info("queued merge discarded", "operation_id", op.ID)
		e.emit(event.NewMergeFailed(op.ID, taskID, false, "run stopped before merge"))
		e.emit(event.NewTaskRequeued(taskID, count, false))
	}
}

// mergeSucceeded completes the task on the tracker and records the merge.
// A nil stats means the merge came from an operator retry.
func (e *Executor) mergeSucceeded(ctx context.Context, op merge.Operation, res merge.Result, resolutions []event.Resolution, stats *roundStats) {
	taskID := op.TaskID()
	logger := e.logger.WithTask(taskID)

	if err := e.withTrackerRetry(func() error { return e.tracker.CompleteTask(ctx, taskID) }); err != nil {
		// The branch has landed; re-running the task would duplicate it.
		logger.Error("merged but failed to complete task on tracker", "operation_id", op.ID, "error", err.Error())
		e.recordFailure(taskID)
		if stats != nil {
			stats.failed++
		}
		return
	}

	e.mu.Lock()
	e.completed++
	e.landed[taskID] = true
	if e.countedFailed[taskID] {
		e.failed--
		delete(e.countedFailed, taskID)
	}
	e.completedMerges = append(e.completedMerges, res)
	e.mu.Unlock()
	if stats != nil {
		stats.completed++
	}

	if res.HadConflicts {
		e.emit(event.NewConflictResolved(op.ID, taskID, resolutions))
	}
	e.emit(event.NewMergeCompleted(op.ID, taskID, string(res.Strategy), res.FilesChanged, res.Duration))
}

// mergeFailed handles a non-conflict merge failure: the task goes back to
// open and is retried in the next round while it has requeue budget.
func (e *Executor) mergeFailed(ctx context.Context, op merge.Operation, res merge.Result, stats *roundStats) {
	taskID := op.TaskID()
	e.resetTask(ctx, taskID)
	e.recordFailure(taskID)
	stats.failed++
	stats.mergesFailed++

	count, willRetry := e.bumpRequeue(taskID, true)
	if willRetry {
		stats.requeue = append(stats.requeue, op.WorkerResult.Task)
	}

	msg := errors.Message(res.Error)
	e.logger.WithTask(taskID).Warn("merge failed", "operation_id", op.ID, "error", msg, "will_retry", willRetry)
	e.emit(event.NewMergeFailed(op.ID, taskID, res.HadConflicts, msg))
	e.emit(event.NewTaskRequeued(taskID, count, willRetry))
}

// bumpRequeue increments the task's requeue count up to the cap. It returns
// the new count and whether the task should be re-dispatched this run.
func (e *Executor) bumpRequeue(taskID string, retry bool) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.requeueCounts[taskID]
	if n >= e.cfg.MaxRequeueCount {
		return n, false
	}
	n++
	e.requeueCounts[taskID] = n
	return n, retry
}

// recordFailure counts a task as failed once, however often it fails.
func (e *Executor) recordFailure(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.countedFailed[taskID] {
		e.countedFailed[taskID] = true
		e.failed++
	}
}

func (e *Executor) resetTask(ctx context.Context, taskID string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.withTrackerRetry(func() error { return e.tracker.UpdateTaskStatus(ctx, taskID, task.StatusOpen) }); err != nil {
		e.logger.WithTask(taskID).Error("failed to reset task to open", "error", err.Error())
	}
}

// withTrackerRetry calls fn and repeats it once when the tracker reports a
// transient error. Tracker updates are idempotent.
func (e *Executor) withTrackerRetry(fn func() error) error {
	err := fn()
	if errors.IsRetryable(err) {
		e.logger.Debug("retrying tracker update", "error", err.Error())
		err = fn()
	}
	return err
}

func taskIDs(tasks []task.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func sortWorkers(ws []WorkerState) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].StartedAt.Equal(ws[j].StartedAt) {
			return ws[i].StartedAt.Before(ws[j].StartedAt)
		}
		return ws[i].WorkerID < ws[j].WorkerID
	})
}
