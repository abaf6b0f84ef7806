package executor

import (
	"context"

	"github.com/Iron-Ham/parallax/internal/conflict"
	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/merge"
	"github.com/Iron-Ham/parallax/internal/tracker"
)

// handleConflict tries automated resolution of a conflicted merge. When it
// cannot land the merge, the operation is parked for an operator and the
// task counts as failed for this run.
func (e *Executor) handleConflict(ctx context.Context, op merge.Operation, res merge.Result, stats *roundStats) {
	logger := e.logger.WithTask(op.TaskID()).With("operation_id", op.ID)
	logger.Warn("merge conflict", "files", res.ConflictedFiles)

	if e.cfg.AIConflictResolution && e.resolver.HasCallback() {
		e.saveTrackerState(ctx)
		landed, final, resolutions, done := e.resolveAndConclude(ctx, op)
		if landed {
			e.mergeSucceeded(ctx, op, final, resolutions, stats)
			return
		}
		e.restoreTrackerState(ctx)
		if done {
			// The resolved merge could not be concluded and was rolled back
			// to the backup tag; treat it like any other merge failure.
			e.mergeFailed(ctx, op, final, stats)
			return
		}
		logger.Info("automatic resolution failed", "resolutions", len(resolutions))
	}

	e.parkConflict(ctx, op, res, stats)
}

// resolveAndConclude resolves op's conflicted files and, when every file
// resolved, concludes the merge. landed reports a successful merge; done
// reports that the operation left the conflicted state either way.
func (e *Executor) resolveAndConclude(ctx context.Context, op merge.Operation) (landed bool, final merge.Result, resolutions []event.Resolution, done bool) {
	rs := e.resolver.ResolveConflicts(ctx, op)
	resolutions = toEventResolutions(rs)
	if !conflict.AllResolved(rs) {
		return false, merge.Result{}, resolutions, false
	}
	if err := e.engine.Resubmit(ctx, op.ID, conflict.ResolvedFiles(rs)); err != nil {
		e.logger.Warn("failed to stage resolved files", "operation_id", op.ID, "error", errors.Message(err))
		return false, merge.Result{}, resolutions, false
	}
	final, ok := e.engine.ProcessNext(ctx)
	if !ok {
		return false, merge.Result{}, resolutions, false
	}
	return final.Success, final, resolutions, true
}

// parkConflict aborts the open merge and hands the operation to the
// operator queue.
func (e *Executor) parkConflict(ctx context.Context, op merge.Operation, res merge.Result, stats *roundStats) {
	taskID := op.TaskID()
	if err := e.engine.Park(ctx, op.ID); err != nil {
		e.logger.Error("failed to park conflicted merge", "operation_id", op.ID, "error", errors.Message(err))
	}
	if parked, ok := e.engine.Operation(op.ID); ok {
		op = parked
	}

	e.mu.Lock()
	e.pendingConflicts = append(e.pendingConflicts, PendingConflict{Operation: op, WorkerResult: op.WorkerResult})
	pending := len(e.pendingConflicts)
	e.mu.Unlock()

	e.resetTask(ctx, taskID)
	e.recordFailure(taskID)
	stats.failed++
	stats.mergesFailed++
	count, _ := e.bumpRequeue(taskID, false)

	e.emit(event.NewMergeFailed(op.ID, taskID, true, errors.Message(res.Error)))
	e.emit(event.NewTaskRequeued(taskID, count, false))
	e.emit(event.NewConflictDetected(op.ID, taskID, op.SourceBranch, op.ConflictedFiles, pending))
}

// RetryConflictResolution re-merges the oldest pending conflict and runs
// the resolver if it conflicts again. On success the task is completed and
// the conflict leaves the queue. On failure it stays at the head.
func (e *Executor) RetryConflictResolution(ctx context.Context) bool {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	head, ok := e.pendingHead()
	if !ok {
		return false
	}
	id := head.Operation.ID
	taskID := head.Operation.TaskID()
	logger := e.logger.WithTask(taskID).With("operation_id", id)

	if op, found := e.engine.Operation(id); found && op.Status == merge.StatusConflicted && !op.Parked() {
		// An earlier park failed and the merge may still be open.
		if err := e.engine.Park(ctx, id); err != nil {
			logger.Warn("cannot park conflict before retry", "error", errors.Message(err))
			return false
		}
	}
	if err := e.engine.Requeue(id); err != nil {
		logger.Warn("cannot retry conflict", "error", errors.Message(err))
		if op, found := e.engine.Operation(id); !found || op.Status.IsTerminal() {
			e.dropPendingHead(id)
		}
		return false
	}

	res, ok := e.engine.ProcessNext(ctx)
	if !ok {
		return false
	}

	var resolutions []event.Resolution
	if !res.Success && res.HadConflicts {
		op, _ := e.engine.Operation(id)
		if op.Status == merge.StatusConflicted {
			e.saveTrackerState(ctx)
			_, final, rs, done := e.resolveAndConclude(ctx, op)
			resolutions = rs
			if done {
				res = final
			}
		}
	}

	op, _ := e.engine.Operation(id)
	if res.Success {
		e.dropPendingHead(id)
		logger.Info("conflict resolved on retry", "strategy", string(res.Strategy))
		if !res.HadConflicts {
			// The branch merged cleanly against the current integration head.
			e.emit(event.NewConflictResolved(id, taskID, resolutions))
		}
		e.mergeSucceeded(ctx, op, res, resolutions, nil)
		e.settle()
		return true
	}

	e.restoreTrackerState(ctx)
	switch op.Status {
	case merge.StatusConflicted:
		if err := e.engine.Park(ctx, id); err != nil {
			logger.Error("failed to park conflicted merge", "error", errors.Message(err))
		}
		if parked, found := e.engine.Operation(id); found {
			e.mu.Lock()
			if len(e.pendingConflicts) > 0 && e.pendingConflicts[0].Operation.ID == id {
				e.pendingConflicts[0].Operation = parked
			}
			e.mu.Unlock()
		}
		logger.Info("conflict retry failed; conflict remains pending")
	default:
		// The operation reached a terminal state and can no longer be retried.
		e.dropPendingHead(id)
		msg := errors.Message(res.Error)
		logger.Warn("conflict retry failed", "status", string(op.Status), "error", msg)
		e.emit(event.NewMergeFailed(id, taskID, res.HadConflicts, msg))
		e.announceHead()
	}
	return false
}

// SkipFailedConflict rolls back the oldest pending conflict and announces
// the next one. It returns false when nothing is pending.
func (e *Executor) SkipFailedConflict(ctx context.Context) bool {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	head, ok := e.pendingHead()
	if !ok {
		return false
	}
	id := head.Operation.ID
	taskID := head.Operation.TaskID()

	if !e.engine.MarkOperationRolledBack(ctx, id) {
		e.logger.Warn("conflicted merge was already terminal", "operation_id", id)
	}
	e.dropPendingHead(id)
	e.logger.WithTask(taskID).Info("conflict skipped", "operation_id", id)

	e.emit(event.NewConflictResolved(id, taskID, nil))
	e.announceHead()
	return true
}

// settle moves a failed run to completed once operator retries have
// cleared every counted failure.
func (e *Executor) settle() {
	e.mu.Lock()
	if e.status != StatusFailed || e.failed > 0 {
		e.mu.Unlock()
		return
	}
	e.status = StatusCompleted
	completed, pending := e.completed, len(e.pendingConflicts)
	elapsed := e.finishedAt.Sub(e.startedAt)
	e.mu.Unlock()

	e.logger.Info("execution completed after operator retries", "completed", completed)
	e.emit(event.NewExecutionCompleted(string(StatusCompleted), completed, 0, pending, elapsed))
}

func (e *Executor) pendingHead() (PendingConflict, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.pendingConflicts) == 0 {
		return PendingConflict{}, false
	}
	return e.pendingConflicts[0], true
}

func (e *Executor) dropPendingHead(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingConflicts) > 0 && e.pendingConflicts[0].Operation.ID == id {
		e.pendingConflicts = e.pendingConflicts[1:]
	}
}

// announceHead emits conflict.detected for the new head, if any.
func (e *Executor) announceHead() {
	e.mu.RLock()
	if len(e.pendingConflicts) == 0 {
		e.mu.RUnlock()
		return
	}
	next := e.pendingConflicts[0].Operation
	pending := len(e.pendingConflicts)
	e.mu.RUnlock()

	e.emit(event.NewConflictDetected(next.ID, next.TaskID(), next.SourceBranch, next.ConflictedFiles, pending))
}

func (e *Executor) saveTrackerState(ctx context.Context) {
	if s, ok := e.tracker.(tracker.Snapshotter); ok {
		if err := s.SaveState(ctx); err != nil {
			e.logger.Warn("failed to save tracker state", "error", err.Error())
		}
	}
}

func (e *Executor) restoreTrackerState(ctx context.Context) {
	if s, ok := e.tracker.(tracker.Snapshotter); ok {
		if err := s.RestoreState(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to restore tracker state", "error", err.Error())
		}
	}
}

func toEventResolutions(rs []conflict.Resolution) []event.Resolution {
	out := make([]event.Resolution, len(rs))
	for i, r := range rs {
		out[i] = event.Resolution{FilePath: r.FilePath, Success: r.Success, Method: string(r.Method)}
		if r.Error != nil {
			out[i].Error = errors.Message(r.Error)
		}
	}
	return out
}
