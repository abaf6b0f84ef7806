package event

import "time"

// Type identifies an event kind. Values follow "category.action".
type Type string

const (
	TypeExecutionStarted   Type = "execution.started"
	TypeExecutionPaused    Type = "execution.paused"
	TypeExecutionResumed   Type = "execution.resumed"
	TypeExecutionStopped   Type = "execution.stopped"
	TypeExecutionCompleted Type = "execution.completed"
	TypeGroupStarted       Type = "group.started"
	TypeGroupCompleted     Type = "group.completed"
	TypeWorkerStarted      Type = "worker.started"
	TypeWorkerProgress     Type = "worker.progress"
	TypeWorkerCompleted    Type = "worker.completed"
	TypeWorkerFailed       Type = "worker.failed"
	TypeMergeCompleted     Type = "merge.completed"
	TypeMergeFailed        Type = "merge.failed"
	TypeConflictDetected   Type = "conflict.detected"
	TypeConflictResolved   Type = "conflict.resolved"
	TypeTaskRequeued       Type = "task.requeued"
	TypeTaskSkipped        Type = "task.skipped"
)

// Event is the closed set of executor events. Only types in this package
// implement it; consumers handle every case through a Visitor.
type Event interface {
	Type() Type
	Timestamp() time.Time
	Accept(v Visitor)
	sealed()
}

// Visitor handles every event kind. Adding an event kind adds a method here,
// so every consumer fails to compile until it handles the new kind.
type Visitor interface {
	VisitExecutionStarted(ExecutionStarted)
	VisitExecutionPaused(ExecutionPaused)
	VisitExecutionResumed(ExecutionResumed)
	VisitExecutionStopped(ExecutionStopped)
	VisitExecutionCompleted(ExecutionCompleted)
	VisitGroupStarted(GroupStarted)
	VisitGroupCompleted(GroupCompleted)
	VisitWorkerStarted(WorkerStarted)
	VisitWorkerProgress(WorkerProgress)
	VisitWorkerCompleted(WorkerCompleted)
	VisitWorkerFailed(WorkerFailed)
	VisitMergeCompleted(MergeCompleted)
	VisitMergeFailed(MergeFailed)
	VisitConflictDetected(ConflictDetected)
	VisitConflictResolved(ConflictResolved)
	VisitTaskRequeued(TaskRequeued)
	VisitTaskSkipped(TaskSkipped)
}

// base carries the timestamp shared by every event.
type base struct {
	at time.Time
}

func (b base) Timestamp() time.Time { return b.at }
func (base) sealed()                {}

func now() base { return base{at: time.Now()} }

// -----------------------------------------------------------------------------
// Execution lifecycle
// -----------------------------------------------------------------------------

// ExecutionStarted is emitted once the session branch exists and groups are planned.
type ExecutionStarted struct {
	base
	SessionID      string   `json:"session_id"`
	SessionBranch  string   `json:"session_branch"`
	OriginalBranch string   `json:"original_branch"`
	TotalTasks     int      `json:"total_tasks"`
	TotalGroups    int      `json:"total_groups"`
	CyclicTaskIDs  []string `json:"cyclic_task_ids,omitempty"`
	// BlockedTaskIDs depend on a cycle without being part of one.
	BlockedTaskIDs []string `json:"blocked_task_ids,omitempty"`
}

func NewExecutionStarted(sessionID, sessionBranch, originalBranch string, totalTasks, totalGroups int, cyclic, blocked []string) ExecutionStarted {
	return ExecutionStarted{now(), sessionID, sessionBranch, originalBranch, totalTasks, totalGroups, cyclic, blocked}
}

func (ExecutionStarted) Type() Type         { return TypeExecutionStarted }
func (e ExecutionStarted) Accept(v Visitor) { v.VisitExecutionStarted(e) }

// ExecutionPaused is emitted when the pause gate closes.
type ExecutionPaused struct {
	base
	GroupIndex int `json:"group_index"`
}

func NewExecutionPaused(groupIndex int) ExecutionPaused {
	return ExecutionPaused{now(), groupIndex}
}

func (ExecutionPaused) Type() Type         { return TypeExecutionPaused }
func (e ExecutionPaused) Accept(v Visitor) { v.VisitExecutionPaused(e) }

// ExecutionResumed is emitted when the pause gate reopens.
type ExecutionResumed struct {
	base
	GroupIndex int `json:"group_index"`
}

func NewExecutionResumed(groupIndex int) ExecutionResumed {
	return ExecutionResumed{now(), groupIndex}
}

func (ExecutionResumed) Type() Type         { return TypeExecutionResumed }
func (e ExecutionResumed) Accept(v Visitor) { v.VisitExecutionResumed(e) }

// ExecutionStopped is emitted when an operator stops the run.
type ExecutionStopped struct {
	base
	PreviousStatus string `json:"previous_status"`
}

func NewExecutionStopped(previous string) ExecutionStopped {
	return ExecutionStopped{now(), previous}
}

func (ExecutionStopped) Type() Type         { return TypeExecutionStopped }
func (e ExecutionStopped) Accept(v Visitor) { v.VisitExecutionStopped(e) }

// ExecutionCompleted is emitted when the run reaches completed, failed or interrupted.
type ExecutionCompleted struct {
	base
	Status              string        `json:"status"`
	TotalTasksCompleted int           `json:"total_tasks_completed"`
	TotalTasksFailed    int           `json:"total_tasks_failed"`
	PendingConflicts    int           `json:"pending_conflicts"`
	Elapsed             time.Duration `json:"elapsed_ns"`
}

func NewExecutionCompleted(status string, completed, failed, pending int, elapsed time.Duration) ExecutionCompleted {
	return ExecutionCompleted{now(), status, completed, failed, pending, elapsed}
}

func (ExecutionCompleted) Type() Type         { return TypeExecutionCompleted }
func (e ExecutionCompleted) Accept(v Visitor) { v.VisitExecutionCompleted(e) }

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// GroupStarted is emitted before each dispatch round of a group.
type GroupStarted struct {
	base
	GroupIndex int      `json:"group_index"`
	Round      int      `json:"round"`
	TaskIDs    []string `json:"task_ids"`
	Batches    int      `json:"batches"`
}

func NewGroupStarted(groupIndex, round int, taskIDs []string, batches int) GroupStarted {
	return GroupStarted{now(), groupIndex, round, taskIDs, batches}
}

func (GroupStarted) Type() Type         { return TypeGroupStarted }
func (e GroupStarted) Accept(v Visitor) { v.VisitGroupStarted(e) }

// GroupCompleted is emitted after each dispatch round of a group has been merged.
type GroupCompleted struct {
	base
	GroupIndex    int `json:"group_index"`
	Round         int `json:"round"`
	TasksComplete int `json:"tasks_completed"`
	TasksFailed   int `json:"tasks_failed"`
	MergesFailed  int `json:"merges_failed"`
	Requeued      int `json:"requeued"`
}

func NewGroupCompleted(groupIndex, round, completed, failed, mergesFailed, requeued int) GroupCompleted {
	return GroupCompleted{now(), groupIndex, round, completed, failed, mergesFailed, requeued}
}

func (GroupCompleted) Type() Type         { return TypeGroupCompleted }
func (e GroupCompleted) Accept(v Visitor) { v.VisitGroupCompleted(e) }

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// WorkerStarted is emitted when a worker is dispatched for a task.
type WorkerStarted struct {
	base
	WorkerID   string `json:"worker_id"`
	TaskID     string `json:"task_id"`
	GroupIndex int    `json:"group_index"`
}

func NewWorkerStarted(workerID, taskID string, groupIndex int) WorkerStarted {
	return WorkerStarted{now(), workerID, taskID, groupIndex}
}

func (WorkerStarted) Type() Type         { return TypeWorkerStarted }
func (e WorkerStarted) Accept(v Visitor) { v.VisitWorkerStarted(e) }

// WorkerProgress is emitted as a worker finishes an agent iteration.
type WorkerProgress struct {
	base
	WorkerID  string `json:"worker_id"`
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	Message   string `json:"message,omitempty"`
}

func NewWorkerProgress(workerID, taskID string, iteration int, message string) WorkerProgress {
	return WorkerProgress{now(), workerID, taskID, iteration, message}
}

func (WorkerProgress) Type() Type         { return TypeWorkerProgress }
func (e WorkerProgress) Accept(v Visitor) { v.VisitWorkerProgress(e) }

// WorkerCompleted is emitted when a worker reports its task complete.
type WorkerCompleted struct {
	base
	WorkerID    string        `json:"worker_id"`
	TaskID      string        `json:"task_id"`
	BranchName  string        `json:"branch_name"`
	CommitCount int           `json:"commit_count"`
	Iterations  int           `json:"iterations"`
	Duration    time.Duration `json:"duration_ns"`
}

func NewWorkerCompleted(workerID, taskID, branch string, commits, iterations int, d time.Duration) WorkerCompleted {
	return WorkerCompleted{now(), workerID, taskID, branch, commits, iterations, d}
}

func (WorkerCompleted) Type() Type         { return TypeWorkerCompleted }
func (e WorkerCompleted) Accept(v Visitor) { v.VisitWorkerCompleted(e) }

// WorkerFailed is emitted when a worker errors or stops without completing its task.
type WorkerFailed struct {
	base
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	Error    string `json:"error"`
}

func NewWorkerFailed(workerID, taskID, errMsg string) WorkerFailed {
	return WorkerFailed{now(), workerID, taskID, errMsg}
}

func (WorkerFailed) Type() Type         { return TypeWorkerFailed }
func (e WorkerFailed) Accept(v Visitor) { v.VisitWorkerFailed(e) }

// -----------------------------------------------------------------------------
// Merges and conflicts
// -----------------------------------------------------------------------------

// MergeCompleted is emitted when a worker branch lands on the session branch.
type MergeCompleted struct {
	base
	OperationID  string        `json:"operation_id"`
	TaskID       string        `json:"task_id"`
	Strategy     string        `json:"strategy"`
	FilesChanged int           `json:"files_changed"`
	Duration     time.Duration `json:"duration_ns"`
}

func NewMergeCompleted(opID, taskID, strategy string, files int, d time.Duration) MergeCompleted {
	return MergeCompleted{now(), opID, taskID, strategy, files, d}
}

func (MergeCompleted) Type() Type         { return TypeMergeCompleted }
func (e MergeCompleted) Accept(v Visitor) { v.VisitMergeCompleted(e) }

// MergeFailed is emitted when a merge operation does not land.
type MergeFailed struct {
	base
	OperationID  string `json:"operation_id"`
	TaskID       string `json:"task_id"`
	HadConflicts bool   `json:"had_conflicts"`
	Error        string `json:"error"`
}

func NewMergeFailed(opID, taskID string, hadConflicts bool, errMsg string) MergeFailed {
	return MergeFailed{now(), opID, taskID, hadConflicts, errMsg}
}

func (MergeFailed) Type() Type         { return TypeMergeFailed }
func (e MergeFailed) Accept(v Visitor) { v.VisitMergeFailed(e) }

// ConflictDetected is emitted when a conflict is waiting for an operator decision.
type ConflictDetected struct {
	base
	OperationID     string   `json:"operation_id"`
	TaskID          string   `json:"task_id"`
	Branch          string   `json:"branch"`
	ConflictedFiles []string `json:"conflicted_files"`
	Pending         int      `json:"pending"`
}

func NewConflictDetected(opID, taskID, branch string, files []string, pending int) ConflictDetected {
	return ConflictDetected{now(), opID, taskID, branch, files, pending}
}

func (ConflictDetected) Type() Type         { return TypeConflictDetected }
func (e ConflictDetected) Accept(v Visitor) { v.VisitConflictDetected(e) }

// Resolution summarizes the outcome for one conflicted file.
type Resolution struct {
	FilePath string `json:"file_path"`
	Success  bool   `json:"success"`
	Method   string `json:"method"`
	Error    string `json:"error,omitempty"`
}

// ConflictResolved is emitted when a pending conflict leaves the queue. An
// empty Resolutions list means the operator skipped it.
type ConflictResolved struct {
	base
	OperationID string       `json:"operation_id"`
	TaskID      string       `json:"task_id"`
	Resolutions []Resolution `json:"resolutions"`
}

func NewConflictResolved(opID, taskID string, resolutions []Resolution) ConflictResolved {
	if resolutions == nil {
		resolutions = []Resolution{}
	}
	return ConflictResolved{now(), opID, taskID, resolutions}
}

func (ConflictResolved) Type() Type         { return TypeConflictResolved }
func (e ConflictResolved) Accept(v Visitor) { v.VisitConflictResolved(e) }

// Skipped reports whether the conflict was discarded rather than resolved.
func (e ConflictResolved) Skipped() bool { return len(e.Resolutions) == 0 }

// TaskRequeued is emitted when a task goes back to open after a merge failure.
type TaskRequeued struct {
	base
	TaskID       string `json:"task_id"`
	RequeueCount int    `json:"requeue_count"`
	WillRetry    bool   `json:"will_retry"`
}

func NewTaskRequeued(taskID string, count int, willRetry bool) TaskRequeued {
	return TaskRequeued{now(), taskID, count, willRetry}
}

func (TaskRequeued) Type() Type         { return TypeTaskRequeued }
func (e TaskRequeued) Accept(v Visitor) { v.VisitTaskRequeued(e) }

// TaskSkipped is emitted when a task is not dispatched because a dependency
// did not complete in this run. The task is reset to open.
type TaskSkipped struct {
	base
	TaskID     string   `json:"task_id"`
	GroupIndex int      `json:"group_index"`
	BlockedBy  []string `json:"blocked_by"`
	Reason     string   `json:"reason"`
}

func NewTaskSkipped(taskID string, groupIndex int, blockedBy []string, reason string) TaskSkipped {
	return TaskSkipped{now(), taskID, groupIndex, blockedBy, reason}
}

func (TaskSkipped) Type() Type         { return TypeTaskSkipped }
func (e TaskSkipped) Accept(v Visitor) { v.VisitTaskSkipped(e) }
