package executor

import (
	"time"

	"github.com/Iron-Ham/parallax/internal/merge"
	"github.com/Iron-Ham/parallax/internal/task"
	"github.com/Iron-Ham/parallax/internal/taskgraph"
)

// Status is the executor's lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusExecuting   Status = "executing"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether a run in this state has ended.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// validTransitions lists the moves each state allows. Stop is handled
// separately: it forces any state into interrupted.
var validTransitions = map[Status][]Status{
	StatusIdle:      {StatusExecuting, StatusFailed},
	StatusExecuting: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusExecuting},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkerResult is what a worker reports for its task.
type WorkerResult = task.WorkerResult

// WorkerState describes a live worker.
type WorkerState struct {
	WorkerID   string
	TaskID     string
	TaskTitle  string
	Branch     string
	GroupIndex int
	Iteration  int
	LastOutput string
	StartedAt  time.Time
}

// PendingConflict is a conflicted merge waiting for an operator to retry or
// skip it.
type PendingConflict struct {
	Operation    merge.Operation
	WorkerResult WorkerResult
}

// State is a point-in-time snapshot of the executor. It is a deep copy;
// changing it never affects the executor.
type State struct {
	Status            Status
	Analysis          *taskgraph.Analysis
	CurrentGroupIndex int
	TotalGroups       int
	Workers           []WorkerState
	MergeQueue        []merge.Operation
	CompletedMerges   []merge.Result
	ActiveConflicts   []PendingConflict

	TotalTasksCompleted int
	TotalTasksFailed    int
	TotalTasks          int

	StartedAt time.Time
	Elapsed   time.Duration

	SessionID      string
	SessionBranch  string
	OriginalBranch string
}
