// Package task defines the task entity shared by the tracker backends, the
// task graph analyzer, and the parallel executor.
package task

import "time"

// Status represents the tracker-side state of a task.
type Status string

const (
	// StatusOpen indicates the task is waiting to be worked on.
	StatusOpen Status = "open"

	// StatusInProgress indicates a worker has picked the task up.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the task's work has been merged.
	StatusCompleted Status = "completed"

	// StatusCancelled indicates the task was dropped and will not run.
	StatusCancelled Status = "cancelled"

	// StatusBlocked indicates the task is waiting on something outside the graph.
	StatusBlocked Status = "blocked"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the task will never be scheduled again.
// Terminal tasks satisfy dependencies of the tasks that depend on them.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// Priority bounds. Lower values run first.
const (
	PriorityHighest = 0
	PriorityLowest  = 4
)

// Task is a unit of work owned by a tracker.
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status   `json:"status" yaml:"status"`
	Priority    int      `json:"priority" yaml:"priority"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// IsReady reports whether every dependency of t is terminal. Unknown
// dependencies are treated as satisfied, since the tracker no longer
// knows about them.
func (t Task) IsReady(lookup func(id string) (Task, bool)) bool {
	for _, depID := range t.DependsOn {
		dep, ok := lookup(depID)
		if ok && !dep.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a copy of t that shares no slices with it.
func (t Task) Clone() Task {
	t.DependsOn = append([]string(nil), t.DependsOn...)
	t.Files = append([]string(nil), t.Files...)
	return t
}

// ClampPriority pins p into the supported priority range.
func ClampPriority(p int) int {
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// Index builds an ID lookup over tasks.
func Index(tasks []Task) map[string]Task {
	m := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

// WorkerResult is what one worker invocation reports back for its task.
type WorkerResult struct {
	WorkerID      string
	Task          Task
	Success       bool
	IterationsRun int
	TaskCompleted bool
	Duration      time.Duration
	// BranchName is unique per invocation, even when a task is retried.
	BranchName  string
	CommitCount int
	Error       error
}
