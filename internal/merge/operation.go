// Package merge serializes worker branches into the integration branch.
//
// The [Engine] owns a FIFO queue of [Operation]s. Each call to
// [Engine.ProcessNext] takes the head, tags the integration branch so the
// pre-merge state is always recoverable, then tries a fast-forward before
// falling back to a merge commit. A conflicted merge is left in progress for
// the caller to resolve, park, or roll back.
package merge

import (
	"time"

	"github.com/Iron-Ham/parallax/internal/task"
)

// Status is the lifecycle state of a merge operation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusConflicted Status = "conflicted"
	StatusMerged     Status = "merged"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the operation will never be processed again.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusRolledBack || s == StatusFailed
}

// Strategy names how an operation landed.
type Strategy string

const (
	StrategyFastForward Strategy = "fast-forward"
	StrategyMergeCommit Strategy = "merge-commit"
	// StrategyResolved concludes a conflicted merge after its files were resolved.
	StrategyResolved Strategy = "resolved"
)

// Operation is one worker result travelling through the merge queue.
type Operation struct {
	ID              string
	WorkerResult    task.WorkerResult
	Status          Status
	BackupTag       string
	SourceBranch    string
	CommitMessage   string
	QueuedAt        time.Time
	ConflictedFiles []string

	// Attempts counts how many times ProcessNext has picked the operation up.
	Attempts int

	resolved bool // resolved files are staged; the next pass concludes the merge
	parked   bool // conflicted merge was aborted and awaits an operator
}

// TaskID is shorthand for the task the operation merges.
func (o *Operation) TaskID() string {
	return o.WorkerResult.Task.ID
}

// Parked reports whether a conflicted operation has been set aside for an operator.
func (o *Operation) Parked() bool {
	return o.parked
}

// Clone returns a copy of o that shares no slices with it.
func (o *Operation) Clone() Operation {
	c := *o
	c.ConflictedFiles = append([]string(nil), o.ConflictedFiles...)
	c.WorkerResult.Task = o.WorkerResult.Task.Clone()
	return c
}

// Result describes one ProcessNext pass.
type Result struct {
	OperationID     string
	Success         bool
	Strategy        Strategy
	HadConflicts    bool
	FilesChanged    int
	Duration        time.Duration
	ConflictedFiles []string
	Error           error
}
