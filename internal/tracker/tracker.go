// Package tracker stores the task list the executor works through.
//
// Two backends are provided. [FileTracker] keeps tasks in a YAML (or JSON)
// file that people edit by hand. [SQLiteTracker] keeps them in a SQLite
// database for longer-lived projects. Both implement [Snapshotter] so the
// executor can roll the task list back when a conflict resolution attempt
// fails.
package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/task"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Tracker is the full backend surface. The executor only needs a subset of
// it and declares its own narrower interface.
type Tracker interface {
	GetTasks(ctx context.Context) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	CompleteTask(ctx context.Context, id string) error
	Snapshotter
	Close() error
}

// Snapshotter saves and restores the tracker's task state in memory. Only
// the latest snapshot is kept.
type Snapshotter interface {
	SaveState(ctx context.Context) error
	RestoreState(ctx context.Context) error
}

// Open returns the backend named by backend, stored at path. An empty backend
// is inferred from the file extension.
func Open(ctx context.Context, backend, path string) (Tracker, error) {
	if backend == "" {
		backend = BackendFor(path)
	}
	switch backend {
	case BackendFile:
		return NewFileTracker(path)
	case BackendSQLite:
		return NewSQLiteTracker(ctx, path)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown tracker backend %q", backend)).
			WithField("tracker.backend").
			WithValue(backend)
	}
}

// BackendFor guesses a backend from a path's extension.
func BackendFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return BackendSQLite
	default:
		return BackendFile
	}
}

func validateStatus(backend, id string, status task.Status) error {
	if !status.IsValid() {
		return errors.NewTrackerError(fmt.Sprintf("invalid status %q", status), errors.ErrInvalidInput).
			WithBackend(backend).
			WithTaskID(id)
	}
	return nil
}

func notFound(id string) error {
	return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
}
