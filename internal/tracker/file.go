package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/task"
)

// taskFile is the on-disk layout of a task list:
//
//	tasks:
//	  - id: auth-1
//	    title: Add login endpoint
//	    priority: 1
//	    depends_on: [db-1]
type taskFile struct {
	Tasks []task.Task `json:"tasks" yaml:"tasks"`
}

// FileTracker keeps tasks in a YAML or JSON file. The file is re-read on
// every call so edits made while a run is in progress are picked up at the
// next group boundary. Writes are atomic and guarded by a lock file.
type FileTracker struct {
	path string

	mu       sync.Mutex
	snapshot []byte
}

// NewFileTracker opens the task file at path. The file must exist and parse.
func NewFileTracker(path string) (*FileTracker, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewTrackerError("resolving task file path", err).WithBackend(BackendFile)
	}
	ft := &FileTracker{path: abs}
	if _, err := ft.read(); err != nil {
		return nil, err
	}
	return ft, nil
}

// Path returns the absolute path of the task file.
func (ft *FileTracker) Path() string {
	return ft.path
}

// GetTasks returns every task in file order.
func (ft *FileTracker) GetTasks(_ context.Context) ([]task.Task, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	lock := newFileLock(ft.path)
	if err := lock.Lock(); err != nil {
		return nil, errors.NewTrackerError("locking task file", err).WithBackend(BackendFile)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := ft.read()
	if err != nil {
		return nil, err
	}
	return f.Tasks, nil
}

// UpdateTaskStatus sets the status of one task.
func (ft *FileTracker) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	if err := validateStatus(BackendFile, id, status); err != nil {
		return err
	}
	return ft.mutate(func(f *taskFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == id {
				f.Tasks[i].Status = status
				return nil
			}
		}
		return notFound(id)
	})
}

// CompleteTask marks a task completed.
func (ft *FileTracker) CompleteTask(ctx context.Context, id string) error {
	return ft.UpdateTaskStatus(ctx, id, task.StatusCompleted)
}

// AddTasks appends tasks to the file. IDs must not already exist.
func (ft *FileTracker) AddTasks(_ context.Context, tasks ...task.Task) error {
	return ft.mutate(func(f *taskFile) error {
		seen := make(map[string]bool, len(f.Tasks))
		for _, t := range f.Tasks {
			seen[t.ID] = true
		}
		for _, t := range tasks {
			if seen[t.ID] {
				return errors.NewValidationError(fmt.Sprintf("duplicate task id %q", t.ID)).WithField("id").WithValue(t.ID)
			}
			seen[t.ID] = true
			f.Tasks = append(f.Tasks, t)
		}
		return normalize(f.Tasks)
	})
}

// SaveState snapshots the file contents in memory.
func (ft *FileTracker) SaveState(_ context.Context) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	data, err := os.ReadFile(ft.path)
	if err != nil {
		return errors.NewTrackerError("snapshotting task file", err).WithBackend(BackendFile)
	}
	ft.snapshot = data
	return nil
}

// RestoreState writes the last snapshot back. Without a snapshot it does
// nothing.
func (ft *FileTracker) RestoreState(_ context.Context) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.snapshot == nil {
		return nil
	}

	lock := newFileLock(ft.path)
	if err := lock.Lock(); err != nil {
		return errors.NewTrackerError("locking task file", err).WithBackend(BackendFile)
	}
	defer func() { _ = lock.Unlock() }()

	return ft.writeRaw(ft.snapshot)
}

// Close releases nothing; the file is only open during calls.
func (ft *FileTracker) Close() error {
	return nil
}

func (ft *FileTracker) mutate(fn func(*taskFile) error) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	lock := newFileLock(ft.path)
	if err := lock.Lock(); err != nil {
		return errors.NewTrackerError("locking task file", err).WithBackend(BackendFile)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := ft.read()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	data, err := ft.encode(f)
	if err != nil {
		return err
	}
	return ft.writeRaw(data)
}

func (ft *FileTracker) read() (*taskFile, error) {
	data, err := os.ReadFile(ft.path)
	if err != nil {
		return nil, errors.NewTrackerError("reading task file", err).WithBackend(BackendFile)
	}

	var f taskFile
	// JSON is a subset of YAML, so one decoder covers both formats.
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewTrackerError(fmt.Sprintf("parsing %s", filepath.Base(ft.path)), err).WithBackend(BackendFile)
	}
	if err := normalize(f.Tasks); err != nil {
		return nil, err
	}
	return &f, nil
}

func (ft *FileTracker) encode(f *taskFile) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(ft.path), ".json") {
		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return nil, errors.NewTrackerError("encoding task file", err).WithBackend(BackendFile)
		}
		return append(data, '\n'), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, errors.NewTrackerError("encoding task file", err).WithBackend(BackendFile)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.NewTrackerError("encoding task file", err).WithBackend(BackendFile)
	}
	return buf.Bytes(), nil
}

func (ft *FileTracker) writeRaw(data []byte) error {
	tmp := ft.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewTrackerError("writing temp task file", err).WithBackend(BackendFile)
	}
	if err := os.Rename(tmp, ft.path); err != nil {
		_ = os.Remove(tmp)
		return errors.NewTrackerError("replacing task file", err).WithBackend(BackendFile)
	}
	return nil
}

// normalize fills defaults and rejects lists the executor cannot run.
func normalize(tasks []task.Task) error {
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if strings.TrimSpace(t.ID) == "" {
			return errors.NewValidationError(fmt.Sprintf("task %d has no id", i)).WithField("id")
		}
		if seen[t.ID] {
			return errors.NewValidationError(fmt.Sprintf("duplicate task id %q", t.ID)).WithField("id").WithValue(t.ID)
		}
		seen[t.ID] = true

		if t.Status == "" {
			t.Status = task.StatusOpen
		}
		if !t.Status.IsValid() {
			return errors.NewValidationError(fmt.Sprintf("task %q has invalid status %q", t.ID, t.Status)).
				WithField("status").
				WithValue(string(t.Status))
		}
		t.Priority = task.ClampPriority(t.Priority)
	}
	return nil
}
