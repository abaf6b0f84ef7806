package tracker

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/task"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteTracker keeps tasks in a SQLite database. The schema is migrated
// on open.
type SQLiteTracker struct {
	db *sql.DB

	mu       sync.Mutex
	snapshot map[string]task.Status
}

// NewSQLiteTracker opens (creating if needed) the database at path.
func NewSQLiteTracker(ctx context.Context, path string) (*SQLiteTracker, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.NewTrackerError("creating database directory", err).WithBackend(BackendSQLite)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewTrackerError("opening database", err).WithBackend(BackendSQLite)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	if err := migrateUp(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteTracker{db: db}, nil
}

func migrateUp(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return errors.NewTrackerError("connecting to database", err).WithBackend(BackendSQLite)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return errors.NewTrackerError("creating migration driver", err).WithBackend(BackendSQLite)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.NewTrackerError("loading migrations", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = src.Close() }()

	// The migrate instance is not closed: closing it would close db too.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.NewTrackerError("creating migrator", err).WithBackend(BackendSQLite)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.NewTrackerError("running migrations", err).WithBackend(BackendSQLite)
	}
	return nil
}

// GetTasks returns every task in insertion order.
func (s *SQLiteTracker) GetTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, status, priority, files
		FROM tasks
		ORDER BY position`)
	if err != nil {
		return nil, errors.NewTrackerError("querying tasks", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = rows.Close() }()

	var tasks []task.Task
	index := make(map[string]int)
	for rows.Next() {
		var t task.Task
		var status, files string
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &files); err != nil {
			return nil, errors.NewTrackerError("scanning task", err).WithBackend(BackendSQLite)
		}
		t.Status = task.Status(status)
		if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
			return nil, errors.NewTrackerError("decoding task files", err).WithBackend(BackendSQLite).WithTaskID(t.ID)
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTrackerError("iterating tasks", err).WithBackend(BackendSQLite)
	}
	_ = rows.Close()

	deps, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on
		FROM task_dependencies
		ORDER BY task_id, position`)
	if err != nil {
		return nil, errors.NewTrackerError("querying dependencies", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = deps.Close() }()

	for deps.Next() {
		var id, dep string
		if err := deps.Scan(&id, &dep); err != nil {
			return nil, errors.NewTrackerError("scanning dependency", err).WithBackend(BackendSQLite)
		}
		if i, ok := index[id]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, dep)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, errors.NewTrackerError("iterating dependencies", err).WithBackend(BackendSQLite)
	}
	return tasks, nil
}

// UpdateTaskStatus sets the status of one task.
func (s *SQLiteTracker) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	if err := validateStatus(BackendSQLite, id, status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return errors.NewTrackerError("updating task status", err).WithBackend(BackendSQLite).WithTaskID(id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewTrackerError("updating task status", err).WithBackend(BackendSQLite).WithTaskID(id)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// CompleteTask marks a task completed.
func (s *SQLiteTracker) CompleteTask(ctx context.Context, id string) error {
	return s.UpdateTaskStatus(ctx, id, task.StatusCompleted)
}

// AddTasks inserts tasks after the existing ones, in order.
func (s *SQLiteTracker) AddTasks(ctx context.Context, tasks ...task.Task) error {
	if err := normalize(tasks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTrackerError("beginning transaction", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM tasks`).Scan(&next); err != nil {
		return errors.NewTrackerError("reading task position", err).WithBackend(BackendSQLite)
	}

	now := time.Now().Unix()
	for i, t := range tasks {
		files, err := json.Marshal(nonNil(t.Files))
		if err != nil {
			return errors.NewTrackerError("encoding task files", err).WithBackend(BackendSQLite).WithTaskID(t.ID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, position, title, description, status, priority, files, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, next+i, t.Title, t.Description, string(t.Status), t.Priority, string(files), now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errors.NewValidationError(fmt.Sprintf("duplicate task id %q", t.ID)).WithField("id").WithValue(t.ID)
			}
			return errors.NewTrackerError("inserting task", err).WithBackend(BackendSQLite).WithTaskID(t.ID)
		}
		for j, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, position) VALUES (?, ?, ?)`,
				t.ID, dep, j); err != nil {
				return errors.NewTrackerError("inserting dependency", err).WithBackend(BackendSQLite).WithTaskID(t.ID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewTrackerError("committing tasks", err).WithBackend(BackendSQLite)
	}
	return nil
}

// SaveState snapshots every task's status in memory.
func (s *SQLiteTracker) SaveState(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return errors.NewTrackerError("snapshotting tasks", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = rows.Close() }()

	snap := make(map[string]task.Status)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return errors.NewTrackerError("snapshotting tasks", err).WithBackend(BackendSQLite)
		}
		snap[id] = task.Status(status)
	}
	if err := rows.Err(); err != nil {
		return errors.NewTrackerError("snapshotting tasks", err).WithBackend(BackendSQLite)
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	return nil
}

// RestoreState puts back the statuses from the last snapshot. Tasks added
// since the snapshot keep their status.
func (s *SQLiteTracker) RestoreState(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()
	if snap == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTrackerError("beginning transaction", err).WithBackend(BackendSQLite)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for id, status := range snap {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id); err != nil {
			return errors.NewTrackerError("restoring task status", err).WithBackend(BackendSQLite).WithTaskID(id)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewTrackerError("committing restore", err).WithBackend(BackendSQLite)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
