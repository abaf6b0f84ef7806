package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the run log inside the log directory.
const LogFileName = "parallax.log"

// Format selects the slog handler used by NewLoggerToWriter.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger provides structured logging with context propagation.
// Child loggers created via With* methods share the underlying writer.
type Logger struct {
	logger *slog.Logger
	closer io.Closer
}

// NewLogger creates a Logger that writes JSON logs to {dir}/parallax.log.
// If dir is empty, logs are written to stderr.
func NewLogger(dir string, level string) (*Logger, error) {
	if dir == "" {
		return NewLoggerToWriter(os.Stderr, level, FormatJSON), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewLoggerToWriter(file, level, FormatJSON)
	l.closer = file
	return l, nil
}

// NewLoggerWithRotation creates a Logger whose log file is rotated by size.
// A zero MaxSizeMB disables rotation.
func NewLoggerWithRotation(dir string, level string, config RotationConfig) (*Logger, error) {
	if dir == "" {
		return NewLoggerToWriter(os.Stderr, level, FormatJSON), nil
	}

	rw, err := NewRotatingWriter(filepath.Join(dir, LogFileName), config)
	if err != nil {
		return nil, err
	}

	l := NewLoggerToWriter(rw, level, FormatJSON)
	l.closer = rw
	return l, nil
}

// NewLoggerToWriter creates a Logger on an arbitrary writer. The caller owns w.
func NewLoggerToWriter(w io.Writer, level string, format Format) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSession returns a child Logger tagged with the run's session ID.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.With("session_id", sessionID)
}

// WithGroup returns a child Logger tagged with an execution group index.
func (l *Logger) WithGroup(index int) *Logger {
	return l.With("group", index)
}

// WithWorker returns a child Logger tagged with a worker ID.
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.With("worker_id", workerID)
}

// WithTask returns a child Logger tagged with a task ID.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.With("task_id", taskID)
}

// WithComponent returns a child Logger tagged with a component name
// such as "merge" or "conflict".
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a child Logger with arbitrary key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), closer: l.closer}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Slog exposes the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// Close closes the log file, if the logger owns one. Closing a child logger
// closes the shared file.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
