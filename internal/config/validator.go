package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "parallel.max_workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
// Branch names should start with a letter and can contain alphanumeric, hyphen, underscore
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// envEntryRegex matches KEY=VALUE environment entries
var envEntryRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Upper bounds for numeric settings
const (
	maxWorkersLimit       = 32
	maxRequeueLimit       = 10
	maxIterationsLimit    = 50
	maxBranchPrefixLength = 50
	maxLogSizeMB          = 1000 // 1GB
	maxPathLength         = 4096
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateParallel()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateParallel validates the ParallelConfig
func (c *Config) validateParallel() []ValidationError {
	var errors []ValidationError

	if c.Parallel.MaxWorkers < 1 || c.Parallel.MaxWorkers > maxWorkersLimit {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_workers",
			Value:   c.Parallel.MaxWorkers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkersLimit),
		})
	}

	if c.Parallel.MaxRequeueCount < 0 || c.Parallel.MaxRequeueCount > maxRequeueLimit {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_requeue_count",
			Value:   c.Parallel.MaxRequeueCount,
			Message: fmt.Sprintf("must be between 0 and %d", maxRequeueLimit),
		})
	}

	for i, pattern := range c.Parallel.TaskFilter {
		if !doublestar.ValidatePattern(pattern) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("parallel.task_filter[%d]", i),
				Value:   pattern,
				Message: "is not a valid glob pattern",
			})
		}
	}

	return errors
}

// validateBranch validates the BranchConfig
func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	// Git branch names have length limits
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "cannot be empty",
		})
	}

	if c.Worker.MaxIterations < 1 || c.Worker.MaxIterations > maxIterationsLimit {
		errors = append(errors, ValidationError{
			Field:   "worker.max_iterations",
			Value:   c.Worker.MaxIterations,
			Message: fmt.Sprintf("must be between 1 and %d", maxIterationsLimit),
		})
	}

	if c.Worker.IterationTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.iteration_timeout_minutes",
			Value:   c.Worker.IterationTimeoutMinutes,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	errors = append(errors, validatePath("worker.worktree_dir", c.Worker.WorktreeDir)...)

	for i, entry := range c.Worker.Env {
		if !envEntryRegex.MatchString(entry) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.env[%d]", i),
				Value:   entry,
				Message: "must have the form KEY=VALUE",
			})
		}
	}

	return errors
}

// validateTracker validates the TrackerConfig
func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTrackerBackends(), c.Tracker.Backend) {
		errors = append(errors, ValidationError{
			Field:   "tracker.backend",
			Value:   c.Tracker.Backend,
			Message: "must be one of: file, sqlite (or empty to detect from the path)",
		})
	}

	if c.Tracker.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "tracker.path",
			Value:   c.Tracker.Path,
			Message: "cannot be empty",
		})
	}
	errors = append(errors, validatePath("tracker.path", c.Tracker.Path)...)

	return errors
}

// validateMerge validates the MergeConfig
func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError

	if c.Parallel.AIConflictResolution && strings.TrimSpace(c.Merge.ResolverCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "merge.resolver_command",
			Value:   c.Merge.ResolverCommand,
			Message: "cannot be empty while parallel.ai_conflict_resolution is enabled",
		})
	}

	if c.Merge.ResolverTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "merge.resolver_timeout_seconds",
			Value:   c.Merge.ResolverTimeoutSeconds,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	errors = append(errors, validatePath("logging.dir", c.Logging.Dir)...)

	return errors
}

// validatePath checks an optional filesystem path for characters and lengths
// no filesystem accepts.
func validatePath(field, path string) []ValidationError {
	var errors []ValidationError
	if path == "" {
		return errors
	}

	// Check for null bytes which are invalid in paths
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Most filesystems have limits around 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}
