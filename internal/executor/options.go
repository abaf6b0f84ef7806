package executor

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/Iron-Ham/parallax/internal/conflict"
	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/merge"
)

// Defaults for ParallelConfig.
const (
	DefaultMaxWorkers      = 3
	DefaultMaxRequeueCount = 3
)

// ParallelConfig tunes how a run is parallelized.
type ParallelConfig struct {
	MaxWorkers int
	// MaxRequeueCount caps automatic re-dispatches of a task whose merge
	// failed within one run.
	MaxRequeueCount      int
	AIConflictResolution bool
	// TaskFilter is an allowlist of doublestar patterns matched against
	// task IDs. Empty means every task.
	TaskFilter []string
	// KeepBackupTags skips deleting merge backup tags at the end of a run.
	KeepBackupTags bool
}

// DefaultParallelConfig returns the defaults used by New.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		MaxWorkers:           DefaultMaxWorkers,
		MaxRequeueCount:      DefaultMaxRequeueCount,
		AIConflictResolution: true,
	}
}

// PartialParallelConfig overrides only the fields that are set.
type PartialParallelConfig struct {
	MaxWorkers           *int
	MaxRequeueCount      *int
	AIConflictResolution *bool
	TaskFilter           []string
}

// Validate checks field ranges and filter syntax.
func (c ParallelConfig) Validate() error {
	if c.MaxWorkers < 1 {
		return errors.NewValidationError("max workers must be at least 1").
			WithField("max_workers").
			WithValue(c.MaxWorkers)
	}
	if c.MaxRequeueCount < 0 {
		return errors.NewValidationError("max requeue count must not be negative").
			WithField("max_requeue_count").
			WithValue(c.MaxRequeueCount)
	}
	for _, p := range c.TaskFilter {
		if !doublestar.ValidatePattern(p) {
			return errors.NewValidationError(fmt.Sprintf("invalid task filter %q", p)).
				WithField("task_filter").
				WithValue(p)
		}
	}
	return nil
}

// Matches reports whether id passes the task filter.
func (c ParallelConfig) Matches(id string) bool {
	if len(c.TaskFilter) == 0 {
		return true
	}
	for _, p := range c.TaskFilter {
		if ok, _ := doublestar.Match(p, id); ok {
			return true
		}
	}
	return false
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxWorkers bounds how many workers run at once.
func WithMaxWorkers(n int) Option {
	return func(e *Executor) { e.cfg.MaxWorkers = n }
}

// WithMaxRequeueCount caps automatic retries of tasks whose merge failed.
func WithMaxRequeueCount(n int) Option {
	return func(e *Executor) { e.cfg.MaxRequeueCount = n }
}

// WithAIConflictResolution enables or disables the resolver on conflicts.
func WithAIConflictResolution(enabled bool) Option {
	return func(e *Executor) { e.cfg.AIConflictResolution = enabled }
}

// WithTaskFilter restricts the run to task IDs matching any pattern.
func WithTaskFilter(patterns ...string) Option {
	return func(e *Executor) { e.cfg.TaskFilter = append([]string(nil), patterns...) }
}

// WithKeepBackupTags leaves merge backup tags in place after the run.
func WithKeepBackupTags(keep bool) Option {
	return func(e *Executor) { e.cfg.KeepBackupTags = keep }
}

// WithParallelConfig applies every field set in p.
func WithParallelConfig(p PartialParallelConfig) Option {
	return func(e *Executor) {
		if p.MaxWorkers != nil {
			e.cfg.MaxWorkers = *p.MaxWorkers
		}
		if p.MaxRequeueCount != nil {
			e.cfg.MaxRequeueCount = *p.MaxRequeueCount
		}
		if p.AIConflictResolution != nil {
			e.cfg.AIConflictResolution = *p.AIConflictResolution
		}
		if len(p.TaskFilter) > 0 {
			e.cfg.TaskFilter = append([]string(nil), p.TaskFilter...)
		}
	}
}

// WithAIResolver sets the conflict resolution callback at construction.
func WithAIResolver(cb conflict.AIResolverCallback) Option {
	return func(e *Executor) { e.aiCallback = cb }
}

// WithMergeOptions passes options through to the merge engine.
func WithMergeOptions(opts ...merge.Option) Option {
	return func(e *Executor) { e.mergeOpts = append(e.mergeOpts, opts...) }
}

// WithOverlapDetector forwards file-overlap warnings from d as engine
// events. The caller owns d's lifecycle.
func WithOverlapDetector(d *conflict.OverlapDetector) Option {
	return func(e *Executor) { e.overlap = d }
}
