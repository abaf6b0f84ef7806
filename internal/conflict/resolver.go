// Package conflict resolves merge conflicts and watches live workers for
// overlapping edits.
//
// [Resolver] is policy-free plumbing: it reads both sides of every conflicted
// file and hands them to an injected [AIResolverCallback]. It never retries the
// callback and never writes to the repository; callers decide what to do with
// the returned [Resolution]s.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/merge"
)

// Method records how a file was resolved.
type Method string

const (
	// MethodIdentical means both sides already agreed.
	MethodIdentical Method = "identical"
	// MethodAI means the callback produced the content.
	MethodAI Method = "ai"
	// MethodNone means the file was not resolved.
	MethodNone Method = "none"
)

// Resolution is the outcome for one conflicted file.
type Resolution struct {
	FilePath        string
	Success         bool
	Method          Method
	ResolvedContent string
	Error           error
}

// AIResolverCallback merges the integration-side (ours) and worker-side
// (theirs) content of path and returns the merged file.
type AIResolverCallback func(ctx context.Context, path, ours, theirs string) (string, error)

// ContentSource reads a conflicted file at an index stage: 2 is the
// integration branch and 3 is the worker branch.
type ContentSource interface {
	ShowStage(ctx context.Context, stage int, path string) (string, error)
}

const (
	stageOurs   = 2
	stageTheirs = 3
)

// Resolver runs the callback over every conflicted file of an operation.
type Resolver struct {
	source ContentSource
	logger *logging.Logger

	mu       sync.RWMutex
	callback AIResolverCallback
}

// NewResolver creates a Resolver. cb may be nil and set later.
func NewResolver(source ContentSource, cb AIResolverCallback, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Resolver{source: source, callback: cb, logger: logger.WithComponent("conflict")}
}

// SetCallback replaces the AI callback.
func (r *Resolver) SetCallback(cb AIResolverCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// HasCallback reports whether a callback is configured.
func (r *Resolver) HasCallback() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callback != nil
}

// ResolveConflicts returns one Resolution per file in op.ConflictedFiles, in order.
func (r *Resolver) ResolveConflicts(ctx context.Context, op merge.Operation) []Resolution {
	r.mu.RLock()
	cb := r.callback
	r.mu.RUnlock()

	out := make([]Resolution, 0, len(op.ConflictedFiles))
	for _, path := range op.ConflictedFiles {
		if err := ctx.Err(); err != nil {
			out = append(out, failed(path, errors.Wrap(err, "resolution canceled")))
			continue
		}
		res := r.resolveFile(ctx, cb, path)
		if res.Success {
			r.logger.Info("conflict resolved", "operation_id", op.ID, "file", path, "method", string(res.Method))
		} else {
			r.logger.Warn("conflict unresolved", "operation_id", op.ID, "file", path, "error", errors.Message(res.Error))
		}
		out = append(out, res)
	}
	return out
}

func (r *Resolver) resolveFile(ctx context.Context, cb AIResolverCallback, path string) Resolution {
	ours, err := r.source.ShowStage(ctx, stageOurs, path)
	if err != nil {
		return failed(path, errors.Wrap(err, "reading integration side"))
	}
	theirs, err := r.source.ShowStage(ctx, stageTheirs, path)
	if err != nil {
		return failed(path, errors.Wrap(err, "reading worker side"))
	}

	if ours == theirs {
		return Resolution{FilePath: path, Success: true, Method: MethodIdentical, ResolvedContent: ours}
	}
	if cb == nil {
		return failed(path, errors.ErrNoResolver)
	}

	content, err := cb(ctx, path, ours, theirs)
	if err != nil {
		return failed(path, errors.Wrap(err, "resolver callback"))
	}
	if strings.TrimSpace(content) == "" {
		return failed(path, fmt.Errorf("resolver returned empty content"))
	}
	if HasConflictMarkers(content) {
		return failed(path, fmt.Errorf("resolver output still contains conflict markers"))
	}
	return Resolution{FilePath: path, Success: true, Method: MethodAI, ResolvedContent: content}
}

func failed(path string, err error) Resolution {
	return Resolution{FilePath: path, Method: MethodNone, Error: err}
}

// HasConflictMarkers reports whether content contains git conflict markers.
func HasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> ") ||
			line == "<<<<<<<" || line == ">>>>>>>" {
			return true
		}
	}
	return false
}

// AllResolved reports whether every resolution succeeded. An empty list is
// not considered resolved.
func AllResolved(rs []Resolution) bool {
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		if !r.Success {
			return false
		}
	}
	return true
}

// ResolvedFiles maps each successfully resolved path to its content.
func ResolvedFiles(rs []Resolution) map[string]string {
	files := make(map[string]string, len(rs))
	for _, r := range rs {
		if r.Success {
			files[r.FilePath] = r.ResolvedContent
		}
	}
	return files
}
