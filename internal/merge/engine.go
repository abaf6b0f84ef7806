package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/task"
)

// Repository is the set of git primitives the engine needs. All operations
// act on the checkout that holds the integration branch.
type Repository interface {
	CreateTag(ctx context.Context, tag, ref string) error
	DeleteTag(ctx context.Context, tag string) error
	MergeFastForward(ctx context.Context, branch string) error
	MergeCommit(ctx context.Context, branch, message string) ([]string, error)
	MergeInProgress(ctx context.Context) bool
	AbortMerge(ctx context.Context) error
	ResetHard(ctx context.Context, ref string) error
	StageFile(ctx context.Context, path, content string) error
	ConcludeMerge(ctx context.Context, message string) error
	FilesChanged(ctx context.Context, from, to string) (int, error)
}

// DefaultTagPrefix is prepended to backup tag names.
const DefaultTagPrefix = "parallax"

// Engine is a FIFO merge queue. Merges are strictly serialized.
type Engine struct {
	repo      Repository
	logger    *logging.Logger
	tagPrefix string
	now       func() time.Time
	newID     func() string

	procMu sync.Mutex // serializes ProcessNext and every git mutation

	mu    sync.Mutex // guards the fields below
	queue []*Operation
	ops   map[string]*Operation
	order []string
	// inProgress is the ID of a conflicted operation whose merge is still
	// open in the checkout.
	inProgress string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTagPrefix sets the prefix for backup tags, <prefix>/backup/<op-id>.
func WithTagPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.tagPrefix = prefix
		}
	}
}

// WithIDGenerator overrides operation ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine over repo.
func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		logger:    logging.NopLogger(),
		tagPrefix: DefaultTagPrefix,
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
		ops:       make(map[string]*Operation),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("merge")
	return e
}

// NewOperation builds an operation for a completed worker result. It is not
// queued until passed to Enqueue.
func (e *Engine) NewOperation(result task.WorkerResult) *Operation {
	msg := fmt.Sprintf("parallax: merge %s", result.Task.ID)
	if result.Task.Title != "" {
		msg = fmt.Sprintf("%s (%s)", msg, result.Task.Title)
	}
	return &Operation{
		ID:            e.newID(),
		WorkerResult:  result,
		SourceBranch:  result.BranchName,
		CommitMessage: msg,
	}
}

// Enqueue appends op to the tail of the queue.
func (e *Engine) Enqueue(op *Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op.Status = StatusQueued
	op.QueuedAt = e.now()
	if _, known := e.ops[op.ID]; !known {
		e.order = append(e.order, op.ID)
	}
	e.ops[op.ID] = op
	e.queue = append(e.queue, op)

	e.logger.Debug("merge operation queued",
		"operation_id", op.ID,
		"task_id", op.TaskID(),
		"branch", op.SourceBranch,
		"queue_length", len(e.queue),
	)
}

// Queue returns copies of the queued operations in processing order.
func (e *Engine) Queue() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Operation, len(e.queue))
	for i, op := range e.queue {
		out[i] = op.Clone()
	}
	return out
}

// Len returns the number of queued operations.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Operation returns a copy of the operation with the given ID.
func (e *Engine) Operation(id string) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.Clone(), true
}

func (e *Engine) pop() *Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return nil
	}
	op := e.queue[0]
	e.queue = e.queue[1:]
	return op
}

// pushFront must be called with mu held.
func (e *Engine) pushFront(op *Operation) {
	e.queue = append([]*Operation{op}, e.queue...)
}

// ProcessNext merges the head of the queue. The boolean is false when the
// queue was empty.
func (e *Engine) ProcessNext(ctx context.Context) (Result, bool) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	op := e.pop()
	if op == nil {
		return Result{}, false
	}
	start := e.now()

	e.mu.Lock()
	blocked := e.inProgress != "" && e.inProgress != op.ID
	blocker := e.inProgress
	op.Attempts++
	e.mu.Unlock()

	if blocked {
		e.mu.Lock()
		e.pushFront(op)
		e.mu.Unlock()
		err := errors.NewMergeError("operation "+blocker+" is still awaiting conflict resolution", nil).
			WithOperation(op.ID)
		return Result{OperationID: op.ID, Error: err, Duration: e.now().Sub(start)}, true
	}

	var res Result
	if op.resolved {
		res = e.conclude(ctx, op)
	} else {
		res = e.merge(ctx, op)
	}
	res.OperationID = op.ID
	res.Duration = e.now().Sub(start)

	log := e.logger.With("operation_id", op.ID, "task_id", op.TaskID(), "branch", op.SourceBranch)
	switch {
	case res.Success:
		log.Info("merge completed", "strategy", string(res.Strategy), "files_changed", res.FilesChanged, "duration_ms", res.Duration.Milliseconds())
	case res.HadConflicts:
		log.Warn("merge conflicted", "files", res.ConflictedFiles)
	default:
		log.Error("merge failed", "error", errors.Message(res.Error))
	}
	return res, true
}

func (e *Engine) merge(ctx context.Context, op *Operation) Result {
	tag := fmt.Sprintf("%s/backup/%s", e.tagPrefix, op.ID)
	if err := e.repo.CreateTag(ctx, tag, "HEAD"); err != nil {
		e.setStatus(op, StatusFailed)
		return Result{Error: errors.NewMergeError("failed to create backup tag", err).WithOperation(op.ID)}
	}
	e.mu.Lock()
	op.BackupTag = tag
	e.mu.Unlock()

	ffErr := e.repo.MergeFastForward(ctx, op.SourceBranch)
	if ffErr == nil {
		return e.landed(ctx, op, StrategyFastForward)
	}
	if !errors.Is(ffErr, errors.ErrNotFastForward) {
		e.restore(ctx, op)
		e.setStatus(op, StatusFailed)
		return Result{Error: wrapOp(ffErr, op)}
	}

	files, err := e.repo.MergeCommit(ctx, op.SourceBranch, op.CommitMessage)
	if err == nil {
		return e.landed(ctx, op, StrategyMergeCommit)
	}
	if errors.IsConflict(err) && len(files) > 0 {
		e.mu.Lock()
		op.Status = StatusConflicted
		op.ConflictedFiles = append([]string(nil), files...)
		op.parked = false
		e.inProgress = op.ID
		e.mu.Unlock()
		return Result{HadConflicts: true, ConflictedFiles: append([]string(nil), files...), Error: wrapOp(err, op)}
	}

	e.restore(ctx, op)
	e.setStatus(op, StatusFailed)
	return Result{Error: wrapOp(err, op)}
}

// conclude commits a conflicted merge whose resolutions are already staged.
func (e *Engine) conclude(ctx context.Context, op *Operation) Result {
	e.mu.Lock()
	op.resolved = false
	e.mu.Unlock()

	if err := e.repo.ConcludeMerge(ctx, op.CommitMessage); err != nil {
		e.restore(ctx, op)
		e.mu.Lock()
		op.Status = StatusFailed
		e.inProgress = ""
		e.mu.Unlock()
		return Result{HadConflicts: true, Error: wrapOp(err, op)}
	}

	e.mu.Lock()
	e.inProgress = ""
	e.mu.Unlock()
	res := e.landed(ctx, op, StrategyResolved)
	res.HadConflicts = true
	return res
}

func (e *Engine) landed(ctx context.Context, op *Operation, strategy Strategy) Result {
	files, err := e.repo.FilesChanged(ctx, op.BackupTag, "HEAD")
	if err != nil {
		e.logger.Warn("failed to count changed files", "operation_id", op.ID, "error", err)
	}
	e.setStatus(op, StatusMerged)
	return Result{Success: true, Strategy: strategy, FilesChanged: files}
}

// restore aborts any open merge and puts the checkout back on the backup tag.
func (e *Engine) restore(ctx context.Context, op *Operation) {
	if e.repo.MergeInProgress(ctx) {
		if err := e.repo.AbortMerge(ctx); err != nil {
			e.logger.Warn("failed to abort merge", "operation_id", op.ID, "error", err)
		}
	}
	if op.BackupTag == "" {
		return
	}
	if err := e.repo.ResetHard(ctx, op.BackupTag); err != nil {
		e.logger.Error("failed to restore backup tag", "operation_id", op.ID, "tag", op.BackupTag, "error", err)
	}
}

func (e *Engine) setStatus(op *Operation, s Status) {
	e.mu.Lock()
	op.Status = s
	e.mu.Unlock()
}

func wrapOp(err error, op *Operation) error {
	var mergeErr *errors.MergeError
	if errors.As(err, &mergeErr) {
		if mergeErr.OperationID == "" {
			mergeErr.WithOperation(op.ID)
		}
		return err
	}
	return errors.NewMergeError("merge failed", err).WithOperation(op.ID).WithBranch(op.SourceBranch)
}

// Resubmit stages resolved content for a conflicted operation whose merge is
// still open and puts it back at the head of the queue. The next ProcessNext
// concludes the merge.
func (e *Engine) Resubmit(ctx context.Context, id string, files map[string]string) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok {
		e.mu.Unlock()
		return errors.NewMergeError("cannot resubmit", errors.ErrOperationNotFound).WithOperation(id)
	}
	if op.Status != StatusConflicted || e.inProgress != id {
		e.mu.Unlock()
		return errors.NewMergeError("cannot resubmit operation in status "+string(op.Status), errors.ErrInvalidInput).WithOperation(id)
	}
	e.mu.Unlock()

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := e.repo.StageFile(ctx, p, files[p]); err != nil {
			return wrapOp(err, op)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	op.resolved = true
	op.Status = StatusQueued
	e.pushFront(op)
	return nil
}

// Park aborts the open merge of a conflicted operation and restores the
// integration branch. The operation stays conflicted until it is requeued or
// rolled back.
func (e *Engine) Park(ctx context.Context, id string) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok {
		e.mu.Unlock()
		return errors.NewMergeError("cannot park", errors.ErrOperationNotFound).WithOperation(id)
	}
	if op.Status != StatusConflicted {
		e.mu.Unlock()
		return errors.NewMergeError("cannot park operation in status "+string(op.Status), errors.ErrInvalidInput).WithOperation(id)
	}
	open := e.inProgress == id
	e.mu.Unlock()

	if open {
		e.restore(ctx, op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	op.parked = true
	if e.inProgress == id {
		e.inProgress = ""
	}
	return nil
}

// Requeue puts a parked operation back at the head of the queue for a fresh
// merge attempt.
func (e *Engine) Requeue(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[id]
	if !ok {
		return errors.NewMergeError("cannot requeue", errors.ErrOperationNotFound).WithOperation(id)
	}
	if op.Status != StatusConflicted || !op.parked {
		return errors.NewMergeError("cannot requeue operation in status "+string(op.Status), errors.ErrInvalidInput).WithOperation(id)
	}
	op.parked = false
	op.Status = StatusQueued
	op.ConflictedFiles = nil
	e.pushFront(op)
	return nil
}

// MarkOperationRolledBack discards an operation without merging it. It
// returns false for unknown IDs and for operations that already reached a
// terminal state.
func (e *Engine) MarkOperationRolledBack(ctx context.Context, id string) bool {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok || op.Status.IsTerminal() {
		e.mu.Unlock()
		return false
	}
	open := e.inProgress == id
	for i, q := range e.queue {
		if q.ID == id {
			e.queue = append(e.queue[:i:i], e.queue[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if open {
		e.restore(ctx, op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inProgress == id {
		e.inProgress = ""
	}
	op.Status = StatusRolledBack
	op.resolved = false
	op.parked = false
	e.logger.Info("merge operation rolled back", "operation_id", id, "task_id", op.TaskID())
	return true
}

// Cleanup deletes the backup tags of operations that reached a terminal state.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.Lock()
	var tags []string
	for _, id := range e.order {
		op := e.ops[id]
		if op.Status.IsTerminal() && op.BackupTag != "" {
			tags = append(tags, op.BackupTag)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, tag := range tags {
		if err := e.repo.DeleteTag(ctx, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
