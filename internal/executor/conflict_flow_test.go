package executor

import (
	"context"
	"reflect"
	"testing"

	"github.com/Iron-Ham/parallax/internal/errors"
	"github.com/Iron-Ham/parallax/internal/event"
	"github.com/Iron-Ham/parallax/internal/merge"
	"github.com/Iron-Ham/parallax/internal/task"
)

func mergedResolver(content string) func(context.Context, string, string, string) (string, error) {
	return func(context.Context, string, string, string) (string, error) {
		return content, nil
	}
}

func TestConflict_AIResolutionLandsMerge(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")}, WithAIResolver(mergedResolver("package main\n")))
	h.repo.setConflict("a", "main.go")
	h.repo.stages["main.go"] = [2]string{"ours\n", "theirs\n"}
	h.start(t)

	if got := h.tracker.completions(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("completions = %v, want [a]", got)
	}
	if got := h.repo.staged["main.go"]; got != "package main\n" {
		t.Errorf("staged content = %q", got)
	}
	if h.tracker.saves != 1 || h.tracker.restores != 0 {
		t.Errorf("saves/restores = %d/%d, want 1/0", h.tracker.saves, h.tracker.restores)
	}
	if got := h.exec.PendingConflicts(); len(got) != 0 {
		t.Errorf("PendingConflicts() = %d, want 0", len(got))
	}

	resolved := eventsOf[event.ConflictResolved](h.events)
	if len(resolved) != 1 || len(resolved[0].Resolutions) != 1 || resolved[0].Resolutions[0].Method != "ai" {
		t.Fatalf("conflict.resolved = %+v", resolved)
	}
	merged := eventsOf[event.MergeCompleted](h.events)
	if len(merged) != 1 || merged[0].Strategy != string(merge.StrategyResolved) {
		t.Errorf("merge.completed = %+v", merged)
	}
	if got := h.exec.Status(); got != StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestConflict_UnresolvedGoesToOperator(t *testing.T) {
	tests := []struct {
		name         string
		opts         []Option
		wantRestores int
	}{
		{name: "ai disabled", opts: []Option{WithAIConflictResolution(false), WithAIResolver(mergedResolver("x"))}},
		{name: "no callback", opts: nil},
		{
			name: "callback fails",
			opts: []Option{WithAIResolver(func(context.Context, string, string, string) (string, error) {
				return "", errors.New("model unavailable")
			})},
			wantRestores: 1,
		},
		{
			name:         "markers left",
			opts:         []Option{WithAIResolver(mergedResolver("<<<<<<< HEAD\nx\n=======\ny\n>>>>>>> w\n"))},
			wantRestores: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []task.Task{tk("a"), tk("b")}, tt.opts...)
			h.repo.setConflict("a", "main.go")
			h.repo.stages["main.go"] = [2]string{"ours\n", "theirs\n"}
			h.start(t)

			if got := h.tracker.completions(); !reflect.DeepEqual(got, []string{"b"}) {
				t.Errorf("completions = %v, want [b]", got)
			}
			if got := h.tracker.status("a"); got != task.StatusOpen {
				t.Errorf("status(a) = %q, want open", got)
			}
			if h.tracker.restores != tt.wantRestores {
				t.Errorf("restores = %d, want %d", h.tracker.restores, tt.wantRestores)
			}

			pending := h.exec.PendingConflicts()
			if len(pending) != 1 || pending[0].Operation.TaskID() != "a" {
				t.Fatalf("PendingConflicts() = %+v", pending)
			}
			if pending[0].Operation.Status != merge.StatusConflicted {
				t.Errorf("pending status = %q, want conflicted", pending[0].Operation.Status)
			}
			if h.repo.MergeInProgress(context.Background()) {
				t.Error("merge left open after parking")
			}

			detected := eventsOf[event.ConflictDetected](h.events)
			if len(detected) != 1 || !reflect.DeepEqual(detected[0].ConflictedFiles, []string{"main.go"}) || detected[0].Pending != 1 {
				t.Errorf("conflict.detected = %+v", detected)
			}
			failed := eventsOf[event.MergeFailed](h.events)
			if len(failed) != 1 || !failed[0].HadConflicts {
				t.Errorf("merge.failed = %+v", failed)
			}
			gc := lastGroupCompleted(t, h.events)
			if gc.TasksFailed != 1 || gc.MergesFailed != 1 || gc.Requeued != 0 {
				t.Errorf("group.completed = %+v", gc)
			}
			if h.spawner.callCount("a") != 1 {
				t.Errorf("conflicted task re-dispatched %d times", h.spawner.callCount("a"))
			}
			if got := h.exec.Status(); got != StatusFailed {
				t.Errorf("status = %q, want failed", got)
			}
		})
	}
}

func TestConflict_ConcludeFailureIsMergeFailure(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")}, WithAIResolver(mergedResolver("resolved\n")), WithMaxRequeueCount(0))
	h.repo.setConflict("a", "main.go")
	h.repo.stages["main.go"] = [2]string{"ours\n", "theirs\n"}
	h.repo.concludeErr = errors.New("hook rejected commit")
	h.start(t)

	if got := h.exec.PendingConflicts(); len(got) != 0 {
		t.Errorf("PendingConflicts() = %d, want 0", len(got))
	}
	if h.tracker.restores != 1 {
		t.Errorf("restores = %d, want 1", h.tracker.restores)
	}
	if got := h.tracker.status("a"); got != task.StatusOpen {
		t.Errorf("status(a) = %q, want open", got)
	}
	gc := lastGroupCompleted(t, h.events)
	if gc.TasksFailed != 1 || gc.MergesFailed != 1 {
		t.Errorf("group.completed = %+v", gc)
	}
}

func TestConflict_RetrySucceeds(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")}, WithAIConflictResolution(false))
	h.repo.setConflict("a", "main.go")
	h.start(t)

	if h.exec.State().TotalTasksFailed != 1 {
		t.Fatalf("TotalTasksFailed = %d, want 1", h.exec.State().TotalTasksFailed)
	}

	h.repo.setConflict("a")
	if !h.exec.RetryConflictResolution(context.Background()) {
		t.Fatal("RetryConflictResolution() = false")
	}

	if got := h.tracker.completions(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("completions = %v, want [a]", got)
	}
	state := h.exec.State()
	if len(state.ActiveConflicts) != 0 || state.TotalTasksFailed != 0 || state.TotalTasksCompleted != 1 {
		t.Errorf("state = %d conflicts, %d failed, %d completed", len(state.ActiveConflicts), state.TotalTasksFailed, state.TotalTasksCompleted)
	}
	resolved := eventsOf[event.ConflictResolved](h.events)
	if len(resolved) != 1 || resolved[0].TaskID != "a" {
		t.Errorf("conflict.resolved = %+v", resolved)
	}
	if state.Status != StatusCompleted {
		t.Errorf("status after clearing every failure = %q, want completed", state.Status)
	}
	completed := eventsOf[event.ExecutionCompleted](h.events)
	if len(completed) != 2 || completed[1].Status != string(StatusCompleted) || completed[1].TotalTasksFailed != 0 {
		t.Errorf("execution.completed = %+v, want a second event reporting completed", completed)
	}
}

func TestConflict_RetryWithResolver(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")}, WithAIConflictResolution(false))
	h.repo.setConflict("a", "main.go")
	h.repo.stages["main.go"] = [2]string{"ours\n", "theirs\n"}
	h.start(t)

	h.exec.SetAIResolver(mergedResolver("both\n"))
	if !h.exec.RetryConflictResolution(context.Background()) {
		t.Fatal("RetryConflictResolution() = false")
	}
	resolved := eventsOf[event.ConflictResolved](h.events)
	if len(resolved) != 1 || len(resolved[0].Resolutions) != 1 || !resolved[0].Resolutions[0].Success {
		t.Errorf("conflict.resolved = %+v", resolved)
	}
	if got := h.tracker.completions(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("completions = %v, want [a]", got)
	}
}

func TestConflict_RetryFailureKeepsHead(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a"), tk("b")}, WithAIConflictResolution(false))
	h.repo.setConflict("a", "main.go")
	h.repo.setConflict("b", "go.mod")
	h.start(t)

	if h.exec.RetryConflictResolution(context.Background()) {
		t.Fatal("RetryConflictResolution() = true with no resolver and a persistent conflict")
	}
	pending := h.exec.PendingConflicts()
	if len(pending) != 2 || pending[0].Operation.TaskID() != "a" || pending[1].Operation.TaskID() != "b" {
		t.Fatalf("PendingConflicts() order changed: %+v", pending)
	}
	if h.repo.MergeInProgress(context.Background()) {
		t.Error("merge left open after failed retry")
	}
	if got := h.tracker.completions(); len(got) != 0 {
		t.Errorf("completions = %v, want none", got)
	}
}

func TestConflict_SkipThenRetryIsFIFO(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a"), tk("b")}, WithAIConflictResolution(false))
	h.repo.setConflict("a", "main.go")
	h.repo.setConflict("b", "go.mod")
	h.start(t)

	before := len(h.events.all())
	if !h.exec.SkipFailedConflict(context.Background()) {
		t.Fatal("SkipFailedConflict() = false")
	}
	after := h.events.all()[before:]
	if len(after) != 2 {
		t.Fatalf("skip emitted %d events, want 2", len(after))
	}
	skipped, ok := after[0].(event.ConflictResolved)
	if !ok || skipped.TaskID != "a" || !skipped.Skipped() {
		t.Errorf("first skip event = %+v, want conflict.resolved for a with no resolutions", after[0])
	}
	next, ok := after[1].(event.ConflictDetected)
	if !ok || next.TaskID != "b" || next.Pending != 1 {
		t.Errorf("second skip event = %+v, want conflict.detected for b", after[1])
	}

	op, _ := h.exec.engine.Operation(skipped.OperationID)
	if op.Status != merge.StatusRolledBack {
		t.Errorf("skipped operation status = %q, want rolled_back", op.Status)
	}

	h.repo.setConflict("b")
	if !h.exec.RetryConflictResolution(context.Background()) {
		t.Fatal("RetryConflictResolution() = false for b")
	}
	if got := h.exec.PendingConflicts(); len(got) != 0 {
		t.Errorf("PendingConflicts() = %d, want 0", len(got))
	}
	if got := h.tracker.completions(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("completions = %v, want [b]", got)
	}
	if got := h.tracker.status("a"); got != task.StatusOpen {
		t.Errorf("status(a) = %q, want open", got)
	}
	if got := h.exec.Status(); got != StatusFailed {
		t.Errorf("status with a skipped conflict = %q, want failed", got)
	}
}

func TestConflict_NothingPending(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")})
	h.start(t)

	if h.exec.RetryConflictResolution(context.Background()) {
		t.Error("RetryConflictResolution() = true with no conflicts")
	}
	if h.exec.SkipFailedConflict(context.Background()) {
		t.Error("SkipFailedConflict() = true with no conflicts")
	}
}

func TestConflict_ResetDropsPending(t *testing.T) {
	h := newHarness(t, []task.Task{tk("a")}, WithAIConflictResolution(false))
	h.repo.setConflict("a", "main.go")
	h.start(t)

	if err := h.exec.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := h.exec.PendingConflicts(); len(got) != 0 {
		t.Errorf("PendingConflicts() after reset = %d", len(got))
	}
}
