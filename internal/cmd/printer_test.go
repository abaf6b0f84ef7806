package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/parallax/internal/event"
)

func TestPrinter_Human(t *testing.T) {
	tests := []struct {
		name string
		ev   event.Event
		want string
	}{
		{"started", event.NewExecutionStarted("s1", "parallax/session/s1", "main", 4, 2, []string{"x"}, nil), "Session parallax/session/s1"},
		{"cycles", event.NewExecutionStarted("s1", "b", "main", 4, 2, []string{"x", "y"}, nil), "dependency cycles: x, y"},
		{"blocked by cycle", event.NewExecutionStarted("s1", "b", "main", 4, 2, []string{"x"}, []string{"z"}), "depend on a cycle: z"},
		{"group round", event.NewGroupStarted(0, 2, []string{"a", "b"}, 1), "Group 1 (round 2)"},
		{"worker", event.NewWorkerStarted("0123456789abcdef", "a", 0), "started a (worker 01234567)"},
		{"worker failed", event.NewWorkerFailed("w", "a", "boom"), "a: boom"},
		{"merge", event.NewMergeCompleted("op", "a", "fast-forward", 3, time.Second), "merged a (fast-forward, 3 files)"},
		{"conflict", event.NewConflictDetected("op", "a", "br", []string{"x.go", "y.go"}, 2), "conflict merging a in x.go, y.go (2 pending)"},
		{"conflict skipped", event.NewConflictResolved("op", "a", nil), "skipped conflict for a"},
		{"requeued", event.NewTaskRequeued("a", 1, true), "requeued a (attempt 2)"},
		{"not retried", event.NewTaskRequeued("a", 3, false), "a reset to open"},
		{"dependency skipped", event.NewTaskSkipped("c", 1, []string{"a", "b"}, "dependency did not complete"), "skipped c: waiting on a, b"},
		{"completed", event.NewExecutionCompleted("failed", 2, 1, 1, 90*time.Second), "2 completed, 1 failed, 1 conflicts pending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newPrinter(&buf, false).Event(tt.ev)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrinter_ConflictMergeFailureIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	newPrinter(&buf, false).Event(event.NewMergeFailed("op", "a", true, "conflict"))
	if buf.Len() != 0 {
		t.Errorf("conflicted merge.failed printed %q; conflict.detected covers it", buf.String())
	}
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)
	p.Event(event.NewWorkerStarted("w1", "a", 0))
	p.Event(event.NewMergeCompleted("op", "a", "merge-commit", 1, time.Second))

	overlap := event.NewEngineEvent(event.EngineFileOverlap, "w1", "a")
	overlap.Path = "main.go"
	overlap.OtherWorkers = []string{"w2"}
	p.Engine(overlap)
	p.Engine(event.NewEngineEvent(event.EngineOutput, "w1", "a"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	wantTypes := []event.Type{event.TypeWorkerStarted, event.TypeMergeCompleted, event.Type(event.EngineFileOverlap)}
	for i, line := range lines {
		var env event.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("line %d is not an envelope: %v", i, err)
		}
		if env.Type != wantTypes[i] {
			t.Errorf("line %d type = %q, want %q", i, env.Type, wantTypes[i])
		}
	}
}

func TestPrinter_HumanOverlap(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	ev := event.NewEngineEvent(event.EngineFileOverlap, "w1", "a")
	ev.Path = "go.mod"
	ev.OtherWorkers = []string{"0123456789"}
	p.Engine(ev)
	p.Engine(event.NewEngineEvent(event.EngineIteration, "w1", "a"))

	if got := buf.String(); !strings.Contains(got, "a touched go.mod, also changed by 01234567") || strings.Count(got, "\n") != 1 {
		t.Errorf("output = %q", got)
	}
}
