package event

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus[Event]()

	var got []Type
	unsubscribe := bus.Subscribe(func(e Event) {
		got = append(got, e.Type())
	})

	if bus.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", bus.Len())
	}

	bus.Publish(NewGroupStarted(0, 1, []string{"a"}, 1))
	bus.Publish(NewGroupCompleted(0, 1, 1, 0, 0, 0))

	want := []Type{TypeGroupStarted, TypeGroupCompleted}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("received %v, want %v", got, want)
	}

	unsubscribe()
	unsubscribe()
	bus.Publish(NewGroupStarted(1, 1, nil, 0))
	if len(got) != 2 {
		t.Error("listener called after unsubscribe")
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d after unsubscribe", bus.Len())
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	bus := NewBus[int]()
	var order []string
	bus.Subscribe(func(int) { order = append(order, "first") })
	unsub := bus.Subscribe(func(int) { order = append(order, "second") })
	bus.Subscribe(func(int) { order = append(order, "third") })

	unsub()
	bus.Publish(1)

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Errorf("order = %v", order)
	}
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus[EngineEvent]()
	called := false
	bus.Subscribe(func(EngineEvent) { panic("boom") })
	bus.Subscribe(func(EngineEvent) { called = true })

	bus.Publish(NewEngineEvent(EngineOutput, "w1", "t1"))

	if !called {
		t.Error("listener after a panicking one should still run")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus[int]()
	var mu sync.Mutex
	total := 0
	bus.Subscribe(func(n int) {
		mu.Lock()
		total += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(1)
		}()
	}
	wg.Wait()

	if total != 50 {
		t.Errorf("total = %d, want 50", total)
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus[int]()
	bus.Subscribe(func(int) {})
	bus.Subscribe(func(int) {})
	bus.Clear()
	if bus.Len() != 0 {
		t.Errorf("Len() = %d after Clear", bus.Len())
	}
}

// countingVisitor records which kinds it saw.
type countingVisitor struct {
	seen map[Type]int
}

func (v *countingVisitor) mark(t Type) { v.seen[t]++ }

func (v *countingVisitor) VisitExecutionStarted(e ExecutionStarted)     { v.mark(e.Type()) }
func (v *countingVisitor) VisitExecutionPaused(e ExecutionPaused)       { v.mark(e.Type()) }
func (v *countingVisitor) VisitExecutionResumed(e ExecutionResumed)     { v.mark(e.Type()) }
func (v *countingVisitor) VisitExecutionStopped(e ExecutionStopped)     { v.mark(e.Type()) }
func (v *countingVisitor) VisitExecutionCompleted(e ExecutionCompleted) { v.mark(e.Type()) }
func (v *countingVisitor) VisitGroupStarted(e GroupStarted)             { v.mark(e.Type()) }
func (v *countingVisitor) VisitGroupCompleted(e GroupCompleted)         { v.mark(e.Type()) }
func (v *countingVisitor) VisitWorkerStarted(e WorkerStarted)           { v.mark(e.Type()) }
func (v *countingVisitor) VisitWorkerProgress(e WorkerProgress)         { v.mark(e.Type()) }
func (v *countingVisitor) VisitWorkerCompleted(e WorkerCompleted)       { v.mark(e.Type()) }
func (v *countingVisitor) VisitWorkerFailed(e WorkerFailed)             { v.mark(e.Type()) }
func (v *countingVisitor) VisitMergeCompleted(e MergeCompleted)         { v.mark(e.Type()) }
func (v *countingVisitor) VisitMergeFailed(e MergeFailed)               { v.mark(e.Type()) }
func (v *countingVisitor) VisitConflictDetected(e ConflictDetected)     { v.mark(e.Type()) }
func (v *countingVisitor) VisitConflictResolved(e ConflictResolved)     { v.mark(e.Type()) }
func (v *countingVisitor) VisitTaskRequeued(e TaskRequeued)             { v.mark(e.Type()) }
func (v *countingVisitor) VisitTaskSkipped(e TaskSkipped)               { v.mark(e.Type()) }

func allEvents() []Event {
	return []Event{
		NewExecutionStarted("s", "parallax/session/s", "main", 4, 3, nil, nil),
		NewExecutionPaused(1),
		NewExecutionResumed(1),
		NewExecutionStopped("executing"),
		NewExecutionCompleted("completed", 4, 0, 0, 0),
		NewGroupStarted(0, 1, []string{"a"}, 1),
		NewGroupCompleted(0, 1, 1, 0, 0, 0),
		NewWorkerStarted("w", "a", 0),
		NewWorkerProgress("w", "a", 1, ""),
		NewWorkerCompleted("w", "a", "b", 1, 1, 0),
		NewWorkerFailed("w", "a", "exit 1"),
		NewMergeCompleted("op", "a", "fast-forward", 2, 0),
		NewMergeFailed("op", "a", true, "conflict"),
		NewConflictDetected("op", "a", "b", []string{"f.go"}, 1),
		NewConflictResolved("op", "a", nil),
		NewTaskRequeued("a", 1, true),
		NewTaskSkipped("b", 1, []string{"a"}, "dependency did not complete"),
	}
}

func TestVisitor_EveryKindDispatches(t *testing.T) {
	v := &countingVisitor{seen: make(map[Type]int)}
	events := allEvents()
	for _, e := range events {
		e.Accept(v)
	}
	if len(v.seen) != len(events) {
		t.Errorf("visitor saw %d distinct kinds, want %d", len(v.seen), len(events))
	}
	for _, e := range events {
		if v.seen[e.Type()] != 1 {
			t.Errorf("%s dispatched %d times", e.Type(), v.seen[e.Type()])
		}
		if e.Timestamp().IsZero() {
			t.Errorf("%s has zero timestamp", e.Type())
		}
	}
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(NewConflictDetected("op-1", "auth", "parallax/worker/auth-x", []string{"a.go", "b.go"}, 2))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var env struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Type != "conflict.detected" {
		t.Errorf("type = %q", env.Type)
	}
	if env.Payload["operation_id"] != "op-1" || env.Payload["pending"] != float64(2) {
		t.Errorf("payload = %v", env.Payload)
	}
	if _, leaked := env.Payload["at"]; leaked {
		t.Error("internal timestamp field should not be in the payload")
	}
}

func TestConflictResolved_Skipped(t *testing.T) {
	if !NewConflictResolved("op", "t", nil).Skipped() {
		t.Error("nil resolutions should read as skipped")
	}
	resolved := NewConflictResolved("op", "t", []Resolution{{FilePath: "a", Success: true, Method: "ai"}})
	if resolved.Skipped() {
		t.Error("resolved conflict reported as skipped")
	}
}
