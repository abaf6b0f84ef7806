// Package event defines the executor's event stream and the listener bus
// that carries it.
//
// # Main Types
//
//   - [Event]: closed sum type of executor events; only this package implements it
//   - [Visitor]: one method per event kind, used for exhaustive handling
//   - [Bus]: generic synchronous listener list with panic isolation
//   - [EngineEvent]: low-level per-worker stream (output, iterations, overlaps)
//   - [Envelope]: JSON wire form produced by [Marshal]
//
// # Event Categories
//
// Execution lifecycle:
//   - [ExecutionStarted], [ExecutionPaused], [ExecutionResumed],
//     [ExecutionStopped], [ExecutionCompleted]
//
// Groups and workers:
//   - [GroupStarted], [GroupCompleted] (one pair per dispatch round)
//   - [WorkerStarted], [WorkerProgress], [WorkerCompleted], [WorkerFailed]
//   - [TaskSkipped] (a dependency did not complete)
//
// Merges and conflicts:
//   - [MergeCompleted], [MergeFailed], [TaskRequeued]
//   - [ConflictDetected], [ConflictResolved]
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Listeners run synchronously on the
// publishing goroutine and are protected against panics.
//
// # Basic Usage
//
//	bus := event.NewBus[event.Event]()
//	unsubscribe := bus.Subscribe(func(e event.Event) {
//	    e.Accept(myVisitor)
//	})
//	defer unsubscribe()
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action", for example
// group.started, merge.failed and conflict.detected.
package event
