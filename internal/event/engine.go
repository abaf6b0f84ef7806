package event

import "time"

// EngineKind identifies a low-level per-worker engine event.
type EngineKind string

const (
	// EngineOutput carries a chunk of agent terminal output.
	EngineOutput EngineKind = "engine.output"
	// EngineIteration marks the start of an agent iteration.
	EngineIteration EngineKind = "engine.iteration"
	// EngineFileOverlap warns that two live workers touched the same path.
	EngineFileOverlap EngineKind = "engine.file_overlap"
	// EngineSentinel reports that a worker wrote its completion sentinel.
	EngineSentinel EngineKind = "engine.sentinel"
)

// EngineEvent is the lower-level stream consumed by UIs that render worker
// output. It is deliberately open-ended and not part of the Event sum type.
type EngineEvent struct {
	Kind      EngineKind `json:"kind"`
	WorkerID  string     `json:"worker_id"`
	TaskID    string     `json:"task_id"`
	Iteration int        `json:"iteration,omitempty"`
	Output    string     `json:"output,omitempty"`
	Path      string     `json:"path,omitempty"`
	// OtherWorkers lists the workers sharing Path for EngineFileOverlap.
	OtherWorkers []string  `json:"other_workers,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEngineEvent stamps an engine event with the current time.
func NewEngineEvent(kind EngineKind, workerID, taskID string) EngineEvent {
	return EngineEvent{Kind: kind, WorkerID: workerID, TaskID: taskID, Timestamp: time.Now()}
}
