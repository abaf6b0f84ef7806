package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/parallax/internal/event"
)

// printer renders executor events, either styled for people or as one JSON
// envelope per line.
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	jsonOutput bool
}

func newPrinter(out io.Writer, jsonOutput bool) *printer {
	return &printer{out: out, jsonOutput: jsonOutput}
}

// Event handles one executor event.
func (p *printer) Event(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOutput {
		data, err := event.Marshal(ev)
		if err != nil {
			fmt.Fprintf(p.out, `{"type":"error","payload":%q}`+"\n", err.Error())
			return
		}
		fmt.Fprintf(p.out, "%s\n", data)
		return
	}
	ev.Accept(p)
}

// Engine handles worker-level events. Only file overlaps are shown; agent
// output is left to the log file.
func (p *printer) Engine(ev event.EngineEvent) {
	if ev.Kind != event.EngineFileOverlap {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOutput {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		data, err := json.Marshal(event.Envelope{Type: event.Type(ev.Kind), Timestamp: ev.Timestamp, Payload: payload})
		if err != nil {
			return
		}
		fmt.Fprintf(p.out, "%s\n", data)
		return
	}
	p.line(warningStyle.Render(fmt.Sprintf("  ! %s touched %s, also changed by %s",
		ev.TaskID, ev.Path, strings.Join(shortIDs(ev.OtherWorkers), ", "))))
}

func (p *printer) line(s string) {
	fmt.Fprintln(p.out, s)
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}

func (p *printer) VisitExecutionStarted(e event.ExecutionStarted) {
	p.line(titleStyle.Render("Session " + e.SessionBranch))
	p.line(mutedStyle.Render(fmt.Sprintf("%d tasks in %d groups, branched from %s", e.TotalTasks, e.TotalGroups, e.OriginalBranch)))
	if len(e.CyclicTaskIDs) > 0 {
		p.line(warningStyle.Render("Skipping tasks in dependency cycles: " + strings.Join(e.CyclicTaskIDs, ", ")))
	}
	if len(e.BlockedTaskIDs) > 0 {
		p.line(warningStyle.Render("Skipping tasks that depend on a cycle: " + strings.Join(e.BlockedTaskIDs, ", ")))
	}
}

func (p *printer) VisitExecutionPaused(e event.ExecutionPaused) {
	p.line(warningStyle.Render(fmt.Sprintf("Paused in group %d", e.GroupIndex+1)))
}

func (p *printer) VisitExecutionResumed(e event.ExecutionResumed) {
	p.line(mutedStyle.Render(fmt.Sprintf("Resumed in group %d", e.GroupIndex+1)))
}

func (p *printer) VisitExecutionStopped(e event.ExecutionStopped) {
	p.line(warningStyle.Render("Stopping (was " + e.PreviousStatus + ")"))
}

func (p *printer) VisitExecutionCompleted(e event.ExecutionCompleted) {
	p.line("")
	p.line(labelStyle.Render("Run ") + statusStyle(e.Status).Render(e.Status) +
		mutedStyle.Render(fmt.Sprintf(" in %s", e.Elapsed.Round(time.Second))))
	p.line(fmt.Sprintf("  %d completed, %d failed, %d conflicts pending", e.TotalTasksCompleted, e.TotalTasksFailed, e.PendingConflicts))
}

func (p *printer) VisitGroupStarted(e event.GroupStarted) {
	header := fmt.Sprintf("Group %d", e.GroupIndex+1)
	if e.Round > 1 {
		header += fmt.Sprintf(" (round %d)", e.Round)
	}
	p.line("")
	p.line(labelStyle.Render(header) + mutedStyle.Render(fmt.Sprintf(": %s in %d batches", strings.Join(e.TaskIDs, ", "), e.Batches)))
}

func (p *printer) VisitGroupCompleted(e event.GroupCompleted) {
	p.line(mutedStyle.Render(fmt.Sprintf("  %d merged, %d failed, %d requeued", e.TasksComplete, e.TasksFailed, e.Requeued)))
}

func (p *printer) VisitWorkerStarted(e event.WorkerStarted) {
	p.line(mutedStyle.Render(fmt.Sprintf("  started %s (worker %s)", e.TaskID, shortID(e.WorkerID))))
}

func (p *printer) VisitWorkerProgress(e event.WorkerProgress) {
	msg := fmt.Sprintf("  %s: iteration %d", e.TaskID, e.Iteration)
	if e.Message != "" {
		msg += " " + truncate(e.Message, maxLineWidth)
	}
	p.line(mutedStyle.Render(msg))
}

func (p *printer) VisitWorkerCompleted(e event.WorkerCompleted) {
	p.line(successStyle.Render(fmt.Sprintf("  ✓ %s finished after %d iterations with %d commits", e.TaskID, e.Iterations, e.CommitCount)))
}

func (p *printer) VisitWorkerFailed(e event.WorkerFailed) {
	p.line(errorStyle.Render(fmt.Sprintf("  ✗ %s: %s", e.TaskID, truncate(e.Error, maxLineWidth))))
}

func (p *printer) VisitMergeCompleted(e event.MergeCompleted) {
	p.line(successStyle.Render(fmt.Sprintf("  merged %s (%s, %d files)", e.TaskID, e.Strategy, e.FilesChanged)))
}

func (p *printer) VisitMergeFailed(e event.MergeFailed) {
	if e.HadConflicts {
		return
	}
	p.line(errorStyle.Render(fmt.Sprintf("  merge of %s failed: %s", e.TaskID, truncate(e.Error, maxLineWidth))))
}

func (p *printer) VisitConflictDetected(e event.ConflictDetected) {
	p.line(warningStyle.Render(fmt.Sprintf("  conflict merging %s in %s (%d pending)",
		e.TaskID, strings.Join(e.ConflictedFiles, ", "), e.Pending)))
}

func (p *printer) VisitConflictResolved(e event.ConflictResolved) {
	if e.Skipped() {
		p.line(mutedStyle.Render(fmt.Sprintf("  skipped conflict for %s", e.TaskID)))
		return
	}
	p.line(successStyle.Render(fmt.Sprintf("  resolved conflict for %s (%d files)", e.TaskID, len(e.Resolutions))))
}

func (p *printer) VisitTaskRequeued(e event.TaskRequeued) {
	if e.WillRetry {
		p.line(warningStyle.Render(fmt.Sprintf("  requeued %s (attempt %d)", e.TaskID, e.RequeueCount+1)))
		return
	}
	p.line(mutedStyle.Render(fmt.Sprintf("  %s reset to open", e.TaskID)))
}

func (p *printer) VisitTaskSkipped(e event.TaskSkipped) {
	p.line(warningStyle.Render(fmt.Sprintf("  skipped %s: waiting on %s", e.TaskID, strings.Join(e.BlockedBy, ", "))))
}
