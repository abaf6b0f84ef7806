package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CompletionFileName is the sentinel an agent writes at the worktree root
// once it considers its task finished.
const CompletionFileName = ".parallax-task-complete.json"

// Completion statuses an agent may report.
const (
	CompletionComplete = "complete"
	CompletionBlocked  = "blocked"
	CompletionFailed   = "failed"
)

// flexibleString accepts either a JSON string or an array of strings,
// joining the latter with newlines. Agents are inconsistent about which
// they write for free-form notes.
type flexibleString string

func (f *flexibleString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleString(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*f = flexibleString(strings.Join(arr, "\n"))
		return nil
	}
	*f = ""
	return nil
}

// Completion is the content of the sentinel file.
type Completion struct {
	TaskID        string         `json:"task_id"`
	Status        string         `json:"status"`
	Summary       string         `json:"summary"`
	FilesModified []string       `json:"files_modified,omitempty"`
	Notes         flexibleString `json:"notes,omitempty"`
}

// Done reports whether the agent claims the task is complete. A missing
// status counts as complete: the file's presence is the signal.
func (c *Completion) Done() bool {
	return c.Status == "" || strings.EqualFold(c.Status, CompletionComplete)
}

// CompletionPath returns the sentinel path inside a worktree.
func CompletionPath(worktree string) string {
	return filepath.Join(worktree, CompletionFileName)
}

// ReadCompletion parses the sentinel in worktree. It returns (nil, nil)
// when the file does not exist yet.
func ReadCompletion(worktree string) (*Completion, error) {
	data, err := os.ReadFile(CompletionPath(worktree))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read completion file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return &Completion{}, nil
	}

	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse completion file: %w", err)
	}
	return &c, nil
}
