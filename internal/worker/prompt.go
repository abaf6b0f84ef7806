package worker

import (
	"bytes"
	"text/template"

	"github.com/Iron-Ham/parallax/internal/task"
)

const taskPrompt = `You are working on task {{.Task.ID}}: {{.Task.Title}}
{{- if .Task.Description}}

{{.Task.Description}}
{{- end}}
{{- if .Task.Files}}

Files you are expected to touch:
{{- range .Task.Files}}
- {{.}}
{{- end}}
{{- end}}

You are on your own git branch in a dedicated worktree. Other agents are
working on other tasks in parallel; stay within the scope of this task.
Commit your work as you go.
{{- if gt .Iteration 1}}

This is iteration {{.Iteration}}. Review what earlier iterations committed
and continue from there.
{{- end}}

When the task is finished, write {{.CompletionFile}} at the repository root:

{"task_id": "{{.Task.ID}}", "status": "complete", "summary": "<one line>"}

Use "blocked" or "failed" as the status if you cannot finish.
`

var taskPromptTmpl = template.Must(template.New("task").Parse(taskPrompt))

// BuildPrompt renders the instructions given to the agent for one iteration.
func BuildPrompt(t task.Task, iteration int) (string, error) {
	var buf bytes.Buffer
	err := taskPromptTmpl.Execute(&buf, struct {
		Task           task.Task
		Iteration      int
		CompletionFile string
	}{t, iteration, CompletionFileName})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
