package conflict

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// ResolvePrompt is the prompt handed to the agent for one conflicted file.
const ResolvePrompt = `You are resolving a git merge conflict in {{.Path}}.

Two versions of the file exist. "Integration" is the shared branch that other
tasks have already been merged into. "Worker" is the branch produced for task
work that now needs to be merged. Keep every intended change from both sides.

Reply with the complete merged file only. Do not wrap it in code fences and do
not include conflict markers or commentary.

<integration>
{{.Ours}}
</integration>

<worker>
{{.Theirs}}
</worker>
`

var resolvePromptTmpl = template.Must(template.New("resolve").Parse(ResolvePrompt))

// CommandRunner runs name with args, feeding stdin, and returns stdout.
type CommandRunner func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s failed: %w\nstderr: %s", name, err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return out, nil
}

// AgentCallback resolves conflicts by running an agent CLI in print mode. The
// prompt goes to stdin; the reply is read from a JSON field of stdout, or the
// raw output when it is not JSON.
type AgentCallback struct {
	Command string
	Args    []string
	Timeout time.Duration
	// ResultPath is the gjson path of the reply text, "result" by default.
	ResultPath string

	run CommandRunner
}

// NewAgentCallback creates a callback for command. A zero timeout means none.
func NewAgentCallback(command string, args []string, timeout time.Duration) *AgentCallback {
	return &AgentCallback{
		Command:    command,
		Args:       args,
		Timeout:    timeout,
		ResultPath: "result",
		run:        execRunner,
	}
}

// WithRunner replaces the process runner. Used by tests.
func (a *AgentCallback) WithRunner(run CommandRunner) *AgentCallback {
	a.run = run
	return a
}

// Resolve implements AIResolverCallback.
func (a *AgentCallback) Resolve(ctx context.Context, path, ours, theirs string) (string, error) {
	var prompt bytes.Buffer
	if err := resolvePromptTmpl.Execute(&prompt, map[string]string{
		"Path":   path,
		"Ours":   ours,
		"Theirs": theirs,
	}); err != nil {
		return "", err
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	out, err := a.run(ctx, prompt.String(), a.Command, a.Args...)
	if err != nil {
		return "", err
	}
	return ExtractReply(string(out), a.ResultPath)
}

// Callback adapts a to the AIResolverCallback signature.
func (a *AgentCallback) Callback() AIResolverCallback {
	return a.Resolve
}

// ExtractReply pulls the reply text out of agent output. JSON output is read
// at path; an "is_error" flag turns into an error. Non-JSON output is used as
// is. Surrounding code fences are stripped either way.
func ExtractReply(output, path string) (string, error) {
	trimmed := strings.TrimSpace(output)
	if gjson.Valid(trimmed) && strings.HasPrefix(trimmed, "{") {
		if gjson.Get(trimmed, "is_error").Bool() {
			return "", fmt.Errorf("agent reported an error: %s", gjson.Get(trimmed, path).String())
		}
		result := gjson.Get(trimmed, path)
		if !result.Exists() {
			return "", fmt.Errorf("agent output has no %q field", path)
		}
		trimmed = result.String()
	}
	return stripFences(trimmed), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return ensureNewline(s)
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimRight(s, "\n"), "```")
	return ensureNewline(strings.TrimRight(s, "\n"))
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
