// Package worktree provides the git primitives parallax builds on: branches,
// tags, merges on the integration checkout, and per-worker worktrees.
//
// Every operation shells out to the git CLI through a CommandExecutor, so
// tests can substitute a scripted executor instead of a real repository.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/parallax/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Never open an editor for merge or commit messages.
	cmd.Env = append(os.Environ(), "GIT_MERGE_AUTOEDIT=no", "GIT_EDITOR=true")
	return cmd.CombinedOutput()
}

// -----------------------------------------------------------------------------
// Git
// -----------------------------------------------------------------------------

// Git runs git commands against one repository. Branch, tag and merge
// operations act on the repository's main checkout, which holds the
// integration branch during a run.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// NewGit creates a Git for the repository containing dir.
func NewGit(dir string) (*Git, error) {
	root, err := FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Git{repoDir: root, executor: NewCLICommandExecutor()}, nil
}

// NewGitWithExecutor creates a Git with a custom executor.
// This is primarily useful for testing.
func NewGitWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root.
func (g *Git) RepoDir() string {
	return g.repoDir
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.executor.Run(ctx, dir, "git", args...)
	return string(out), err
}

func (g *Git) fail(message string, cause error, dir, output string) *errors.MergeError {
	return errors.NewMergeError(message, cause).
		WithRepository(dir).
		WithGitOutput(output)
}

// CurrentBranch returns the branch checked out in the main checkout.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, g.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", g.fail("failed to get current branch", err, g.repoDir, out)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit resolves ref to a commit SHA.
func (g *Git) HeadCommit(ctx context.Context, ref string) (string, error) {
	out, err := g.run(ctx, g.repoDir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", g.fail("failed to resolve "+ref, errors.ErrBranchNotFound, g.repoDir, out)
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, g.repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CreateBranch creates branch from base without checking it out.
func (g *Git) CreateBranch(ctx context.Context, branch, base string) error {
	out, err := g.run(ctx, g.repoDir, "branch", branch, base)
	if err != nil {
		return g.fail("failed to create branch", err, g.repoDir, out).WithBranch(branch)
	}
	return nil
}

// Checkout switches the main checkout to branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	out, err := g.run(ctx, g.repoDir, "checkout", branch)
	if err != nil {
		return g.fail("failed to checkout branch", err, g.repoDir, out).WithBranch(branch)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	out, err := g.run(ctx, g.repoDir, "branch", "-D", branch)
	if err != nil {
		return g.fail("failed to delete branch", err, g.repoDir, out).WithBranch(branch)
	}
	return nil
}

// CreateTag creates a lightweight tag pointing at ref.
func (g *Git) CreateTag(ctx context.Context, tag, ref string) error {
	out, err := g.run(ctx, g.repoDir, "tag", "-f", tag, ref)
	if err != nil {
		return g.fail("failed to create tag "+tag, err, g.repoDir, out)
	}
	return nil
}

// DeleteTag removes a tag. Deleting a missing tag is not an error.
func (g *Git) DeleteTag(ctx context.Context, tag string) error {
	out, err := g.run(ctx, g.repoDir, "tag", "-d", tag)
	if err != nil && !strings.Contains(out, "not found") {
		return g.fail("failed to delete tag "+tag, err, g.repoDir, out)
	}
	return nil
}

// ListTags returns the tags matching a glob pattern.
func (g *Git) ListTags(ctx context.Context, pattern string) ([]string, error) {
	out, err := g.run(ctx, g.repoDir, "tag", "--list", pattern)
	if err != nil {
		return nil, g.fail("failed to list tags", err, g.repoDir, out)
	}
	return splitLines(out), nil
}

// MergeFastForward fast-forwards the current branch to branch. It returns an
// error matching ErrNotFastForward when the histories have diverged.
func (g *Git) MergeFastForward(ctx context.Context, branch string) error {
	out, err := g.run(ctx, g.repoDir, "merge", "--ff-only", branch)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "Not possible to fast-forward") || strings.Contains(out, "not possible to fast-forward") ||
		strings.Contains(out, "Diverging branches") {
		return g.fail("fast-forward refused", errors.ErrNotFastForward, g.repoDir, out).WithBranch(branch)
	}
	return g.fail("fast-forward merge failed", err, g.repoDir, out).WithBranch(branch)
}

// MergeCommit merges branch with a merge commit. On conflict the merge is
// left in progress and the conflicted paths are returned with an error
// matching ErrMergeConflict.
func (g *Git) MergeCommit(ctx context.Context, branch, message string) ([]string, error) {
	out, err := g.run(ctx, g.repoDir, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil, nil
	}
	files, listErr := g.ConflictedFiles(ctx)
	if listErr == nil && len(files) > 0 {
		return files, g.fail("merge stopped on conflicts", errors.ErrMergeConflict, g.repoDir, out).WithBranch(branch)
	}
	return nil, g.fail("merge failed", err, g.repoDir, out).WithBranch(branch)
}

// ConflictedFiles lists unmerged paths in the main checkout.
func (g *Git) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, g.repoDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, g.fail("failed to list conflicted files", err, g.repoDir, out)
	}
	return splitLines(out), nil
}

// MergeInProgress reports whether MERGE_HEAD exists.
func (g *Git) MergeInProgress(ctx context.Context) bool {
	_, err := g.run(ctx, g.repoDir, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context) error {
	out, err := g.run(ctx, g.repoDir, "merge", "--abort")
	if err != nil {
		return g.fail("failed to abort merge", err, g.repoDir, out)
	}
	return nil
}

// ResetHard resets the main checkout to ref, discarding local changes.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	out, err := g.run(ctx, g.repoDir, "reset", "--hard", ref)
	if err != nil {
		return g.fail("failed to reset to "+ref, err, g.repoDir, out)
	}
	return nil
}

// ShowStage returns a file's content at an index stage: 1 is the merge base,
// 2 is the current branch and 3 is the branch being merged.
func (g *Git) ShowStage(ctx context.Context, stage int, path string) (string, error) {
	out, err := g.run(ctx, g.repoDir, "show", ":"+strconv.Itoa(stage)+":"+path)
	if err != nil {
		return "", g.fail("failed to read stage "+strconv.Itoa(stage)+" of "+path, err, g.repoDir, out)
	}
	return out, nil
}

// StageFile writes content to path (relative to the repository root) and adds it.
func (g *Git) StageFile(ctx context.Context, path, content string) error {
	full := filepath.Join(g.repoDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return g.fail("failed to create directory for "+path, err, g.repoDir, "")
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return g.fail("failed to write "+path, err, g.repoDir, "")
	}
	out, err := g.run(ctx, g.repoDir, "add", "--", path)
	if err != nil {
		return g.fail("failed to stage "+path, err, g.repoDir, out)
	}
	return nil
}

// ConcludeMerge commits an in-progress merge whose conflicts have been staged.
func (g *Git) ConcludeMerge(ctx context.Context, message string) error {
	out, err := g.run(ctx, g.repoDir, "commit", "--no-edit", "-m", message)
	if err != nil {
		return g.fail("failed to conclude merge", err, g.repoDir, out)
	}
	return nil
}

// FilesChanged counts the paths that differ between two refs.
func (g *Git) FilesChanged(ctx context.Context, from, to string) (int, error) {
	out, err := g.run(ctx, g.repoDir, "diff", "--name-only", from, to)
	if err != nil {
		return 0, g.fail("failed to diff "+from+".."+to, err, g.repoDir, out)
	}
	return len(splitLines(out)), nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
