// Package testutil provides git repository fixtures for parallax tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	Git(t, dir, "init")
	Git(t, dir, "config", "user.email", "test@parallax.dev")
	Git(t, dir, "config", "user.name", "Parallax Test")
	Git(t, dir, "config", "commit.gpgsign", "false")

	// git worktree requires at least one commit
	CommitFile(t, dir, "README.md", "# Test Repository\n", "Initial commit")
	Git(t, dir, "branch", "-M", "main")
	return dir
}

// SetupTestRepoWithContent creates a test repository with the given files
// committed on main. Keys are paths relative to the repository root.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "Add test files")
	return dir
}

// WriteFile writes content to path under dir, creating parent directories.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, dir, path, content, message string) {
	t.Helper()

	WriteFile(t, dir, path, content)
	Git(t, dir, "add", path)
	Git(t, dir, "commit", "-m", message)
}

// CreateBranch creates a branch from base without switching to it.
func CreateBranch(t *testing.T, dir, branch, base string) {
	t.Helper()
	Git(t, dir, "branch", branch, base)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, dir, branch string) {
	t.Helper()
	Git(t, dir, "checkout", branch)
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(t *testing.T, dir string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// ReadFileAt returns the content of path at ref.
func ReadFileAt(t *testing.T, dir, ref, path string) string {
	t.Helper()

	cmd := exec.Command("git", "show", ref+":"+path)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git show %s:%s: %v", ref, path, err)
	}
	return string(out)
}

// CommitCount returns the number of commits reachable from ref.
func CommitCount(t *testing.T, dir, ref string) string {
	t.Helper()
	return Git(t, dir, "rev-list", "--count", ref)
}

// Git runs a git command in dir, fails the test on error, and returns the
// trimmed combined output.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Parallax Test",
		"GIT_AUTHOR_EMAIL=test@parallax.dev",
		"GIT_COMMITTER_NAME=Parallax Test",
		"GIT_COMMITTER_EMAIL=test@parallax.dev",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
