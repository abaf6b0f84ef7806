package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/parallax/internal/errors"
)

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewMergeError(startDir, errors.ErrNotGitRepository)
		}
		dir = parent
	}
}

// AddWorktree creates a worktree at path on a new branch started from base.
func (g *Git) AddWorktree(ctx context.Context, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return g.fail("failed to create worktree parent", err, g.repoDir, "")
	}
	out, err := g.run(ctx, g.repoDir, "worktree", "add", "-b", branch, path, base)
	if err != nil {
		return g.fail("failed to create worktree", err, g.repoDir, out).WithBranch(branch)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path. The branch is kept.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	out, err := g.run(ctx, g.repoDir, "worktree", "remove", "--force", path)
	if err != nil {
		// The directory may already be gone; prune the stale entry instead.
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_, _ = g.run(ctx, g.repoDir, "worktree", "prune")
			return nil
		}
		return g.fail("failed to remove worktree", err, g.repoDir, out)
	}
	return nil
}

// CommitAll stages and commits every change in dir. It reports whether a
// commit was made; a clean tree is not an error.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if out, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return false, g.fail("failed to stage changes", err, dir, out)
	}

	out, err := g.run(ctx, dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return false, nil
		}
		return false, g.fail("failed to commit changes", err, dir, out)
	}
	return true, nil
}

// CountCommits returns the number of commits reachable from head but not base.
func (g *Git) CountCommits(ctx context.Context, dir, base, head string) (int, error) {
	out, err := g.run(ctx, dir, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, g.fail("failed to count commits", err, dir, out).WithBranch(base + ".." + head)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, g.fail("failed to parse commit count", err, dir, out)
	}
	return count, nil
}
