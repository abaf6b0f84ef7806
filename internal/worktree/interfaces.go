package worktree

import "context"

// BranchManager covers branch and tag bookkeeping on the main checkout.
type BranchManager interface {
	CurrentBranch(ctx context.Context) (string, error)
	HeadCommit(ctx context.Context, ref string) (string, error)
	BranchExists(ctx context.Context, branch string) bool
	CreateBranch(ctx context.Context, branch, base string) error
	Checkout(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, branch string) error
	CreateTag(ctx context.Context, tag, ref string) error
	DeleteTag(ctx context.Context, tag string) error
	ListTags(ctx context.Context, pattern string) ([]string, error)
}

// MergeOperations merges branches into the checked-out integration branch.
type MergeOperations interface {
	MergeFastForward(ctx context.Context, branch string) error
	MergeCommit(ctx context.Context, branch, message string) ([]string, error)
	ConflictedFiles(ctx context.Context) ([]string, error)
	MergeInProgress(ctx context.Context) bool
	AbortMerge(ctx context.Context) error
	ResetHard(ctx context.Context, ref string) error
	ShowStage(ctx context.Context, stage int, path string) (string, error)
	StageFile(ctx context.Context, path, content string) error
	ConcludeMerge(ctx context.Context, message string) error
	FilesChanged(ctx context.Context, from, to string) (int, error)
}

// WorktreeManager creates and tears down per-worker worktrees.
type WorktreeManager interface {
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	CountCommits(ctx context.Context, dir, base, head string) (int, error)
	RepoDir() string
}

// Repository combines all git operation interfaces.
type Repository interface {
	BranchManager
	MergeOperations
	WorktreeManager
}

var _ Repository = (*Git)(nil)
