// Package git executes git subprocesses with bounded timeouts and
// classified failures. All operations are scoped to an explicit working
// directory so a single runner can serve many repositories at once.
package git

import "context"

// Result holds the raw outcome of one git invocation. A non-zero exit
// code is not an error at this layer; callers decide what it means.
type Result struct {
	// Stdout is the captured standard output, unmodified.
	Stdout string
	// Stderr is the captured standard error, unmodified.
	Stderr string
	// ExitCode is the process exit code. -1 when the process was killed.
	ExitCode int
	// Hint carries advisory context derived from well-known stderr
	// patterns. It never affects control flow.
	Hint string
}

// Commit identifies one commit by sha and subject line.
type Commit struct {
	SHA     string
	Subject string
}

// BranchInfo describes how a branch relates to its base.
type BranchInfo struct {
	// Branch is the current branch name, empty when detached.
	Branch string
	// Ahead counts commits on the branch that are not on the base.
	Ahead int
	// Behind counts commits on the base that are not on the branch.
	Behind int
	// Branchpoint is the merge-base sha of the branch and its base.
	Branchpoint string
}

// DiffStats aggregates a numstat diff. Binary files count toward
// FilesChanged but contribute no line counts.
type DiffStats struct {
	FilesChanged int
	Added        int
	Deleted      int
}

// RebaseOutcome reports how a rebase (or rebase --continue) ended.
type RebaseOutcome struct {
	// Completed is true when the rebase finished cleanly.
	Completed bool
	// Conflicts lists unmerged paths when the rebase stopped on a
	// conflict. Empty when Completed is true.
	Conflicts []string
}

// Worktree describes one entry from git worktree list --porcelain.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// Executor runs raw git commands.
type Executor interface {
	// Exec runs git with the given arguments in dir. It returns an error
	// only for environment failures (missing binary, missing directory,
	// timeout, cancellation); command failures surface via Result.
	Exec(ctx context.Context, dir string, args ...string) (Result, error)
}

// QueryOperations defines read-only repository inspection.
type QueryOperations interface {
	// RevParse resolves a revision to its full sha.
	RevParse(ctx context.Context, dir, rev string) (string, error)
	// CurrentBranch returns the checked-out branch name, empty when detached.
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// BranchExists returns true if the local branch exists.
	BranchExists(ctx context.Context, dir, name string) (bool, error)
	// StatusPorcelain returns the output of git status --porcelain.
	StatusPorcelain(ctx context.Context, dir string) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges(ctx context.Context, dir string) (bool, error)
	// HasRemotes returns true if the repository has any remote configured.
	HasRemotes(ctx context.Context, dir string) (bool, error)
	// MergeBase returns the common ancestor of two revisions.
	MergeBase(ctx context.Context, dir, a, b string) (string, error)
	// IsAncestor returns true if ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
	// BranchInfo reports ahead/behind counts and the branchpoint
	// relative to base for the currently checked-out branch.
	BranchInfo(ctx context.Context, dir, base string) (BranchInfo, error)
	// CommitsBetween lists commits reachable from to but not from,
	// oldest first.
	CommitsBetween(ctx context.Context, dir, from, to string) ([]Commit, error)
	// ConflictedFiles returns unmerged paths, sorted by git.
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)
}

// CommitOperations defines operations that record work.
type CommitOperations interface {
	// CommitChanges stages everything and commits. It returns the new
	// commit sha, or an empty sha with nil error when there was nothing
	// to commit.
	CommitChanges(ctx context.Context, dir, message string) (string, error)
}

// DiffOperations defines diff extraction.
type DiffOperations interface {
	// DiffNumstat returns aggregated stats for the range from..to.
	DiffNumstat(ctx context.Context, dir, from, to string) (DiffStats, error)
	// DiffWorktreeNumstat returns aggregated stats of the working tree
	// (including the index) against the given revision.
	DiffWorktreeNumstat(ctx context.Context, dir, since string) (DiffStats, error)
	// DiffUnified0 returns a zero-context diff of the working tree
	// against the merge-base with base.
	DiffUnified0(ctx context.Context, dir, base string) (string, error)
}

// WorktreeOperations defines the worktree lifecycle.
type WorktreeOperations interface {
	// CreateWorktree creates branch from base and checks it out in a new
	// worktree at path. When the repository has remotes it syncs base
	// first. Partial failures are cleaned up before returning.
	CreateWorktree(ctx context.Context, repoRoot, branch, path, base string) error
	// SafeRemove deletes the worktree and branch only if every commit on
	// the branch is reachable from base.
	SafeRemove(ctx context.Context, repoRoot, worktreePath, branch, base string) error
	// ForceRemove deletes the worktree and branch unconditionally.
	ForceRemove(ctx context.Context, repoRoot, worktreePath, branch string) error
	// ListWorktrees returns all worktrees registered in the repository.
	ListWorktrees(ctx context.Context, repoRoot string) ([]Worktree, error)
	// PruneWorktrees drops stale worktree registrations.
	PruneWorktrees(ctx context.Context, repoRoot string) error
}

// MergeOperations defines the merge pipeline primitives.
type MergeOperations interface {
	// Squash collapses the work since the merge-base with base into a
	// single commit and returns its sha. With keepManual set, commits
	// whose subject does not carry the automated prefix are replayed
	// first and only the rest is squashed. Re-running at the same HEAD
	// is a no-op.
	Squash(ctx context.Context, dir, base, message string, keepManual bool) (string, error)
	// RebaseOnto rebases the current branch onto base. A conflict stop
	// is reported in the outcome, not as an error.
	RebaseOnto(ctx context.Context, dir, base string) (RebaseOutcome, error)
	// ContinueRebase resumes a conflicted rebase after resolution.
	ContinueRebase(ctx context.Context, dir string) (RebaseOutcome, error)
	// AbortRebase abandons an in-progress rebase.
	AbortRebase(ctx context.Context, dir string) error
	// FastForward checks out base in repoRoot and merges branch. With
	// noFF set it records a merge commit carrying message instead.
	// Returns the resulting base sha.
	FastForward(ctx context.Context, repoRoot, base, branch string, noFF bool, message string) (string, error)
}

// Runner defines the complete git surface the orchestrator depends on.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	Executor
	QueryOperations
	CommitOperations
	DiffOperations
	WorktreeOperations
	MergeOperations
}
