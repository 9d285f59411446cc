package git

import (
	"context"
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/pkg/models"
)

// CreateWorktree creates branch from base and checks it out in a new
// worktree at path. When the repository has remotes the base branch is
// synced first; sync failures are logged but do not block creation so
// offline use keeps working. Partial failures are cleaned up before
// returning.
func (r *ExecRunner) CreateWorktree(ctx context.Context, repoRoot, branch, path, base string) error {
	remotes, err := r.HasRemotes(ctx, repoRoot)
	if err != nil {
		return err
	}
	if remotes {
		r.syncBase(ctx, repoRoot, base)
	}
	res, err := r.Exec(ctx, repoRoot, "worktree", "add", "-b", branch, path, base)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		r.cleanupPartial(ctx, repoRoot, branch, path)
		return exitError([]string{"worktree"}, res)
	}
	return nil
}

// syncBase refreshes the base branch from the remote. Failures are
// tolerated: a stale base still produces a usable worktree.
func (r *ExecRunner) syncBase(ctx context.Context, repoRoot, base string) {
	steps := [][]string{
		{"fetch", "--prune"},
		{"checkout", base},
		{"pull", "--ff-only"},
	}
	for _, args := range steps {
		res, err := r.Exec(ctx, repoRoot, args...)
		if err != nil || res.ExitCode != 0 {
			r.log.Warn("base sync step failed",
				zap.String("args", strings.Join(args, " ")),
				zap.String("stderr", strings.TrimSpace(res.Stderr)),
				zap.Error(err))
			return
		}
	}
}

// cleanupPartial undoes the traces of a failed worktree add so a retry
// starts clean.
func (r *ExecRunner) cleanupPartial(ctx context.Context, repoRoot, branch, path string) {
	_ = os.RemoveAll(path)
	_, _ = r.Exec(ctx, repoRoot, "worktree", "prune")
	if ok, err := r.BranchExists(ctx, repoRoot, branch); err == nil && ok {
		_, _ = r.Exec(ctx, repoRoot, "branch", "-D", branch)
	}
}

// SafeRemove deletes the worktree and branch only if every commit on
// the branch is reachable from base. Unmerged work is refused.
func (r *ExecRunner) SafeRemove(ctx context.Context, repoRoot, worktreePath, branch, base string) error {
	sha, err := r.RevParse(ctx, repoRoot, branch)
	if err != nil {
		return err
	}
	merged, err := r.IsAncestor(ctx, repoRoot, sha, base)
	if err != nil {
		return err
	}
	if !merged {
		return &models.OpError{
			Kind: models.ErrUnmergedDeletion,
			Op:   "git worktree remove",
			Path: worktreePath,
			Hint: "branch " + branch + " has commits not reachable from " + base,
			Err:  errors.New("refusing to delete unmerged work"),
		}
	}
	return r.removeWorktreeAndBranch(ctx, repoRoot, worktreePath, branch, false)
}

// ForceRemove deletes the worktree and branch unconditionally.
func (r *ExecRunner) ForceRemove(ctx context.Context, repoRoot, worktreePath, branch string) error {
	return r.removeWorktreeAndBranch(ctx, repoRoot, worktreePath, branch, true)
}

func (r *ExecRunner) removeWorktreeAndBranch(ctx context.Context, repoRoot, worktreePath, branch string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	res, err := r.Exec(ctx, repoRoot, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if _, statErr := os.Stat(worktreePath); statErr == nil && !force {
			return exitError(args, res)
		}
		// Registration may be stale or the directory left behind; clear both.
		_ = os.RemoveAll(worktreePath)
	}
	_, _ = r.Exec(ctx, repoRoot, "worktree", "prune", "--expire", "now")

	flag := "-d"
	if force {
		flag = "-D"
	}
	dres, err := r.Exec(ctx, repoRoot, "branch", flag, branch)
	if err != nil {
		return err
	}
	if dres.ExitCode != 0 && !force {
		return exitError([]string{"branch"}, dres)
	}
	return nil
}

// ListWorktrees returns all worktrees registered in the repository.
func (r *ExecRunner) ListWorktrees(ctx context.Context, repoRoot string) ([]Worktree, error) {
	res, err := r.git(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(res.Stdout), nil
}

// parseWorktreeList parses git worktree list --porcelain output.
// Entries are separated by blank lines; detached worktrees carry a
// HEAD line but no branch line.
func parseWorktreeList(out string) []Worktree {
	var (
		worktrees []Worktree
		cur       *Worktree
	)
	flush := func() {
		if cur != nil {
			worktrees = append(worktrees, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// attribute line without a worktree header, skip
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		}
	}
	flush()
	return worktrees
}

// PruneWorktrees drops stale worktree registrations.
func (r *ExecRunner) PruneWorktrees(ctx context.Context, repoRoot string) error {
	_, err := r.git(ctx, repoRoot, "worktree", "prune", "--expire", "now")
	return err
}
