package git

import (
	"context"
	"fmt"
	"strings"
)

// Squash collapses all commits since the merge-base with base into a
// single commit whose tree matches the current HEAD tree, and returns
// the resulting sha.
//
// With keepManual set, commits whose subject does not start with the
// automated prefix are replayed onto the branchpoint in their original
// order and only the remaining automated work is squashed on top. If a
// manual commit no longer applies cleanly the branch is restored and an
// error is returned.
//
// Re-running at the same HEAD is a no-op: a branch that already
// consists of manual commits followed by one squash commit with the
// same subject is returned unchanged.
func (r *ExecRunner) Squash(ctx context.Context, dir, base, message string, keepManual bool) (string, error) {
	head, err := r.RevParse(ctx, dir, "HEAD")
	if err != nil {
		return "", err
	}
	point, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return "", err
	}
	commits, err := r.CommitsBetween(ctx, dir, point, head)
	if err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return head, nil
	}
	if alreadySquashed(commits, message) {
		return head, nil
	}

	if keepManual {
		manual := manualCommits(commits)
		if len(manual) > 0 {
			return r.squashKeepingManual(ctx, dir, head, point, message, manual)
		}
	}

	if _, err := r.git(ctx, dir, "reset", "--soft", point); err != nil {
		return "", err
	}
	return r.commitStaged(ctx, dir, head, message)
}

// alreadySquashed reports whether the branch is already in post-squash
// shape: the tip carries the squash subject and everything below it is
// manual work.
func alreadySquashed(commits []Commit, message string) bool {
	if commits[len(commits)-1].Subject != subjectOf(message) {
		return false
	}
	for _, c := range commits[:len(commits)-1] {
		if strings.HasPrefix(c.Subject, AutoCommitPrefix) {
			return false
		}
	}
	return true
}

// manualCommits filters out automated commits, preserving order.
func manualCommits(commits []Commit) []Commit {
	var manual []Commit
	for _, c := range commits {
		if !strings.HasPrefix(c.Subject, AutoCommitPrefix) {
			manual = append(manual, c)
		}
	}
	return manual
}

func subjectOf(message string) string {
	subject, _, _ := strings.Cut(message, "\n")
	return subject
}

// squashKeepingManual rebuilds the branch as branchpoint + manual
// commits + one squash commit restoring the original HEAD tree.
func (r *ExecRunner) squashKeepingManual(ctx context.Context, dir, head, point, message string, manual []Commit) (string, error) {
	if _, err := r.git(ctx, dir, "reset", "--hard", point); err != nil {
		return "", err
	}
	for _, c := range manual {
		res, err := r.Exec(ctx, dir, "cherry-pick", c.SHA)
		if err != nil {
			r.restoreHead(ctx, dir, head)
			return "", err
		}
		if res.ExitCode != 0 {
			_, _ = r.Exec(ctx, dir, "cherry-pick", "--abort")
			r.restoreHead(ctx, dir, head)
			return "", fmt.Errorf("replay manual commit %.8s: %s", c.SHA, strings.TrimSpace(res.Stderr))
		}
	}
	// Impose the original HEAD tree so the squash commit captures the
	// automated work exactly, including deletions.
	if _, err := r.git(ctx, dir, "read-tree", "-u", "--reset", head); err != nil {
		r.restoreHead(ctx, dir, head)
		return "", err
	}
	return r.commitStaged(ctx, dir, head, message)
}

// commitStaged commits the index if it differs from HEAD and returns
// the new sha. On failure the branch is restored to orig.
func (r *ExecRunner) commitStaged(ctx context.Context, dir, orig, message string) (string, error) {
	staged, err := r.Exec(ctx, dir, "diff", "--cached", "--quiet")
	if err != nil {
		r.restoreHead(ctx, dir, orig)
		return "", err
	}
	if staged.ExitCode != 0 {
		if _, err := r.git(ctx, dir, "commit", "-m", message); err != nil {
			r.restoreHead(ctx, dir, orig)
			return "", err
		}
	}
	return r.RevParse(ctx, dir, "HEAD")
}

// restoreHead moves the branch back to orig after a failed rewrite,
// keeping index and working tree consistent with it.
func (r *ExecRunner) restoreHead(ctx context.Context, dir, orig string) {
	_, _ = r.Exec(ctx, dir, "reset", "--hard", orig)
}

// RebaseOnto rebases the current branch onto base. A conflict stop is
// reported in the outcome rather than as an error; any other failure
// aborts the rebase and returns an error.
func (r *ExecRunner) RebaseOnto(ctx context.Context, dir, base string) (RebaseOutcome, error) {
	return r.rebaseStep(ctx, dir, "rebase", base)
}

// ContinueRebase resumes a conflicted rebase after resolution. If
// conflicts remain it reports them in the outcome.
func (r *ExecRunner) ContinueRebase(ctx context.Context, dir string) (RebaseOutcome, error) {
	return r.rebaseStep(ctx, dir, "rebase", "--continue")
}

func (r *ExecRunner) rebaseStep(ctx context.Context, dir string, args ...string) (RebaseOutcome, error) {
	res, err := r.Exec(ctx, dir, args...)
	if err != nil {
		return RebaseOutcome{}, err
	}
	if res.ExitCode == 0 {
		return RebaseOutcome{Completed: true}, nil
	}
	files, ferr := r.ConflictedFiles(ctx, dir)
	if ferr == nil && len(files) > 0 {
		return RebaseOutcome{Conflicts: files}, nil
	}
	if args[len(args)-1] != "--continue" {
		_, _ = r.Exec(ctx, dir, "rebase", "--abort")
	}
	return RebaseOutcome{}, exitError(args, res)
}

// AbortRebase abandons an in-progress rebase and restores the branch.
func (r *ExecRunner) AbortRebase(ctx context.Context, dir string) error {
	_, err := r.git(ctx, dir, "rebase", "--abort")
	return err
}

// FastForward checks out base in repoRoot and merges branch into it.
// With noFF set a merge commit carrying message is recorded instead of
// a plain fast-forward. Returns the resulting base sha.
func (r *ExecRunner) FastForward(ctx context.Context, repoRoot, base, branch string, noFF bool, message string) (string, error) {
	if _, err := r.git(ctx, repoRoot, "checkout", base); err != nil {
		return "", err
	}
	args := []string{"merge", "--ff-only", branch}
	if noFF {
		if message == "" {
			message = "merge " + branch
		}
		args = []string{"merge", "--no-ff", "-m", message, branch}
	}
	if _, err := r.git(ctx, repoRoot, args...); err != nil {
		return "", err
	}
	return r.RevParse(ctx, repoRoot, "HEAD")
}
