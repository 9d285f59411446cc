package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RevParse resolves a revision to its full sha.
func (r *ExecRunner) RevParse(ctx context.Context, dir, rev string) (string, error) {
	res, err := r.git(ctx, dir, "rev-parse", "--verify", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CurrentBranch returns the checked-out branch name, empty when detached.
func (r *ExecRunner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := r.git(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// BranchExists returns true if the local branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, dir, name string) (bool, error) {
	res, err := r.Exec(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// StatusPorcelain returns the output of git status --porcelain.
func (r *ExecRunner) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	res, err := r.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.StatusPorcelain(ctx, dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// HasRemotes returns true if the repository has any remote configured.
func (r *ExecRunner) HasRemotes(ctx context.Context, dir string) (bool, error) {
	res, err := r.git(ctx, dir, "remote")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// MergeBase returns the common ancestor of two revisions.
func (r *ExecRunner) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	res, err := r.git(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsAncestor returns true if ancestor is reachable from descendant.
func (r *ExecRunner) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	res, err := r.Exec(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, exitError([]string{"merge-base"}, res)
	}
}

// BranchInfo reports ahead/behind counts and the branchpoint relative
// to base for the currently checked-out branch.
func (r *ExecRunner) BranchInfo(ctx context.Context, dir, base string) (BranchInfo, error) {
	branch, err := r.CurrentBranch(ctx, dir)
	if err != nil {
		return BranchInfo{}, err
	}
	res, err := r.git(ctx, dir, "rev-list", "--left-right", "--count", base+"...HEAD")
	if err != nil {
		return BranchInfo{}, err
	}
	behind, ahead, err := parseAheadBehind(res.Stdout)
	if err != nil {
		return BranchInfo{}, fmt.Errorf("parse rev-list counts: %w", err)
	}
	point, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return BranchInfo{}, err
	}
	return BranchInfo{Branch: branch, Ahead: ahead, Behind: behind, Branchpoint: point}, nil
}

// parseAheadBehind splits the "<left>\t<right>" output of
// git rev-list --left-right --count base...HEAD.
func parseAheadBehind(out string) (behind, ahead int, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected output %q", out)
	}
	behind, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	ahead, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return behind, ahead, nil
}

// CommitsBetween lists commits reachable from to but not from, oldest
// first.
func (r *ExecRunner) CommitsBetween(ctx context.Context, dir, from, to string) ([]Commit, error) {
	res, err := r.git(ctx, dir, "log", "--reverse", "--format=%H%x09%s", from+".."+to)
	if err != nil {
		return nil, err
	}
	return parseCommitLog(res.Stdout), nil
}

// parseCommitLog parses "sha<TAB>subject" lines from git log.
func parseCommitLog(out string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sha, subject, _ := strings.Cut(line, "\t")
		commits = append(commits, Commit{SHA: sha, Subject: subject})
	}
	return commits
}

// ConflictedFiles returns unmerged paths, sorted by git.
func (r *ExecRunner) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := r.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
