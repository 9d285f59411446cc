package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/pkg/models"
)

// PreflightReport describes whether a session branch is ready to land.
// It is advisory: nothing stops a caller from running merge steps
// against a report full of issues.
type PreflightReport struct {
	// WorktreeClean is true when the session worktree has no
	// uncommitted changes.
	WorktreeClean bool `json:"worktree_clean"`
	// RepoClean is true when the main checkout has no uncommitted
	// changes. Fast-forward checks out base there.
	RepoClean bool `json:"repo_clean"`
	// BaseUpToDate is true when the branch contains every commit on base.
	BaseUpToDate bool `json:"base_up_to_date"`
	// AheadBy and BehindBy count commits relative to base.
	AheadBy  int `json:"ahead_by"`
	BehindBy int `json:"behind_by"`
	// BranchpointSha is the merge-base of the branch and base.
	BranchpointSha string `json:"branchpoint_sha"`
	// AgentCommits counts automated commits since the branchpoint.
	AgentCommits int `json:"agent_commits"`
	// ManualCommits counts human commits since the branchpoint.
	ManualCommits int `json:"manual_commits"`
	// TestsPass reflects the latest iteration's script result, nil when
	// no script ran.
	TestsPass *bool `json:"tests_pass,omitempty"`
	// Issues lists human-readable blockers and warnings.
	Issues []string `json:"issues,omitempty"`
}

// Ready reports whether the branch can land without manual attention.
func (r *PreflightReport) Ready() bool {
	return len(r.Issues) == 0
}

// Preflight inspects a session branch against its base without touching
// history or the store. Safe to call at any time, including mid-rebase.
func (e *Engine) Preflight(ctx context.Context, sessionID string) (*PreflightReport, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "merge.preflight",
			Err:  errors.New("no such session: " + sessionID),
		}
	}

	report := &PreflightReport{}

	dirty, err := e.git.HasChanges(ctx, sess.WorktreePath)
	if err != nil {
		return nil, err
	}
	report.WorktreeClean = !dirty
	if dirty {
		report.Issues = append(report.Issues, "worktree has uncommitted changes")
	}

	repoDirty, err := e.git.HasChanges(ctx, sess.RepoRoot)
	if err != nil {
		return nil, err
	}
	report.RepoClean = !repoDirty
	if repoDirty {
		report.Issues = append(report.Issues, "main checkout has uncommitted changes")
	}

	info, err := e.git.BranchInfo(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return nil, err
	}
	report.AheadBy = info.Ahead
	report.BehindBy = info.Behind
	report.BranchpointSha = info.Branchpoint
	report.BaseUpToDate = info.Behind == 0
	if info.Behind > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d commit(s) on %s are not on the branch; rebase before landing", info.Behind, sess.BaseBranch))
	}
	if info.Ahead == 0 {
		report.Issues = append(report.Issues, "branch carries no commits beyond "+sess.BaseBranch)
	}

	commits, err := e.git.CommitsBetween(ctx, sess.WorktreePath, info.Branchpoint, "HEAD")
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		if strings.HasPrefix(c.Subject, git.AutoCommitPrefix) {
			report.AgentCommits++
		} else {
			report.ManualCommits++
		}
	}

	latest, err := e.store.LatestIteration(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.TestResult != models.TestNone {
		pass := latest.TestResult == models.TestPass
		report.TestsPass = &pass
		if !pass {
			report.Issues = append(report.Issues, "latest iteration's script command failed")
		}
	}

	conflicted, err := e.git.ConflictedFiles(ctx, sess.WorktreePath)
	if err == nil && len(conflicted) > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("rebase in progress with %d conflicted file(s)", len(conflicted)))
	}

	return report, nil
}
