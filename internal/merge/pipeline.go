package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/pkg/models"
)

// StepOutcome reports how one pipeline step ended. Sha is set for steps
// that move a ref; ConflictFiles for conflict stops.
type StepOutcome struct {
	Result        models.MergeResult `json:"result"`
	Sha           string             `json:"sha,omitempty"`
	ConflictFiles []string           `json:"conflict_files,omitempty"`
}

// SquashOptions tunes the squash step.
type SquashOptions struct {
	// Message is the squash commit message. Empty derives one from the
	// session name.
	Message string
	// KeepManual replays human commits before squashing the automated
	// work, instead of collapsing everything.
	KeepManual bool
}

// Squash collapses the session branch's work since the branchpoint into
// a single commit. Re-running after a successful squash is a no-op.
func (e *Engine) Squash(ctx context.Context, sessionID string, opts SquashOptions) (*StepOutcome, error) {
	sess, finish, err := e.beginStep(ctx, sessionID, models.MergeModeSquash, opts.Message)
	if err != nil {
		return nil, err
	}
	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("%s %s (squashed)", git.AutoCommitPrefix, sess.Name)
	}

	lock := e.repoLock(sess.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	var sha string
	err = e.withRetry(ctx, func() error {
		var serr error
		sha, serr = e.git.Squash(ctx, sess.WorktreePath, sess.BaseBranch, message, opts.KeepManual)
		return serr
	})
	if err != nil {
		finish(models.MergeError, nil)
		return nil, err
	}
	finish(models.MergeSuccess, nil)
	e.log.WithSession(sessionID).Info("squashed session branch", zap.String("sha", sha))
	return &StepOutcome{Result: models.MergeSuccess, Sha: sha}, nil
}

// Rebase replays the session branch onto its base. A conflict stop is a
// normal outcome: the worktree is left mid-rebase for manual resolution
// followed by Continue, or Abort.
func (e *Engine) Rebase(ctx context.Context, sessionID string) (*StepOutcome, error) {
	sess, finish, err := e.beginStep(ctx, sessionID, models.MergeModeRebase, "")
	if err != nil {
		return nil, err
	}

	lock := e.repoLock(sess.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	var out git.RebaseOutcome
	err = e.withRetry(ctx, func() error {
		var rerr error
		out, rerr = e.git.RebaseOnto(ctx, sess.WorktreePath, sess.BaseBranch)
		return rerr
	})
	return e.finishRebaseStep(ctx, sessionID, finish, out, err)
}

// Continue resumes a conflicted rebase after the caller has resolved and
// staged the conflicted paths. Remaining conflicts surface the same way
// the original stop did.
func (e *Engine) Continue(ctx context.Context, sessionID string) (*StepOutcome, error) {
	if err := e.requireConflictedRebase(ctx, sessionID, "merge.continue"); err != nil {
		return nil, err
	}
	sess, finish, err := e.beginStep(ctx, sessionID, models.MergeModeContinue, "")
	if err != nil {
		return nil, err
	}

	lock := e.repoLock(sess.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	var out git.RebaseOutcome
	err = e.withRetry(ctx, func() error {
		var rerr error
		out, rerr = e.git.ContinueRebase(ctx, sess.WorktreePath)
		return rerr
	})
	return e.finishRebaseStep(ctx, sessionID, finish, out, err)
}

// Abort abandons a conflicted rebase and restores the branch to its
// pre-rebase state.
func (e *Engine) Abort(ctx context.Context, sessionID string) (*StepOutcome, error) {
	if err := e.requireConflictedRebase(ctx, sessionID, "merge.abort"); err != nil {
		return nil, err
	}
	sess, finish, err := e.beginStep(ctx, sessionID, models.MergeModeAbort, "")
	if err != nil {
		return nil, err
	}

	lock := e.repoLock(sess.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	if err := e.git.AbortRebase(ctx, sess.WorktreePath); err != nil {
		finish(models.MergeError, nil)
		return nil, err
	}
	finish(models.MergeAborted, nil)
	e.log.WithSession(sessionID).Info("aborted rebase")
	return &StepOutcome{Result: models.MergeAborted}, nil
}

// FastForwardOptions tunes the landing step.
type FastForwardOptions struct {
	// NoFF records a merge commit on base instead of moving the ref.
	NoFF bool
	// Message is the merge commit message when NoFF is set.
	Message string
}

// FastForward lands the session branch on base in the main checkout.
// The branch must already contain base; rebase first if it does not.
func (e *Engine) FastForward(ctx context.Context, sessionID string, opts FastForwardOptions) (*StepOutcome, error) {
	mode := models.MergeModeFastForward
	if opts.NoFF {
		mode = models.MergeModeNoFF
	}
	sess, finish, err := e.beginStep(ctx, sessionID, mode, "")
	if err != nil {
		return nil, err
	}

	lock := e.repoLock(sess.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	ok, err := e.git.IsAncestor(ctx, sess.WorktreePath, sess.BaseBranch, "HEAD")
	if err != nil {
		finish(models.MergeError, nil)
		return nil, err
	}
	if !ok {
		finish(models.MergeError, nil)
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "merge." + string(mode),
			Hint: "rebase the session branch onto " + sess.BaseBranch + " first",
			Err:  errors.New("branch does not contain base"),
		}
	}

	var sha string
	err = e.withRetry(ctx, func() error {
		var ferr error
		sha, ferr = e.git.FastForward(ctx, sess.RepoRoot, sess.BaseBranch, sess.BranchName, opts.NoFF, opts.Message)
		return ferr
	})
	if err != nil {
		finish(models.MergeError, nil)
		return nil, err
	}
	finish(models.MergeSuccess, nil)
	e.log.WithSession(sessionID).Info("landed session branch",
		zap.String("base", sess.BaseBranch),
		zap.String("sha", sha))
	return &StepOutcome{Result: models.MergeSuccess, Sha: sha}, nil
}

// finishRebaseStep maps a rebase outcome onto the audit row and the
// returned step outcome. Conflict stops finalize as conflict, not error.
func (e *Engine) finishRebaseStep(ctx context.Context, sessionID string, finish func(models.MergeResult, []string), out git.RebaseOutcome, err error) (*StepOutcome, error) {
	if err != nil {
		finish(models.MergeError, nil)
		return nil, err
	}
	if out.Completed {
		finish(models.MergeSuccess, nil)
		e.log.WithSession(sessionID).Info("rebase completed")
		return &StepOutcome{Result: models.MergeSuccess}, nil
	}
	finish(models.MergeConflict, out.Conflicts)
	e.log.WithSession(sessionID).Warn("rebase stopped on conflicts",
		zap.Strings("files", out.Conflicts))
	return &StepOutcome{Result: models.MergeConflict, ConflictFiles: out.Conflicts}, nil
}

// requireConflictedRebase verifies the most recent merge step left the
// worktree mid-rebase, so continue/abort have something to act on.
func (e *Engine) requireConflictedRebase(ctx context.Context, sessionID, op string) error {
	latest, err := e.store.LatestMergeStep(ctx, sessionID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Result != models.MergeConflict {
		return &models.OpError{
			Kind: models.ErrBadInput,
			Op:   op,
			Hint: "run rebase first",
			Err:  errors.New("no conflicted rebase in progress"),
		}
	}
	switch latest.Mode {
	case models.MergeModeRebase, models.MergeModeContinue:
		return nil
	default:
		return &models.OpError{
			Kind: models.ErrBadInput,
			Op:   op,
			Err:  fmt.Errorf("last merge step was %s, not a rebase", strings.ToLower(string(latest.Mode))),
		}
	}
}
