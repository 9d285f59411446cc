package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/pkg/models"
)

// CleanupOptions controls how much of a session is removed.
type CleanupOptions struct {
	// Force removes the worktree and branch even when the branch holds
	// commits base cannot reach.
	Force bool
	// Purge deletes the session record and everything it owns. The
	// default keeps history: the record is marked done.
	Purge bool
}

// Cleanup removes a session's worktree and branch. Without Force the
// removal is refused unless every commit on the branch is reachable
// from base. Calling cleanup twice is fine: a missing worktree is
// treated as already removed.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, opts CleanupOptions) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "session.cleanup",
			Err:  errors.New("no such session: " + sessionID),
		}
	}
	if sess.Status == models.SessionRunning {
		return &models.OpError{
			Kind: models.ErrStoreConflict,
			Op:   "session.cleanup",
			Err:  errors.New("session has an iteration in flight"),
		}
	}

	log := m.log.WithSession(sessionID)
	if opts.Force {
		err = m.git.ForceRemove(ctx, sess.RepoRoot, sess.WorktreePath, sess.BranchName)
	} else {
		err = m.git.SafeRemove(ctx, sess.RepoRoot, sess.WorktreePath, sess.BranchName, sess.BaseBranch)
	}
	if err != nil {
		return err
	}
	m.store.RecordGitOp(ctx, &models.GitOp{
		SessionID: sessionID,
		Op:        "worktree_remove",
		Detail:    sess.BranchName,
		Timestamp: time.Now(),
	})

	if opts.Purge {
		log.Info("session purged")
		return m.store.DeleteSession(ctx, sessionID)
	}
	log.Info("session cleaned up")
	return m.store.UpdateSessionStatus(ctx, sessionID, models.SessionDone, "")
}

// Reconcile removes worktrees under <repoRoot>/.worktrees/ that no live
// session owns. Run at startup to clear debris from crashed processes.
func (m *Manager) Reconcile(ctx context.Context, repoRoot string) error {
	worktrees, err := m.git.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return err
	}
	sessions, err := m.store.ListSessionsByRepo(ctx, repoRoot)
	if err != nil {
		return err
	}
	owned := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.Status != models.SessionDone {
			owned[s.WorktreePath] = true
		}
	}

	prefix := filepath.Join(repoRoot, worktreesDirName) + string(filepath.Separator)
	removed := 0
	for _, wt := range worktrees {
		if !strings.HasPrefix(wt.Path, prefix) || owned[wt.Path] {
			continue
		}
		if err := m.git.ForceRemove(ctx, repoRoot, wt.Path, wt.Branch); err != nil {
			m.log.Warn("could not remove orphan worktree",
				zap.String("path", wt.Path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("reconciled orphan worktrees",
			zap.String("repo", repoRoot), zap.Int("removed", removed))
	}
	return m.git.PruneWorktrees(ctx, repoRoot)
}
