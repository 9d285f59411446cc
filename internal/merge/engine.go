// Package merge drives the pipeline that lands a session branch on its
// base: preflight, squash, rebase (with continue/abort on conflict),
// and fast-forward. Every mutating step is audited in merge history and
// serialized per repository.
package merge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// DefaultLockRetries bounds retries on git index-lock contention.
const DefaultLockRetries = 5

// lockRetryBase is the first backoff delay; it doubles per attempt.
const lockRetryBase = 100 * time.Millisecond

// Engine executes merge pipeline steps for sessions.
type Engine struct {
	store       *store.Store
	git         git.Runner
	log         *logging.Logger
	lockRetries int

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewEngine wires an engine. lockRetries <= 0 falls back to the default.
func NewEngine(st *store.Store, g git.Runner, lockRetries int, log *logging.Logger) *Engine {
	if lockRetries <= 0 {
		lockRetries = DefaultLockRetries
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		store:       st,
		git:         g,
		log:         log.WithComponent("merge"),
		lockRetries: lockRetries,
		repoLocks:   make(map[string]*sync.Mutex),
	}
}

// repoLock returns the mutex serializing base-branch mutations for one
// repository. The git index lock is the ultimate arbiter; this lock
// just keeps this process from fighting itself.
func (e *Engine) repoLock(repoRoot string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.repoLocks[repoRoot]
	if !ok {
		l = &sync.Mutex{}
		e.repoLocks[repoRoot] = l
	}
	return l
}

// withRetry runs fn, backing off and retrying only when the failure is
// git index-lock contention. Other errors surface immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := lockRetryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !git.IndexLocked(err.Error()) || attempt >= e.lockRetries {
			return err
		}
		e.log.Warn("git index locked, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

// beginStep loads the session, refuses concurrent work, flips the
// session to running, and opens the audit row. The returned finish
// function closes both.
func (e *Engine) beginStep(ctx context.Context, sessionID string, mode models.MergeMode, squashMessage string) (*models.Session, func(models.MergeResult, []string), error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "merge." + string(mode),
			Err:  errors.New("no such session: " + sessionID),
		}
	}
	if sess.Status == models.SessionRunning {
		return nil, nil, &models.OpError{
			Kind: models.ErrStoreConflict,
			Op:   "merge." + string(mode),
			Err:  errors.New("session is busy"),
		}
	}
	if err := e.store.UpdateSessionStatus(ctx, sessionID, models.SessionRunning, ""); err != nil {
		return nil, nil, err
	}

	hist := &models.MergeHistory{
		ID:            models.NewID(),
		SessionID:     sessionID,
		StartedAt:     time.Now(),
		BaseBranch:    sess.BaseBranch,
		Mode:          mode,
		Result:        models.MergeInProgress,
		SquashMessage: squashMessage,
	}
	if err := e.store.CreateMergeHistory(ctx, hist); err != nil {
		e.store.UpdateSessionStatus(ctx, sessionID, models.SessionIdle, "")
		return nil, nil, err
	}

	finish := func(result models.MergeResult, conflictFiles []string) {
		if err := e.store.FinishMergeHistory(ctx, hist.ID, result, conflictFiles, time.Now()); err != nil {
			e.log.WithSession(sessionID).Error("could not finalize merge history", zap.Error(err))
		}
		status := models.SessionIdle
		note := ""
		if result == models.MergeError {
			status = models.SessionError
			note = "merge step " + string(mode) + " failed"
		}
		e.store.UpdateSessionStatus(ctx, sessionID, status, note)
	}
	return sess, finish, nil
}

// History returns a session's merge audit trail, newest first.
func (e *Engine) History(ctx context.Context, sessionID string) ([]models.MergeHistory, error) {
	return e.store.ListMergeHistory(ctx, sessionID)
}
