package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ampherd/ampherd/internal/bus"
	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/internal/merge"
	"github.com/ampherd/ampherd/internal/session"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// DefaultConcurrency is the worker-pool size when neither the plan nor
// the configuration sets one.
const DefaultConcurrency = 2

// defaultItemTimeout bounds one item when the plan sets no timeout.
const defaultItemTimeout = 30 * time.Minute

// SessionCreator is the slice of the session manager the scheduler
// needs: one call that creates a session and runs its only iteration.
type SessionCreator interface {
	CreateSession(ctx context.Context, opts session.CreateOptions) (*models.Session, error)
}

// Lander is the slice of the merge engine used for merge-on-pass.
type Lander interface {
	Squash(ctx context.Context, sessionID string, opts merge.SquashOptions) (*merge.StepOutcome, error)
	Rebase(ctx context.Context, sessionID string) (*merge.StepOutcome, error)
	FastForward(ctx context.Context, sessionID string, opts merge.FastForwardOptions) (*merge.StepOutcome, error)
}

// runControl tracks one in-flight run so Abort can reach it.
type runControl struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Scheduler executes batch plans. One scheduler serves many runs; state
// per run lives in the store, not in memory, so restarts lose nothing
// but in-flight work.
type Scheduler struct {
	store       *store.Store
	sessions    SessionCreator
	lander      Lander
	bus         *bus.Bus
	log         *logging.Logger
	concurrency int

	mu   sync.Mutex
	runs map[string]*runControl
}

// NewScheduler wires a scheduler. lander may be nil when merge-on-pass
// is unused; defaultConcurrency <= 0 falls back to the built-in default.
func NewScheduler(st *store.Store, sc SessionCreator, lander Lander, b *bus.Bus, defaultConcurrency int, log *logging.Logger) *Scheduler {
	if defaultConcurrency <= 0 {
		defaultConcurrency = DefaultConcurrency
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		store:       st,
		sessions:    sc,
		lander:      lander,
		bus:         b,
		log:         log.WithComponent("batch"),
		concurrency: defaultConcurrency,
		runs:        make(map[string]*runControl),
	}
}

// Run persists a plan as a run and executes it to completion. Items are
// dispatched in plan order; at most the plan's concurrency run at once.
// Returns the finished run.
func (s *Scheduler) Run(ctx context.Context, plan *Plan) (*models.BatchRun, error) {
	runID := plan.RunID
	if runID == "" {
		runID = models.NewID()
	}
	concurrency := plan.Concurrency
	if concurrency <= 0 {
		concurrency = s.concurrency
	}
	defaultsJSON, err := json.Marshal(plan.Defaults)
	if err != nil {
		return nil, planErr("defaults do not serialize", err)
	}

	run := &models.BatchRun{
		RunID:        runID,
		CreatedAt:    time.Now(),
		DefaultsJSON: string(defaultsJSON),
		Concurrency:  concurrency,
		Status:       models.BatchRunning,
	}
	items := make([]*models.BatchItem, 0, len(plan.Matrix))
	for _, pi := range plan.Matrix {
		r := plan.resolve(pi)
		items = append(items, &models.BatchItem{
			ID:            models.NewID(),
			RunID:         runID,
			Repo:          r.Repo,
			Prompt:        r.Prompt,
			Model:         r.Model,
			ScriptCommand: r.ScriptCommand,
			TimeoutSec:    r.TimeoutSec,
			Status:        models.ItemQueued,
		})
	}
	if err := s.store.CreateBatchRun(ctx, run, items); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ctl := &runControl{cancel: cancel}
	s.mu.Lock()
	s.runs[runID] = ctl
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	}()

	s.log.Info("batch run started",
		zap.String("run", runID),
		zap.Int("items", len(items)),
		zap.Int("concurrency", concurrency))

	sem := semaphore.NewWeighted(int64(concurrency))
	for i, it := range items {
		if ctl.aborted.Load() {
			break
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		it := it
		r := plan.resolve(plan.Matrix[i])
		go func() {
			defer sem.Release(1)
			s.runItem(runCtx, ctl, plan, it, r)
		}()
	}
	// Join outside runCtx: workers must finish their bookkeeping even
	// after an abort cancels everything in flight.
	if err := sem.Acquire(context.Background(), int64(concurrency)); err == nil {
		sem.Release(int64(concurrency))
	}

	final := models.BatchCompleted
	if ctl.aborted.Load() || runCtx.Err() != nil {
		final = models.BatchAborted
		if _, err := s.store.AbortQueuedItems(context.Background(), runID); err != nil {
			s.log.Error("could not abort queued items", zap.String("run", runID), zap.Error(err))
		}
	}
	if err := s.store.UpdateBatchRunStatus(context.Background(), runID, final); err != nil {
		return nil, err
	}
	run.Status = final
	s.log.Info("batch run finished", zap.String("run", runID), zap.String("status", string(final)))
	return run, nil
}

// Abort stops a run: queued items flip to aborted, in-flight agent
// processes are canceled, and the run ends as aborted. Safe to call for
// runs this process is not executing; only the queued flip applies then.
func (s *Scheduler) Abort(ctx context.Context, runID string) error {
	run, err := s.store.GetBatchRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "batch.abort",
			Err:  errors.New("no such run: " + runID),
		}
	}

	s.mu.Lock()
	ctl := s.runs[runID]
	s.mu.Unlock()
	if ctl != nil {
		ctl.aborted.Store(true)
		ctl.cancel()
		return nil
	}

	// Not running here: flip what the store still shows as pending.
	if _, err := s.store.AbortQueuedItems(ctx, runID); err != nil {
		return err
	}
	return s.store.UpdateBatchRunStatus(ctx, runID, models.BatchAborted)
}

// runItem executes one item, retrying process errors up to the plan's
// retry budget. Script failures and timeouts are terminal on the first
// attempt.
func (s *Scheduler) runItem(ctx context.Context, ctl *runControl, plan *Plan, item *models.BatchItem, r resolved) {
	log := s.log.WithFields(zap.String("run", item.RunID), zap.String("item", item.ID))

	for attempt := 1; ; attempt++ {
		if ctl.aborted.Load() || ctx.Err() != nil {
			s.finishItem(item, models.ItemAborted)
			return
		}

		item.Attempt = attempt
		now := time.Now()
		item.StartedAt = &now
		item.Status = models.ItemRunning
		s.saveItem(item)

		status, retryable := s.attemptItem(ctx, ctl, item, r)
		s.finishItem(item, status)

		if status == models.ItemError && retryable && attempt <= plan.Defaults.Retries {
			log.Warn("item errored, retrying", zap.Int("attempt", attempt))
			continue
		}
		if status != models.ItemSuccess {
			log.Warn("item finished", zap.String("status", string(status)))
		} else {
			log.Info("item finished", zap.String("status", string(status)))
		}
		return
	}
}

// attemptItem runs one attempt and classifies its outcome. The bool
// reports whether a retry may help.
func (s *Scheduler) attemptItem(ctx context.Context, ctl *runControl, item *models.BatchItem, r resolved) (models.BatchItemStatus, bool) {
	timeout := defaultItemTimeout
	if r.TimeoutSec > 0 {
		timeout = time.Duration(r.TimeoutSec) * time.Second
	}
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := s.sessions.CreateSession(itemCtx, session.CreateOptions{
		Name:          itemName(item, r),
		Prompt:        r.Prompt,
		RepoRoot:      r.Repo,
		BaseBranch:    r.BaseBranch,
		ScriptCommand: r.ScriptCommand,
		Model:         r.Model,
		Timeout:       timeout,
	})
	if err != nil {
		switch {
		case ctl.aborted.Load() || ctx.Err() != nil:
			return models.ItemAborted, false
		case models.IsKind(err, models.ErrAgentTimeout) || errors.Is(itemCtx.Err(), context.DeadlineExceeded):
			return models.ItemTimeout, false
		default:
			return models.ItemError, models.ItemError.Retryable()
		}
	}
	item.SessionID = sess.ID

	if usage, uerr := s.store.TokenUsageBySession(ctx, sess.ID); uerr == nil {
		item.TokensTotal = usage.TotalTokens
	}

	passed := true
	if latest, lerr := s.store.LatestIteration(ctx, sess.ID); lerr == nil && latest != nil {
		if latest.TestResult == models.TestFail {
			return models.ItemFail, false
		}
		passed = latest.TestResult == models.TestPass || latest.TestResult == models.TestNone
	}

	if r.MergeOnPass && passed {
		if err := s.land(ctx, sess.ID); err != nil {
			s.log.Error("merge-on-pass failed",
				zap.String("session", sess.ID), zap.Error(err))
			return models.ItemError, false
		}
	}
	return models.ItemSuccess, false
}

// land runs the squash -> rebase -> fast-forward pipeline for one
// session. Conflicts are left for manual resolution and reported as an
// error here.
func (s *Scheduler) land(ctx context.Context, sessionID string) error {
	if s.lander == nil {
		return errors.New("no merge engine configured")
	}
	if _, err := s.lander.Squash(ctx, sessionID, merge.SquashOptions{}); err != nil {
		return err
	}
	out, err := s.lander.Rebase(ctx, sessionID)
	if err != nil {
		return err
	}
	if out.Result != models.MergeSuccess {
		return fmt.Errorf("rebase stopped: %s", out.Result)
	}
	_, err = s.lander.FastForward(ctx, sessionID, merge.FastForwardOptions{})
	return err
}

// finishItem records a terminal status and announces the transition.
func (s *Scheduler) finishItem(item *models.BatchItem, status models.BatchItemStatus) {
	now := time.Now()
	item.FinishedAt = &now
	item.Status = status
	s.saveItem(item)
}

// saveItem persists the item and publishes its current status. Store
// writes use a background context so abort cancellation cannot lose the
// terminal state.
func (s *Scheduler) saveItem(item *models.BatchItem) {
	ctx := context.Background()
	if err := s.store.UpdateBatchItem(ctx, item); err != nil {
		s.log.Error("could not persist batch item",
			zap.String("item", item.ID), zap.Error(err))
	}
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, bus.Event{
		Kind:      bus.KindBatchProgress,
		RunID:     item.RunID,
		Timestamp: time.Now(),
		Payload: bus.BatchProgress{
			RunID:  item.RunID,
			ItemID: item.ID,
			Status: item.Status,
		},
	})
	if err != nil {
		s.log.Warn("could not publish batch progress", zap.Error(err))
	}
}

// itemName derives a session name from the repo and item id.
func itemName(item *models.BatchItem, r resolved) string {
	id := item.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("batch-%s-%s", filepath.Base(r.Repo), id)
}

// Progress tallies a run's items by status, derived by query.
func (s *Scheduler) Progress(ctx context.Context, runID string) (map[models.BatchItemStatus]int, error) {
	items, err := s.store.ListBatchItems(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.BatchItemStatus]int)
	for _, it := range items {
		counts[it.Status]++
	}
	return counts, nil
}
