// Package controller is the facade the CLI (and any future transport)
// talks to. It owns the wiring of store, git, agent, bus, session
// manager, merge engine, and batch scheduler, and exposes their
// operations as one coherent surface.
package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/agent"
	"github.com/ampherd/ampherd/internal/batch"
	"github.com/ampherd/ampherd/internal/bus"
	"github.com/ampherd/ampherd/internal/config"
	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/internal/merge"
	"github.com/ampherd/ampherd/internal/session"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// Controller coordinates every component behind a flat API. It is safe
// for concurrent use; per-session and per-repo serialization happens in
// the layers below.
type Controller struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *store.Store
	git      git.Runner
	agent    *agent.Adapter
	bus      *bus.Bus
	sessions *session.Manager
	merge    *merge.Engine
	batch    *batch.Scheduler
	eventLog *bus.NDJSONSink

	handles *handleRegistry
}

// New builds a fully wired controller from configuration. The store
// sink is attached so every published event lands in SQLite.
func New(cfg *config.Config) (*Controller, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.RetentionDays, log)
	if err != nil {
		return nil, err
	}

	g := git.NewExecRunner(cfg.Git.Path, time.Duration(cfg.Git.TimeoutSec)*time.Second, log)
	a, err := agent.New(cfg.Agent, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New(cfg.Bus.QueueSize, log)
	b.AddSink(bus.NewStoreSink(st))

	var eventLog *bus.NDJSONSink
	if sink, err := bus.NewNDJSONSink(filepath.Join(config.DataDir(), "events.ndjson")); err != nil {
		log.Warn("event log disabled", zap.Error(err))
	} else {
		eventLog = sink
		b.AddSink(sink)
	}

	mgr := session.NewManager(st, g, a, b, log)
	eng := merge.NewEngine(st, g, cfg.Merge.LockRetryMax, log)
	sched := batch.NewScheduler(st, mgr, eng, b, cfg.Batch.DefaultConcurrency, log)

	return &Controller{
		cfg:      cfg,
		log:      log.WithComponent("controller"),
		store:    st,
		git:      g,
		agent:    a,
		bus:      b,
		sessions: mgr,
		merge:    eng,
		batch:    sched,
		eventLog: eventLog,
		handles:  newHandleRegistry(),
	}, nil
}

// Close stops interactive handles, drains the bus, and closes the store.
func (c *Controller) Close() error {
	c.handles.stopAll()
	c.bus.Close()
	if err := c.agent.Close(); err != nil {
		c.warn("could not stop agent watchers", err)
	}
	if c.eventLog != nil {
		if err := c.eventLog.Close(); err != nil {
			c.warn("could not close event log", err)
		}
	}
	err := c.store.Close()
	c.log.Sync()
	return err
}

// Config returns the active configuration with secrets masked.
func (c *Controller) Config() config.Config {
	return c.cfg.Redacted()
}

// Subscribe attaches a live event feed. The returned cancel function
// must be called, or publishers will eventually block on the full queue.
func (c *Controller) Subscribe() (<-chan bus.Event, func()) {
	return c.bus.Subscribe()
}

// resolveSession accepts a session id or a session name.
func (c *Controller) resolveSession(ctx context.Context, ref string) (*models.Session, error) {
	sess, err := c.store.GetSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess, err = c.store.GetSessionByName(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if sess == nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "controller.resolve_session",
			Err:  errors.New("no session with id or name " + ref),
		}
	}
	return sess, nil
}

// --- sessions ---

// ListSessions returns every session, newest first.
func (c *Controller) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return c.store.ListSessions(ctx)
}

// GetSession resolves a session by id or name.
func (c *Controller) GetSession(ctx context.Context, ref string) (*models.Session, error) {
	return c.resolveSession(ctx, ref)
}

// CreateSession creates a worktree-backed session and, unless skipped,
// runs its first iteration.
func (c *Controller) CreateSession(ctx context.Context, opts session.CreateOptions) (*models.Session, error) {
	return c.sessions.CreateSession(ctx, opts)
}

// Iterate runs one more agent iteration on an existing session.
func (c *Controller) Iterate(ctx context.Context, ref string, opts session.IterateOptions) (*models.Iteration, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.sessions.Iterate(ctx, sess.ID, opts)
}

// Cleanup removes a session's worktree and branch.
func (c *Controller) Cleanup(ctx context.Context, ref string, opts session.CleanupOptions) error {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	c.handles.stop(sess.ID)
	return c.sessions.Cleanup(ctx, sess.ID, opts)
}

// Reconcile clears orphaned worktrees under a repository.
func (c *Controller) Reconcile(ctx context.Context, repoRoot string) error {
	return c.sessions.Reconcile(ctx, repoRoot)
}

// Diff returns a zero-context unified diff of the session's work
// against its base.
func (c *Controller) Diff(ctx context.Context, ref string) (string, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return "", err
	}
	return c.git.DiffUnified0(ctx, sess.WorktreePath, sess.BaseBranch)
}

// Summary returns a session's aggregate counters.
func (c *Controller) Summary(ctx context.Context, ref string) (*models.SessionSummary, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.store.GetSessionSummary(ctx, sess.ID)
}

// Iterations lists a session's iterations, oldest first.
func (c *Controller) Iterations(ctx context.Context, ref string) ([]*models.Iteration, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.store.ListIterations(ctx, sess.ID)
}

// Threads lists the agent threads a session has used.
func (c *Controller) Threads(ctx context.Context, ref string) ([]models.Thread, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.store.ListThreads(ctx, sess.ID)
}

// Events lists a session's raw stream events, oldest first, up to limit.
func (c *Controller) Events(ctx context.Context, ref string, limit int) ([]models.StreamEvent, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.store.ListStreamEvents(ctx, sess.ID, limit)
}

// ToolCalls lists a session's tool calls, oldest first.
func (c *Controller) ToolCalls(ctx context.Context, ref string) ([]models.ToolCall, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.store.ListToolCalls(ctx, sess.ID)
}

// TokenUsageByModel aggregates token counts across all sessions per model.
func (c *Controller) TokenUsageByModel(ctx context.Context) ([]models.ModelUsage, error) {
	return c.store.TokenUsageByModel(ctx)
}

// AgentVersion reports the agent CLI's version string.
func (c *Controller) AgentVersion(ctx context.Context) (string, error) {
	return c.agent.Version(ctx)
}

// --- merge pipeline ---

// Preflight reports whether a session branch is ready to land.
func (c *Controller) Preflight(ctx context.Context, ref string) (*merge.PreflightReport, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.Preflight(ctx, sess.ID)
}

// Squash collapses the session branch since its branchpoint.
func (c *Controller) Squash(ctx context.Context, ref string, opts merge.SquashOptions) (*merge.StepOutcome, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.Squash(ctx, sess.ID, opts)
}

// Rebase replays the session branch onto its base.
func (c *Controller) Rebase(ctx context.Context, ref string) (*merge.StepOutcome, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.Rebase(ctx, sess.ID)
}

// ContinueMerge resumes a conflicted rebase after manual resolution.
func (c *Controller) ContinueMerge(ctx context.Context, ref string) (*merge.StepOutcome, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.Continue(ctx, sess.ID)
}

// AbortMerge abandons a conflicted rebase.
func (c *Controller) AbortMerge(ctx context.Context, ref string) (*merge.StepOutcome, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.Abort(ctx, sess.ID)
}

// FastForward lands the session branch on its base.
func (c *Controller) FastForward(ctx context.Context, ref string, opts merge.FastForwardOptions) (*merge.StepOutcome, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.FastForward(ctx, sess.ID, opts)
}

// MergeHistory returns a session's merge audit trail.
func (c *Controller) MergeHistory(ctx context.Context, ref string) ([]models.MergeHistory, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.merge.History(ctx, sess.ID)
}

// --- batch ---

// RunBatch loads a plan file and executes it to completion. The
// finished run is also exported to runs/<runId>.ndjson in the data
// directory; a failed export is logged, not returned.
func (c *Controller) RunBatch(ctx context.Context, planPath string) (*models.BatchRun, error) {
	plan, err := batch.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}
	run, err := c.batch.Run(ctx, plan)
	if err != nil {
		return nil, err
	}
	if logErr := c.exportRunLog(run.RunID); logErr != nil {
		c.warn("could not write run log", logErr)
	}
	return run, nil
}

// exportRunLog snapshots a finished run as NDJSON under the data dir.
// Uses a background context: the run's outcome is already persisted and
// should be exportable even after the caller's context is canceled.
func (c *Controller) exportRunLog(runID string) error {
	dir := filepath.Join(config.DataDir(), "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, runID+".ndjson"))
	if err != nil {
		return err
	}
	defer f.Close()
	return c.ExportRun(context.Background(), f, runID)
}

// AbortBatch stops a run; queued items flip to aborted and in-flight
// agents are canceled.
func (c *Controller) AbortBatch(ctx context.Context, runID string) error {
	return c.batch.Abort(ctx, runID)
}

// ListBatchRuns lists all runs, newest first.
func (c *Controller) ListBatchRuns(ctx context.Context) ([]models.BatchRun, error) {
	return c.store.ListBatchRuns(ctx)
}

// GetBatchRun retrieves one run.
func (c *Controller) GetBatchRun(ctx context.Context, runID string) (*models.BatchRun, error) {
	run, err := c.store.GetBatchRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "controller.get_batch_run",
			Err:  errors.New("no such run: " + runID),
		}
	}
	return run, nil
}

// ListBatchItems lists a run's items in plan order.
func (c *Controller) ListBatchItems(ctx context.Context, runID string) ([]models.BatchItem, error) {
	return c.store.ListBatchItems(ctx, runID)
}

// BatchProgress tallies a run's items by status.
func (c *Controller) BatchProgress(ctx context.Context, runID string) (map[models.BatchItemStatus]int, error) {
	return c.batch.Progress(ctx, runID)
}

func (c *Controller) warn(msg string, err error) {
	c.log.Warn(msg, zap.Error(err))
}
