package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/agent"
	"github.com/ampherd/ampherd/internal/bus"
	"github.com/ampherd/ampherd/internal/exec"
	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// worktreesDirName is where session worktrees live under a repo root.
const worktreesDirName = ".worktrees"

// AgentRunner is the slice of the agent adapter the manager needs.
// Tests substitute a fake.
type AgentRunner interface {
	Run(ctx context.Context, opts agent.RunOptions) (*agent.RunResult, error)
}

// Manager owns the session lifecycle. All session status transitions go
// through it (or the merge engine); nothing else mutates sessions.
type Manager struct {
	store *store.Store
	git   git.Runner
	agent AgentRunner
	bus   *bus.Bus
	exec  exec.CommandRunner
	log   *logging.Logger
}

// NewManager wires a manager. A nil exec runner falls back to the real
// one; bus may be nil when no sinks are attached.
func NewManager(st *store.Store, g git.Runner, a AgentRunner, b *bus.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		store: st,
		git:   g,
		agent: a,
		bus:   b,
		exec:  exec.NewRunner(),
		log:   log.WithComponent("session"),
	}
}

// CreateOptions parameterizes CreateSession.
type CreateOptions struct {
	// Name labels the session; the branch slug derives from it.
	Name string
	// Prompt is the initial agent prompt.
	Prompt string
	// RepoRoot is the repository's main checkout, absolute.
	RepoRoot string
	// BaseBranch is the fork point and merge target. Empty means the
	// repo's currently checked-out branch.
	BaseBranch string
	// ScriptCommand, when set, runs after each iteration as the test.
	ScriptCommand string
	// Model pins the agent model for this session.
	Model string
	// NoAutoCommit leaves the worktree dirty after iterations.
	NoAutoCommit bool
	// Mode defaults to async.
	Mode models.SessionMode
	// Timeout bounds the initial iteration; zero means the adapter default.
	Timeout time.Duration
	// SkipInitialIteration creates the session without running the
	// agent. Interactive sessions start this way.
	SkipInitialIteration bool
}

// CreateSession validates the repository, creates the session branch
// and worktree, seeds AGENT_CONTEXT, persists the record, and runs the
// first iteration. Batch callers rely on that: one CreateSession is one
// complete unit of agent work.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	if opts.Name == "" || opts.Prompt == "" || opts.RepoRoot == "" {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "session.create",
			Err:  errors.New("name, prompt, and repo root are required"),
		}
	}
	if !filepath.IsAbs(opts.RepoRoot) {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "session.create",
			Path: opts.RepoRoot,
			Err:  errors.New("repo root must be absolute"),
		}
	}
	// The repo must be a work tree with at least one commit, otherwise
	// there is nothing to branch from.
	if _, err := m.git.RevParse(ctx, opts.RepoRoot, "HEAD"); err != nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "session.create",
			Path: opts.RepoRoot,
			Hint: "not a git repository, or it has no commits",
			Err:  err,
		}
	}

	base := opts.BaseBranch
	if base == "" {
		current, err := m.git.CurrentBranch(ctx, opts.RepoRoot)
		if err != nil || current == "" {
			return nil, &models.OpError{
				Kind: models.ErrBadInput,
				Op:   "session.create",
				Path: opts.RepoRoot,
				Hint: "repo is on a detached HEAD; pass a base branch",
				Err:  err,
			}
		}
		base = current
	}

	mode := opts.Mode
	if mode == "" {
		mode = models.ModeAsync
	}
	now := time.Now()
	sess := &models.Session{
		ID:            models.NewID(),
		Name:          opts.Name,
		InitialPrompt: opts.Prompt,
		RepoRoot:      opts.RepoRoot,
		BaseBranch:    base,
		BranchName:    BranchName(opts.Name, now),
		Status:        models.SessionIdle,
		ScriptCommand: opts.ScriptCommand,
		ModelOverride: opts.Model,
		CreatedAt:     now,
		AutoCommit:    !opts.NoAutoCommit,
		Mode:          mode,
	}
	sess.WorktreePath = filepath.Join(opts.RepoRoot, worktreesDirName, models.ShortID(sess.ID))

	log := m.log.WithSession(sess.ID)
	if err := m.git.CreateWorktree(ctx, opts.RepoRoot, sess.BranchName, sess.WorktreePath, base); err != nil {
		return nil, err
	}
	if err := writeContextBundle(sess); err != nil {
		m.git.ForceRemove(ctx, opts.RepoRoot, sess.WorktreePath, sess.BranchName)
		return nil, err
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.git.ForceRemove(ctx, opts.RepoRoot, sess.WorktreePath, sess.BranchName)
		return nil, err
	}
	m.store.RecordGitOp(ctx, &models.GitOp{
		SessionID: sess.ID,
		Op:        "worktree_add",
		Detail:    sess.BranchName,
		Timestamp: now,
	})
	log.Info("session created",
		zap.String("branch", sess.BranchName),
		zap.String("worktree", sess.WorktreePath))

	if opts.SkipInitialIteration {
		return sess, nil
	}
	if _, err := m.Iterate(ctx, sess.ID, IterateOptions{Timeout: opts.Timeout}); err != nil {
		// The session and worktree survive for inspection; the status
		// and notes already say what went wrong.
		return sess, err
	}
	return m.store.GetSession(ctx, sess.ID)
}

// IterateOptions parameterizes one iteration. The zero value means
// "continue with the session's stored settings".
type IterateOptions struct {
	// Notes, when set, becomes the prompt for this iteration. Empty
	// means the initial prompt on the first run and a bare thread
	// continuation afterwards.
	Notes string
	// Timeout bounds the agent run; zero means the adapter default.
	Timeout time.Duration
}

// Iterate runs one agent iteration. Iterations within a session are
// strictly serialized: a second call while one is running is refused.
func (m *Manager) Iterate(ctx context.Context, sessionID string, opts IterateOptions) (*models.Iteration, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "session.iterate",
			Err:  errors.New("no such session: " + sessionID),
		}
	}
	if sess.Status == models.SessionRunning {
		return nil, &models.OpError{
			Kind: models.ErrStoreConflict,
			Op:   "session.iterate",
			Err:  fmt.Errorf("session %s already has an iteration in flight", models.ShortID(sessionID)),
		}
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionRunning, ""); err != nil {
		return nil, err
	}
	startedAt := time.Now()
	m.store.TouchSessionLastRun(ctx, sessionID, startedAt)

	log := m.log.WithSession(sessionID)

	if diff, derr := m.git.DiffUnified0(ctx, sess.WorktreePath, sess.BaseBranch); derr == nil {
		if werr := refreshDiffSummary(sess.WorktreePath, diff); werr != nil {
			log.Warn("could not refresh diff summary", zap.Error(werr))
		}
	}

	preSha, err := m.git.RevParse(ctx, sess.WorktreePath, "HEAD")
	if err != nil {
		m.store.UpdateSessionStatus(ctx, sessionID, models.SessionError, "worktree HEAD unreadable")
		return nil, err
	}

	it := &models.Iteration{
		ID:         models.NewID(),
		SessionID:  sessionID,
		StartedAt:  startedAt,
		TestResult: models.TestNone,
		ThreadID:   sess.ThreadID,
	}
	if err := m.store.CreateIteration(ctx, it); err != nil {
		m.store.UpdateSessionStatus(ctx, sessionID, models.SessionError, "could not record iteration")
		return nil, err
	}
	m.publishIteration(ctx, sess.ID, it.ID, "started")

	prompt := opts.Notes
	if prompt == "" && sess.ThreadID == "" {
		prompt = sess.InitialPrompt
	}
	res, runErr := m.agent.Run(ctx, agent.RunOptions{
		WorktreePath: sess.WorktreePath,
		Prompt:       prompt,
		ThreadID:     sess.ThreadID,
		Model:        sess.ModelOverride,
		Timeout:      opts.Timeout,
		OnEvent:      m.eventSink(sess.ID, it.ID),
	})

	var note string
	if res != nil {
		m.recordRunResult(ctx, sess, it, res)
		if res.ErrorMessage != "" {
			note = res.ErrorMessage
		}
	}
	if runErr != nil && note == "" {
		note = oneSentence(runErr)
	}

	// The worktree is inspected and committed even when the run failed
	// partway; whatever the agent wrote is preserved.
	if sess.AutoCommit {
		if sha, cerr := m.autoCommit(ctx, sess); cerr != nil {
			log.Warn("auto-commit failed", zap.Error(cerr))
		} else if sha != "" {
			it.CommitSha = sha
		}
	}

	if runErr == nil && sess.ScriptCommand != "" {
		m.runScript(ctx, sess, it)
	}

	m.computeDiffStats(ctx, sess, it, preSha)

	endedAt := time.Now()
	it.EndedAt = &endedAt
	if err := m.store.FinishIteration(ctx, it); err != nil {
		log.Error("could not finalize iteration", zap.Error(err))
	}
	m.publishIteration(ctx, sess.ID, it.ID, "finished")

	status := models.SessionIdle
	switch {
	case runErr != nil || (res != nil && res.ErrorMessage != ""):
		status = models.SessionError
	case sess.Mode == models.ModeInteractive:
		status = models.SessionAwaitingInput
	}
	m.store.UpdateSessionStatus(ctx, sessionID, status, note)

	if err := appendIterationLog(sess.WorktreePath, it, note); err != nil {
		log.Warn("could not append iteration log", zap.Error(err))
	}
	st := lastStatus{
		SessionID:    sess.ID,
		IterationID:  it.ID,
		Status:       string(status),
		CommitSha:    it.CommitSha,
		FilesChanged: it.FilesChanged,
		LinesAdded:   it.LinesAdded,
		LinesDeleted: it.LinesDeleted,
		TestResult:   string(it.TestResult),
		Note:         note,
		UpdatedAt:    endedAt.UTC(),
	}
	if err := writeLastStatus(sess.WorktreePath, st); err != nil {
		log.Warn("could not write last status", zap.Error(err))
	}

	log.Info("iteration finished",
		zap.String("iteration_id", it.ID),
		zap.Int("files_changed", it.FilesChanged),
		zap.String("status", string(status)),
		zap.Duration("elapsed", endedAt.Sub(startedAt)))

	if runErr != nil {
		return it, runErr
	}
	return it, nil
}

// recordRunResult folds the agent's outcome into the iteration and
// persists thread continuity and tool telemetry.
func (m *Manager) recordRunResult(ctx context.Context, sess *models.Session, it *models.Iteration, res *agent.RunResult) {
	it.TokenUsage = res.Usage
	it.Model = res.Model
	it.AgentVersion = res.AgentVersion
	exitCode := res.ExitCode
	it.ExitCode = &exitCode

	// Thread ids flow one way: agent to store. A fresh or replacement
	// id is attached here; the store refuses nothing because the id is
	// agent-issued by construction.
	if res.ThreadID != "" && res.ThreadID != sess.ThreadID {
		if err := m.store.AttachThread(ctx, sess.ID, res.ThreadID, sess.Name); err != nil {
			m.log.WithSession(sess.ID).Warn("could not attach thread", zap.Error(err))
		} else {
			sess.ThreadID = res.ThreadID
		}
	}
	if sess.ThreadID != "" {
		it.ThreadID = sess.ThreadID
		m.store.BumpThread(ctx, sess.ThreadID, time.Now())
	}

	for i := range res.ToolCalls {
		tc := res.ToolCalls[i]
		tc.SessionID = sess.ID
		tc.IterationID = it.ID
		m.publish(ctx, bus.Event{
			Kind:        bus.KindToolCall,
			SessionID:   sess.ID,
			IterationID: it.ID,
			Timestamp:   tc.Timestamp,
			Payload:     tc,
		})
	}
}

// eventSink forwards raw agent events to the bus as stream events plus
// derived usage and file-edit telemetry. File edits are provenance
// only; the session totals always come from git numstat.
func (m *Manager) eventSink(sessionID, iterationID string) func(agent.Event) {
	return func(ev agent.Event) {
		ctx := context.Background()
		m.publish(ctx, bus.Event{
			Kind:        bus.KindStream,
			SessionID:   sessionID,
			IterationID: iterationID,
			Timestamp:   ev.Timestamp,
			Payload: models.StreamEvent{
				SessionID:   sessionID,
				IterationID: iterationID,
				Type:        ev.Type,
				Timestamp:   ev.Timestamp,
				DataJSON:    string(ev.Raw),
			},
		})
		switch ev.Type {
		case models.EventUsage:
			if ev.Usage != nil {
				m.publish(ctx, bus.Event{
					Kind:        bus.KindUsage,
					SessionID:   sessionID,
					IterationID: iterationID,
					Timestamp:   ev.Timestamp,
					Payload:     bus.UsagePayload{Model: ev.Model, Usage: *ev.Usage},
				})
			}
		case models.EventToolUse:
			if path := ev.FilePath(); path != "" {
				m.publish(ctx, bus.Event{
					Kind:        bus.KindFileEdit,
					SessionID:   sessionID,
					IterationID: iterationID,
					Timestamp:   ev.Timestamp,
					Payload: models.FileEdit{
						SessionID:   sessionID,
						IterationID: iterationID,
						Path:        path,
						ToolName:    ev.Tool.Name,
						Timestamp:   ev.Timestamp,
					},
				})
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, ev bus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("event publish failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (m *Manager) publishIteration(ctx context.Context, sessionID, iterationID, phase string) {
	m.publish(ctx, bus.Event{
		Kind:        bus.KindIteration,
		SessionID:   sessionID,
		IterationID: iterationID,
		Payload:     bus.IterationPayload{IterationID: iterationID, Phase: phase},
	})
}

// autoCommit stages and commits a dirty worktree with an agent-prefixed
// message summarizing the touched files. Returns the new sha, or empty
// when the tree was clean.
func (m *Manager) autoCommit(ctx context.Context, sess *models.Session) (string, error) {
	dirty, err := m.git.HasChanges(ctx, sess.WorktreePath)
	if err != nil || !dirty {
		return "", err
	}
	status, _ := m.git.StatusPorcelain(ctx, sess.WorktreePath)
	// The commit itself is recorded in git_ops by FinishIteration, in
	// the same transaction as the iteration row.
	return m.git.CommitChanges(ctx, sess.WorktreePath, git.AutoCommitPrefix+" "+commitSummary(status))
}

// commitSummary derives a short subject from porcelain status output.
func commitSummary(status string) string {
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames list "old -> new"; keep the destination.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		paths = append(paths, filepath.Base(path))
	}
	if len(paths) == 0 {
		return "update working tree"
	}
	sort.Strings(paths)
	const max = 3
	if len(paths) <= max {
		return "update " + strings.Join(paths, ", ")
	}
	return fmt.Sprintf("update %s and %d more", strings.Join(paths[:max], ", "), len(paths)-max)
}

// runScript executes the session's test command in the worktree and
// records the outcome on the iteration.
func (m *Manager) runScript(ctx context.Context, sess *models.Session, it *models.Iteration) {
	res, err := m.exec.RunScript(ctx, sess.WorktreePath, sess.ScriptCommand)
	if err != nil {
		m.log.WithSession(sess.ID).Warn("script command could not run", zap.Error(err))
		it.TestResult = models.TestFail
		code := -1
		it.TestExitCode = &code
		return
	}
	code := res.ExitCode
	it.TestExitCode = &code
	if code == 0 {
		it.TestResult = models.TestPass
	} else {
		it.TestResult = models.TestFail
	}
}

// computeDiffStats fills the iteration's numbers from git. A committed
// iteration diffs preSha..HEAD; an uncommitted one diffs the working
// tree against preSha. Agent-reported file edits never feed these
// totals, so a file the agent touched five times and committed counts
// once.
func (m *Manager) computeDiffStats(ctx context.Context, sess *models.Session, it *models.Iteration, preSha string) {
	var stats git.DiffStats
	var err error
	if it.CommitSha != "" {
		stats, err = m.git.DiffNumstat(ctx, sess.WorktreePath, preSha, it.CommitSha)
	} else {
		stats, err = m.git.DiffWorktreeNumstat(ctx, sess.WorktreePath, preSha)
	}
	if err != nil {
		m.log.WithSession(sess.ID).Warn("diff stats unavailable", zap.Error(err))
		return
	}
	it.FilesChanged = stats.FilesChanged
	it.LinesAdded = stats.Added
	it.LinesDeleted = stats.Deleted
}

// oneSentence reduces an error chain to a short note for the session
// record. No stack traces, no nested causes.
func oneSentence(err error) string {
	msg := err.Error()
	if i := strings.IndexAny(msg, "\n"); i > 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
