package session

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ampherd/ampherd/internal/agent"
	"github.com/ampherd/ampherd/internal/git"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// gitCmd runs git in dir and fails the test on error.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initRepo creates a temp repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@test")
	gitCmd(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-m", "initial commit")
	return dir
}

// fakeAgent runs a Go function instead of a subprocess.
type fakeAgent struct {
	run func(ctx context.Context, opts agent.RunOptions) (*agent.RunResult, error)
}

func (f *fakeAgent) Run(ctx context.Context, opts agent.RunOptions) (*agent.RunResult, error) {
	return f.run(ctx, opts)
}

// writeFileAgent is an agent that writes the given files into the
// worktree and reports a fresh thread.
func writeFileAgent(files map[string]string) *fakeAgent {
	return &fakeAgent{run: func(_ context.Context, opts agent.RunOptions) (*agent.RunResult, error) {
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(opts.WorktreePath, name), []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return &agent.RunResult{
			ThreadID: "T-fake",
			Usage:    models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}}
}

func newTestManager(t *testing.T, a AgentRunner) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, git.NewExecRunner("", 0, nil), a, nil, nil)
	return m, st
}

func TestCreateSessionRunsInitialIteration(t *testing.T) {
	repo := initRepo(t)
	m, st := newTestManager(t, writeFileAgent(map[string]string{"X": "hi\n"}))

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name:     "T1",
		Prompt:   "create file X containing 'hi'",
		RepoRoot: repo,
	})
	if err != nil {
		t.Fatal(err)
	}

	if sess.Status != models.SessionIdle {
		t.Errorf("status = %q, want idle", sess.Status)
	}
	if sess.BaseBranch != "main" {
		t.Errorf("base = %q", sess.BaseBranch)
	}
	if sess.ThreadID != "T-fake" {
		t.Errorf("thread = %q", sess.ThreadID)
	}

	// One CreateSession is exactly one iteration.
	iters, err := st.ListIterations(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(iters) != 1 {
		t.Fatalf("iterations = %d, want 1", len(iters))
	}
	it := iters[0]
	if it.CommitSha == "" {
		t.Fatal("expected an auto-commit")
	}
	if it.FilesChanged != 1 || it.LinesAdded != 1 || it.LinesDeleted != 0 {
		t.Errorf("diff stats = %d/+%d/-%d, want 1/+1/-0",
			it.FilesChanged, it.LinesAdded, it.LinesDeleted)
	}
	if it.TokenUsage.TotalTokens != 15 {
		t.Errorf("tokens = %d", it.TokenUsage.TotalTokens)
	}
	if it.EndedAt == nil || it.EndedAt.Before(it.StartedAt) {
		t.Error("iteration end time missing or before start")
	}

	// The worktree is clean after an auto-commit, and its HEAD is the
	// iteration's commit.
	status := gitCmd(t, sess.WorktreePath, "status", "--porcelain")
	if status != "" {
		t.Errorf("worktree dirty after auto-commit:\n%s", status)
	}
	head := gitCmd(t, sess.WorktreePath, "rev-parse", "HEAD")
	if head[:40] != it.CommitSha {
		t.Errorf("HEAD = %s, commit = %s", head[:40], it.CommitSha)
	}

	// File X landed with the right contents.
	data, err := os.ReadFile(filepath.Join(sess.WorktreePath, "X"))
	if err != nil || string(data) != "hi\n" {
		t.Errorf("X = %q, err %v", data, err)
	}

	// The context bundle exists and is git-ignored.
	if _, err := os.Stat(filepath.Join(sess.WorktreePath, ContextDirName, "SESSION.md")); err != nil {
		t.Error("SESSION.md missing")
	}
}

func TestAutoCommitRecordedOnceInGitOps(t *testing.T) {
	repo := initRepo(t)
	m, st := newTestManager(t, writeFileAgent(map[string]string{"X": "hi\n"}))

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "audit", Prompt: "p", RepoRoot: repo,
	})
	if err != nil {
		t.Fatal(err)
	}

	iters, err := st.ListIterations(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(iters) != 1 || iters[0].CommitSha == "" {
		t.Fatalf("want one auto-committed iteration, got %+v", iters)
	}

	ops, err := st.ListGitOps(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var commits []models.GitOp
	for _, op := range ops {
		if op.Op == "commit" {
			commits = append(commits, op)
		}
	}
	if len(commits) != 1 {
		t.Fatalf("git_ops has %d commit rows for one iteration, want 1: %+v", len(commits), commits)
	}
	if commits[0].SHA != iters[0].CommitSha {
		t.Errorf("git_ops sha = %s, iteration sha = %s", commits[0].SHA, iters[0].CommitSha)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	m, _ := newTestManager(t, writeFileAgent(nil))

	_, err := m.CreateSession(context.Background(), CreateOptions{Name: "x", Prompt: "y"})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Errorf("missing repo root: got %v", err)
	}

	_, err = m.CreateSession(context.Background(), CreateOptions{
		Name: "x", Prompt: "y", RepoRoot: t.TempDir(),
	})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Errorf("non-repo root: got %v", err)
	}
}

func TestIterateRefusedWhileRunning(t *testing.T) {
	repo := initRepo(t)
	m, st := newTestManager(t, writeFileAgent(nil))

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "busy", Prompt: "p", RepoRoot: repo, SkipInitialIteration: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateSessionStatus(context.Background(), sess.ID, models.SessionRunning, ""); err != nil {
		t.Fatal(err)
	}

	_, err = m.Iterate(context.Background(), sess.ID, IterateOptions{})
	if !models.IsKind(err, models.ErrStoreConflict) {
		t.Fatalf("expected store_conflict, got %v", err)
	}
}

func TestUnknownSessionRefused(t *testing.T) {
	m, _ := newTestManager(t, writeFileAgent(nil))

	_, err := m.Iterate(context.Background(), "no-such-session", IterateOptions{})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("Iterate on unknown id: expected bad_input, got %v", err)
	}

	err = m.Cleanup(context.Background(), "no-such-session", CleanupOptions{})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("Cleanup on unknown id: expected bad_input, got %v", err)
	}
}

func TestIterateDoubleCountProtection(t *testing.T) {
	repo := initRepo(t)
	// The agent reports five edits of the same file and writes it once.
	a := &fakeAgent{run: func(_ context.Context, opts agent.RunOptions) (*agent.RunResult, error) {
		for i := 0; i < 5; i++ {
			if opts.OnEvent != nil {
				raw := json.RawMessage(`{"type":"tool_use","id":"t` + string(rune('0'+i)) + `","name":"edit_file","args":{"path":"X"}}`)
				opts.OnEvent(agent.Event{
					Type:      models.EventToolUse,
					Timestamp: time.Now(),
					Raw:       raw,
					Tool:      &agent.ToolEvent{ID: "t" + string(rune('0'+i)), Name: "edit_file", ArgsJSON: `{"path":"X"}`},
				})
			}
		}
		err := os.WriteFile(filepath.Join(opts.WorktreePath, "X"), []byte("one\ntwo\n"), 0o644)
		return &agent.RunResult{ThreadID: "T-dc"}, err
	}}
	m, st := newTestManager(t, a)

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "dc", Prompt: "edit X five times", RepoRoot: repo,
	})
	if err != nil {
		t.Fatal(err)
	}
	iters, _ := st.ListIterations(context.Background(), sess.ID)
	if len(iters) != 1 {
		t.Fatalf("iterations = %d", len(iters))
	}
	// Totals come from numstat, never from the per-event stream.
	if iters[0].FilesChanged != 1 || iters[0].LinesAdded != 2 {
		t.Errorf("stats = %d/+%d, want 1/+2", iters[0].FilesChanged, iters[0].LinesAdded)
	}
}

func TestIterateScriptResult(t *testing.T) {
	repo := initRepo(t)
	m, st := newTestManager(t, writeFileAgent(map[string]string{"X": "hi\n"}))

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "tested", Prompt: "p", RepoRoot: repo, ScriptCommand: "false",
	})
	if err != nil {
		t.Fatal(err)
	}
	iters, _ := st.ListIterations(context.Background(), sess.ID)
	it := iters[0]
	if it.TestResult != models.TestFail {
		t.Errorf("test result = %q, want fail", it.TestResult)
	}
	if it.TestExitCode == nil || *it.TestExitCode != 1 {
		t.Errorf("test exit code = %v", it.TestExitCode)
	}
}

func TestIterateAgentFailureLeavesWorktree(t *testing.T) {
	repo := initRepo(t)
	a := &fakeAgent{run: func(_ context.Context, opts agent.RunOptions) (*agent.RunResult, error) {
		os.WriteFile(filepath.Join(opts.WorktreePath, "partial.txt"), []byte("wip\n"), 0o644)
		return &agent.RunResult{ExitCode: 1, ErrorMessage: "model backend unavailable"}, nil
	}}
	m, st := newTestManager(t, a)

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "failing", Prompt: "p", RepoRoot: repo, NoAutoCommit: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionError {
		t.Errorf("status = %q, want error", got.Status)
	}
	if got.Notes == "" {
		t.Error("error session should carry a note")
	}
	// Partial work stays on disk for inspection.
	if _, err := os.Stat(filepath.Join(sess.WorktreePath, "partial.txt")); err != nil {
		t.Error("partial work removed")
	}
}

func TestCleanup(t *testing.T) {
	repo := initRepo(t)
	m, st := newTestManager(t, writeFileAgent(map[string]string{"X": "hi\n"}))

	sess, err := m.CreateSession(context.Background(), CreateOptions{
		Name: "cl", Prompt: "p", RepoRoot: repo,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The branch has an unmerged commit: safe removal must refuse.
	err = m.Cleanup(context.Background(), sess.ID, CleanupOptions{})
	if !models.IsKind(err, models.ErrUnmergedDeletion) {
		t.Fatalf("expected unmerged_deletion, got %v", err)
	}

	if err := m.Cleanup(context.Background(), sess.ID, CleanupOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sess.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree still present after forced cleanup")
	}
	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionDone {
		t.Errorf("status = %q, want done", got.Status)
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	repo := initRepo(t)
	m, _ := newTestManager(t, writeFileAgent(nil))

	// A worktree under .worktrees/ that no session owns.
	orphan := filepath.Join(repo, ".worktrees", "deadbeef")
	gitCmd(t, repo, "worktree", "add", "-b", "agent/orphan/20260101-000000", orphan, "main")

	if err := m.Reconcile(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan worktree survived reconcile")
	}
}
