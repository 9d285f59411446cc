package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

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

// commitFile writes a file in dir and commits it with the given subject.
func commitFile(t *testing.T, dir, name, content, subject string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-m", subject)
}

// seedSession creates a repo, a session worktree on a fresh branch, and
// the matching session row.
func seedSession(t *testing.T) (*Engine, *store.Store, *models.Session) {
	t.Helper()
	repo := initRepo(t)
	g := git.NewExecRunner("", 0, nil)
	branch := "agent/t1/20260101-120000"
	worktree := filepath.Join(repo, ".worktrees", "t1")
	if err := g.CreateWorktree(context.Background(), repo, branch, worktree, "main"); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sess := &models.Session{
		ID:           models.NewID(),
		Name:         "t1",
		RepoRoot:     repo,
		BaseBranch:   "main",
		BranchName:   branch,
		WorktreePath: worktree,
		Status:       models.SessionIdle,
		AutoCommit:   true,
		Mode:         models.ModeAsync,
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return NewEngine(st, g, 0, nil), st, sess
}

func revParse(t *testing.T, dir, rev string) string {
	t.Helper()
	return strings.TrimSpace(gitCmd(t, dir, "rev-parse", rev))
}

func TestSquashRebaseFastForward(t *testing.T) {
	e, st, sess := seedSession(t)
	ctx := context.Background()

	commitFile(t, sess.WorktreePath, "X", "one\n", "agent: iteration 1")
	commitFile(t, sess.WorktreePath, "X", "two\n", "agent: iteration 2")

	report, err := e.Preflight(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Ready() {
		t.Errorf("not ready: %v", report.Issues)
	}
	if report.AheadBy != 2 || report.BehindBy != 0 {
		t.Errorf("ahead/behind = %d/%d, want 2/0", report.AheadBy, report.BehindBy)
	}
	if report.AgentCommits != 2 || report.ManualCommits != 0 {
		t.Errorf("agent/manual = %d/%d, want 2/0", report.AgentCommits, report.ManualCommits)
	}

	out, err := e.Squash(ctx, sess.ID, SquashOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeSuccess || out.Sha == "" {
		t.Fatalf("squash outcome = %+v", out)
	}
	if n := strings.Count(strings.TrimSpace(gitCmd(t, sess.WorktreePath, "log", "--oneline", "main..HEAD")), "\n") + 1; n != 1 {
		t.Errorf("commits after squash = %d, want 1", n)
	}

	if out, err = e.Rebase(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeSuccess {
		t.Fatalf("rebase outcome = %+v", out)
	}

	if out, err = e.FastForward(ctx, sess.ID, FastForwardOptions{}); err != nil {
		t.Fatal(err)
	}
	if out.Sha != revParse(t, sess.RepoRoot, "main") {
		t.Errorf("reported sha does not match main")
	}
	data, err := os.ReadFile(filepath.Join(sess.RepoRoot, "X"))
	if err != nil || string(data) != "two\n" {
		t.Errorf("X on main = %q, %v", data, err)
	}

	hist, err := st.ListMergeHistory(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("history rows = %d, want 3", len(hist))
	}
	for _, h := range hist {
		if h.Result != models.MergeSuccess {
			t.Errorf("step %s result = %s", h.Mode, h.Result)
		}
		if h.FinishedAt == nil {
			t.Errorf("step %s never finalized", h.Mode)
		}
	}
}

func TestRebaseConflictContinue(t *testing.T) {
	e, st, sess := seedSession(t)
	ctx := context.Background()

	// Both sides touch README.md.
	commitFile(t, sess.RepoRoot, "README.md", "base change\n", "update docs on main")
	commitFile(t, sess.WorktreePath, "README.md", "branch change\n", "agent: rewrite docs")

	out, err := e.Rebase(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeConflict {
		t.Fatalf("rebase outcome = %+v, want conflict", out)
	}
	if len(out.ConflictFiles) != 1 || out.ConflictFiles[0] != "README.md" {
		t.Errorf("conflict files = %v", out.ConflictFiles)
	}

	latest, err := st.LatestMergeStep(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Result != models.MergeConflict {
		t.Fatalf("latest step = %+v", latest)
	}

	// Resolve and continue.
	if err := os.WriteFile(filepath.Join(sess.WorktreePath, "README.md"), []byte("merged\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, sess.WorktreePath, "add", "README.md")

	if out, err = e.Continue(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeSuccess {
		t.Fatalf("continue outcome = %+v", out)
	}

	if out, err = e.FastForward(ctx, sess.ID, FastForwardOptions{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(sess.RepoRoot, "README.md"))
	if err != nil || string(data) != "merged\n" {
		t.Errorf("README on main = %q, %v", data, err)
	}
}

func TestAbortRestoresBranch(t *testing.T) {
	e, _, sess := seedSession(t)
	ctx := context.Background()

	commitFile(t, sess.RepoRoot, "README.md", "base change\n", "update docs on main")
	commitFile(t, sess.WorktreePath, "README.md", "branch change\n", "agent: rewrite docs")
	before := revParse(t, sess.WorktreePath, "HEAD")

	out, err := e.Rebase(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeConflict {
		t.Fatalf("rebase outcome = %+v, want conflict", out)
	}

	if out, err = e.Abort(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeAborted {
		t.Fatalf("abort outcome = %+v", out)
	}
	if got := revParse(t, sess.WorktreePath, "HEAD"); got != before {
		t.Errorf("HEAD = %s, want restored %s", got, before)
	}
}

func TestContinueWithoutRebaseRefused(t *testing.T) {
	e, _, sess := seedSession(t)
	_, err := e.Continue(context.Background(), sess.ID)
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("err = %v, want bad_input", err)
	}
	_, err = e.Abort(context.Background(), sess.ID)
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("abort err = %v, want bad_input", err)
	}
}

func TestFastForwardRefusedWhenBehind(t *testing.T) {
	e, _, sess := seedSession(t)
	ctx := context.Background()

	commitFile(t, sess.RepoRoot, "Z", "z\n", "new work on main")
	commitFile(t, sess.WorktreePath, "X", "x\n", "agent: iteration 1")

	_, err := e.FastForward(ctx, sess.ID, FastForwardOptions{})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("err = %v, want bad_input", err)
	}
}

func TestStepsRefusedWhileRunning(t *testing.T) {
	e, st, sess := seedSession(t)
	ctx := context.Background()
	if err := st.UpdateSessionStatus(ctx, sess.ID, models.SessionRunning, ""); err != nil {
		t.Fatal(err)
	}
	_, err := e.Squash(ctx, sess.ID, SquashOptions{})
	if !models.IsKind(err, models.ErrStoreConflict) {
		t.Fatalf("err = %v, want store_conflict", err)
	}
}

func TestSquashKeepsManualCommits(t *testing.T) {
	e, _, sess := seedSession(t)
	ctx := context.Background()

	commitFile(t, sess.WorktreePath, "X", "x\n", "agent: iteration 1")
	commitFile(t, sess.WorktreePath, "Y", "y\n", "hand-written fix")
	commitFile(t, sess.WorktreePath, "X", "xx\n", "agent: iteration 2")

	out, err := e.Squash(ctx, sess.ID, SquashOptions{Message: "agent: t1 (squashed)", KeepManual: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != models.MergeSuccess {
		t.Fatalf("outcome = %+v", out)
	}

	log := strings.TrimSpace(gitCmd(t, sess.WorktreePath, "log", "--format=%s", "main..HEAD"))
	subjects := strings.Split(log, "\n")
	if len(subjects) != 2 {
		t.Fatalf("subjects = %v, want manual + squash", subjects)
	}
	if subjects[0] != "agent: t1 (squashed)" || subjects[1] != "hand-written fix" {
		t.Errorf("subjects = %v", subjects)
	}
	data, err := os.ReadFile(filepath.Join(sess.WorktreePath, "X"))
	if err != nil || string(data) != "xx\n" {
		t.Errorf("X = %q, %v", data, err)
	}
}
