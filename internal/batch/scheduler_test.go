package batch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ampherd/ampherd/internal/merge"
	"github.com/ampherd/ampherd/internal/session"
	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// fakeCreator substitutes the session manager. Each call is numbered so
// tests can fail the first attempt and pass the second.
type fakeCreator struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context, call int, opts session.CreateOptions) (*models.Session, error)
}

func (f *fakeCreator) CreateSession(ctx context.Context, opts session.CreateOptions) (*models.Session, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.run(ctx, call, opts)
}

func (f *fakeCreator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLander records merge pipeline calls in order.
type fakeLander struct {
	mu    sync.Mutex
	steps []string
}

func (f *fakeLander) record(step string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
}

func (f *fakeLander) Squash(ctx context.Context, sessionID string, opts merge.SquashOptions) (*merge.StepOutcome, error) {
	f.record("squash")
	return &merge.StepOutcome{Result: models.MergeSuccess}, nil
}

func (f *fakeLander) Rebase(ctx context.Context, sessionID string) (*merge.StepOutcome, error) {
	f.record("rebase")
	return &merge.StepOutcome{Result: models.MergeSuccess}, nil
}

func (f *fakeLander) FastForward(ctx context.Context, sessionID string, opts merge.FastForwardOptions) (*merge.StepOutcome, error) {
	f.record("fast_forward")
	return &merge.StepOutcome{Result: models.MergeSuccess}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedSessionRows writes the session and one finished iteration the way
// the real manager would, so token and test-result lookups find them.
func seedSessionRows(t testing.TB, st *store.Store, opts session.CreateOptions, result models.TestResult) *models.Session {
	id := models.NewID()
	sess := &models.Session{
		ID:           id,
		Name:         opts.Name,
		RepoRoot:     opts.RepoRoot,
		BaseBranch:   "main",
		BranchName:   "agent/" + opts.Name + "/20260101-120000",
		WorktreePath: filepath.Join(opts.RepoRoot, ".worktrees", models.ShortID(id)),
		Status:       models.SessionIdle,
		AutoCommit:   true,
		Mode:         models.ModeAsync,
		CreatedAt:    time.Now(),
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	it := &models.Iteration{
		ID:         models.NewID(),
		SessionID:  sess.ID,
		StartedAt:  now,
		EndedAt:    &now,
		TestResult: result,
		TokenUsage: models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
	if err := st.CreateIteration(context.Background(), it); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishIteration(context.Background(), it); err != nil {
		t.Fatal(err)
	}
	return sess
}

func planOf(items int, defaults Defaults) *Plan {
	plan := &Plan{Concurrency: 2, Defaults: defaults}
	for i := 0; i < items; i++ {
		plan.Matrix = append(plan.Matrix, PlanItem{
			Repo:   "/tmp/repo",
			Prompt: "do the work",
		})
	}
	return plan
}

func TestRunCompletesAllItems(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{run: func(_ context.Context, _ int, opts session.CreateOptions) (*models.Session, error) {
		return seedSessionRows(t, st, opts, models.TestPass), nil
	}}
	s := NewScheduler(st, creator, nil, nil, 0, nil)

	run, err := s.Run(context.Background(), planOf(3, Defaults{}))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.BatchCompleted {
		t.Errorf("run status = %s", run.Status)
	}

	items, err := st.ListBatchItems(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}
	for _, it := range items {
		if it.Status != models.ItemSuccess {
			t.Errorf("item %s status = %s", it.ID, it.Status)
		}
		if it.SessionID == "" || it.TokensTotal != 150 {
			t.Errorf("item %s session = %q tokens = %d", it.ID, it.SessionID, it.TokensTotal)
		}
		if it.Attempt != 1 || it.StartedAt == nil || it.FinishedAt == nil {
			t.Errorf("item %s bookkeeping: %+v", it.ID, it)
		}
	}
}

func TestScriptFailureIsTerminal(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{run: func(_ context.Context, _ int, opts session.CreateOptions) (*models.Session, error) {
		return seedSessionRows(t, st, opts, models.TestFail), nil
	}}
	s := NewScheduler(st, creator, nil, nil, 0, nil)

	run, err := s.Run(context.Background(), planOf(1, Defaults{Retries: 3}))
	if err != nil {
		t.Fatal(err)
	}
	items, _ := st.ListBatchItems(context.Background(), run.RunID)
	if items[0].Status != models.ItemFail {
		t.Errorf("status = %s, want fail", items[0].Status)
	}
	if creator.callCount() != 1 {
		t.Errorf("calls = %d, script failures must not retry", creator.callCount())
	}
}

func TestProcessErrorRetries(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{run: func(_ context.Context, call int, opts session.CreateOptions) (*models.Session, error) {
		if call == 1 {
			return nil, &models.OpError{Kind: models.ErrStoreUnavailable, Op: "test", Err: errors.New("boom")}
		}
		return seedSessionRows(t, st, opts, models.TestPass), nil
	}}
	s := NewScheduler(st, creator, nil, nil, 0, nil)

	run, err := s.Run(context.Background(), planOf(1, Defaults{Retries: 1}))
	if err != nil {
		t.Fatal(err)
	}
	items, _ := st.ListBatchItems(context.Background(), run.RunID)
	if items[0].Status != models.ItemSuccess {
		t.Errorf("status = %s, want success after retry", items[0].Status)
	}
	if items[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", items[0].Attempt)
	}
}

func TestTimeoutDoesNotRetry(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{run: func(_ context.Context, _ int, _ session.CreateOptions) (*models.Session, error) {
		return nil, &models.OpError{Kind: models.ErrAgentTimeout, Op: "test", Err: errors.New("too slow")}
	}}
	s := NewScheduler(st, creator, nil, nil, 0, nil)

	run, err := s.Run(context.Background(), planOf(1, Defaults{Retries: 3}))
	if err != nil {
		t.Fatal(err)
	}
	items, _ := st.ListBatchItems(context.Background(), run.RunID)
	if items[0].Status != models.ItemTimeout {
		t.Errorf("status = %s, want timeout", items[0].Status)
	}
	if creator.callCount() != 1 {
		t.Errorf("calls = %d, timeouts must not retry", creator.callCount())
	}
}

func TestMergeOnPassLandsBranch(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{run: func(_ context.Context, _ int, opts session.CreateOptions) (*models.Session, error) {
		return seedSessionRows(t, st, opts, models.TestPass), nil
	}}
	lander := &fakeLander{}
	s := NewScheduler(st, creator, lander, nil, 0, nil)

	run, err := s.Run(context.Background(), planOf(1, Defaults{MergeOnPass: true}))
	if err != nil {
		t.Fatal(err)
	}
	items, _ := st.ListBatchItems(context.Background(), run.RunID)
	if items[0].Status != models.ItemSuccess {
		t.Errorf("status = %s", items[0].Status)
	}
	want := []string{"squash", "rebase", "fast_forward"}
	if len(lander.steps) != len(want) {
		t.Fatalf("steps = %v", lander.steps)
	}
	for i, step := range want {
		if lander.steps[i] != step {
			t.Errorf("step[%d] = %s, want %s", i, lander.steps[i], step)
		}
	}
}

func TestAbortCancelsInFlightAndQueued(t *testing.T) {
	st := newTestStore(t)
	started := make(chan struct{})
	creator := &fakeCreator{run: func(ctx context.Context, call int, opts session.CreateOptions) (*models.Session, error) {
		if call == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return seedSessionRows(t, st, opts, models.TestPass), nil
	}}
	s := NewScheduler(st, creator, nil, nil, 0, nil)

	plan := planOf(4, Defaults{})
	plan.Concurrency = 1
	plan.RunID = "run-abort"

	done := make(chan *models.BatchRun, 1)
	go func() {
		run, err := s.Run(context.Background(), plan)
		if err != nil {
			t.Error(err)
		}
		done <- run
	}()

	<-started
	if err := s.Abort(context.Background(), "run-abort"); err != nil {
		t.Fatal(err)
	}

	var run *models.BatchRun
	select {
	case run = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	if run.Status != models.BatchAborted {
		t.Errorf("run status = %s, want aborted", run.Status)
	}

	items, err := st.ListBatchItems(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if it.Status != models.ItemAborted {
			t.Errorf("item %s status = %s, want aborted", it.ID, it.Status)
		}
	}
	if creator.callCount() != 1 {
		t.Errorf("calls = %d, queued items must not start after abort", creator.callCount())
	}
}

func TestAbortUnknownRun(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, nil, 0, nil)
	err := s.Abort(context.Background(), "missing")
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("err = %v, want bad_input", err)
	}
}
