package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ampherd/ampherd/pkg/models"
)

// iterationRow mirrors the iterations table.
type iterationRow struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	StartedAt        string         `db:"started_at"`
	EndedAt          sql.NullString `db:"ended_at"`
	CommitSha        string         `db:"commit_sha"`
	FilesChanged     int            `db:"files_changed"`
	LinesAdded       int            `db:"lines_added"`
	LinesDeleted     int            `db:"lines_deleted"`
	TestResult       string         `db:"test_result"`
	TestExitCode     sql.NullInt64  `db:"test_exit_code"`
	Model            string         `db:"model"`
	AgentVersion     string         `db:"agent_version"`
	ExitCode         sql.NullInt64  `db:"exit_code"`
	PromptTokens     int64          `db:"prompt_tokens"`
	CompletionTokens int64          `db:"completion_tokens"`
	TotalTokens      int64          `db:"total_tokens"`
	ThreadID         string         `db:"thread_id"`
}

func newIterationRow(it *models.Iteration) iterationRow {
	row := iterationRow{
		ID:               it.ID,
		SessionID:        it.SessionID,
		StartedAt:        formatTime(it.StartedAt),
		CommitSha:        it.CommitSha,
		FilesChanged:     it.FilesChanged,
		LinesAdded:       it.LinesAdded,
		LinesDeleted:     it.LinesDeleted,
		TestResult:       string(it.TestResult),
		Model:            it.Model,
		AgentVersion:     it.AgentVersion,
		PromptTokens:     it.TokenUsage.PromptTokens,
		CompletionTokens: it.TokenUsage.CompletionTokens,
		TotalTokens:      it.TokenUsage.TotalTokens,
		ThreadID:         it.ThreadID,
	}
	if it.EndedAt != nil {
		row.EndedAt = sql.NullString{String: formatTime(*it.EndedAt), Valid: true}
	}
	if it.TestExitCode != nil {
		row.TestExitCode = sql.NullInt64{Int64: int64(*it.TestExitCode), Valid: true}
	}
	if it.ExitCode != nil {
		row.ExitCode = sql.NullInt64{Int64: int64(*it.ExitCode), Valid: true}
	}
	return row
}

func (r iterationRow) toModel() *models.Iteration {
	it := &models.Iteration{
		ID:           r.ID,
		SessionID:    r.SessionID,
		CommitSha:    r.CommitSha,
		FilesChanged: r.FilesChanged,
		LinesAdded:   r.LinesAdded,
		LinesDeleted: r.LinesDeleted,
		TestResult:   models.TestResult(r.TestResult),
		Model:        r.Model,
		AgentVersion: r.AgentVersion,
		TokenUsage: models.TokenUsage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		},
		ThreadID: r.ThreadID,
	}
	it.StartedAt, _ = parseTime(r.StartedAt)
	it.EndedAt = parseNullableTime(r.EndedAt)
	it.TestExitCode = intPtr(r.TestExitCode)
	it.ExitCode = intPtr(r.ExitCode)
	return it
}

const iterationColumns = `id, session_id, started_at, ended_at, commit_sha, files_changed, lines_added,
	lines_deleted, test_result, test_exit_code, model, agent_version, exit_code,
	prompt_tokens, completion_tokens, total_tokens, thread_id`

// CreateIteration records the start of an iteration.
func (s *Store) CreateIteration(ctx context.Context, it *models.Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO iterations (`+iterationColumns+`)
		VALUES (:id, :session_id, :started_at, :ended_at, :commit_sha, :files_changed, :lines_added,
			:lines_deleted, :test_result, :test_exit_code, :model, :agent_version, :exit_code,
			:prompt_tokens, :completion_tokens, :total_tokens, :thread_id)
	`, newIterationRow(it))
	if err != nil {
		return storeErr("store.create_iteration", err)
	}
	return nil
}

// FinishIteration rewrites a completed iteration and, in the same
// transaction, records the commit as a git op and refreshes the
// session's summary row.
func (s *Store) FinishIteration(ctx context.Context, it *models.Iteration) error {
	return s.transact(ctx, "store.finish_iteration", func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			UPDATE iterations SET ended_at = :ended_at, commit_sha = :commit_sha,
				files_changed = :files_changed, lines_added = :lines_added, lines_deleted = :lines_deleted,
				test_result = :test_result, test_exit_code = :test_exit_code, model = :model,
				agent_version = :agent_version, exit_code = :exit_code, prompt_tokens = :prompt_tokens,
				completion_tokens = :completion_tokens, total_tokens = :total_tokens, thread_id = :thread_id
			WHERE id = :id
		`, newIterationRow(it)); err != nil {
			return storeErr("store.finish_iteration", err)
		}
		if it.CommitSha != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO git_ops (session_id, iteration_id, op, sha, detail, timestamp)
				VALUES (?, ?, 'commit', ?, '', ?)
			`, it.SessionID, it.ID, it.CommitSha, formatTime(time.Now())); err != nil {
				return storeErr("store.finish_iteration", err)
			}
		}
		return refreshSummary(ctx, tx, it.SessionID)
	})
}

// refreshSummary recomputes one session's rollup from its iterations
// and tool calls. Runs inside the caller's transaction.
func refreshSummary(ctx context.Context, tx *sqlx.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, iterations, files_changed, lines_added, lines_deleted,
			prompt_tokens, completion_tokens, total_tokens, tool_calls, last_updated)
		SELECT i.session_id, COUNT(*), COALESCE(SUM(i.files_changed), 0), COALESCE(SUM(i.lines_added), 0),
			COALESCE(SUM(i.lines_deleted), 0), COALESCE(SUM(i.prompt_tokens), 0),
			COALESCE(SUM(i.completion_tokens), 0), COALESCE(SUM(i.total_tokens), 0),
			(SELECT COUNT(*) FROM tool_calls t WHERE t.session_id = i.session_id), ?
		FROM iterations i WHERE i.session_id = ?
		GROUP BY i.session_id
		ON CONFLICT(session_id) DO UPDATE SET
			iterations = excluded.iterations,
			files_changed = excluded.files_changed,
			lines_added = excluded.lines_added,
			lines_deleted = excluded.lines_deleted,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			tool_calls = excluded.tool_calls,
			last_updated = excluded.last_updated
	`, formatTime(time.Now()), sessionID)
	if err != nil {
		return storeErr("store.refresh_summary", err)
	}
	return nil
}

// GetIteration retrieves an iteration by id. Returns (nil, nil) when
// absent.
func (s *Store) GetIteration(ctx context.Context, id string) (*models.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row iterationRow
	err := s.db.GetContext(ctx, &row, "SELECT "+iterationColumns+" FROM iterations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_iteration", err)
	}
	return row.toModel(), nil
}

// ListIterations lists a session's iterations, oldest first.
func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]*models.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []iterationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+iterationColumns+" FROM iterations WHERE session_id = ? ORDER BY started_at, rowid", sessionID)
	if err != nil {
		return nil, storeErr("store.list_iterations", err)
	}
	iterations := make([]*models.Iteration, 0, len(rows))
	for _, r := range rows {
		iterations = append(iterations, r.toModel())
	}
	return iterations, nil
}

// LatestIteration returns the most recently started iteration of a
// session, or (nil, nil) if it has none.
func (s *Store) LatestIteration(ctx context.Context, sessionID string) (*models.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row iterationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+iterationColumns+" FROM iterations WHERE session_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1",
		sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.latest_iteration", err)
	}
	return row.toModel(), nil
}
