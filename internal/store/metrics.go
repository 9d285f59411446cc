package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ampherd/ampherd/pkg/models"
)

// TokenUsageBySession sums token counts over a session's iterations.
func (s *Store) TokenUsageBySession(ctx context.Context, sessionID string) (models.TokenUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row struct {
		Prompt     int64 `db:"prompt"`
		Completion int64 `db:"completion"`
		Total      int64 `db:"total"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(prompt_tokens), 0) AS prompt,
			COALESCE(SUM(completion_tokens), 0) AS completion,
			COALESCE(SUM(total_tokens), 0) AS total
		FROM iterations WHERE session_id = ?`, sessionID)
	if err != nil {
		return models.TokenUsage{}, storeErr("store.token_usage_by_session", err)
	}
	return models.TokenUsage{
		PromptTokens:     row.Prompt,
		CompletionTokens: row.Completion,
		TotalTokens:      row.Total,
	}, nil
}

// TokenUsageByModel sums token counts per model across all sessions.
// Iterations that never reported a model are grouped under "".
func (s *Store) TokenUsageByModel(ctx context.Context) ([]models.ModelUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []struct {
		Model      string `db:"model"`
		Iterations int    `db:"iterations"`
		Prompt     int64  `db:"prompt"`
		Completion int64  `db:"completion"`
		Total      int64  `db:"total"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT model, COUNT(*) AS iterations,
			COALESCE(SUM(prompt_tokens), 0) AS prompt,
			COALESCE(SUM(completion_tokens), 0) AS completion,
			COALESCE(SUM(total_tokens), 0) AS total
		FROM iterations GROUP BY model ORDER BY total DESC`)
	if err != nil {
		return nil, storeErr("store.token_usage_by_model", err)
	}
	usage := make([]models.ModelUsage, 0, len(rows))
	for _, r := range rows {
		usage = append(usage, models.ModelUsage{
			Model:      r.Model,
			Iterations: r.Iterations,
			Usage: models.TokenUsage{
				PromptTokens:     r.Prompt,
				CompletionTokens: r.Completion,
				TotalTokens:      r.Total,
			},
		})
	}
	return usage, nil
}

// GetSessionSummary returns the rolled-up view of a session, or
// (nil, nil) before its first finished iteration.
func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row struct {
		SessionID        string `db:"session_id"`
		Iterations       int    `db:"iterations"`
		FilesChanged     int    `db:"files_changed"`
		LinesAdded       int    `db:"lines_added"`
		LinesDeleted     int    `db:"lines_deleted"`
		PromptTokens     int64  `db:"prompt_tokens"`
		CompletionTokens int64  `db:"completion_tokens"`
		TotalTokens      int64  `db:"total_tokens"`
		ToolCalls        int    `db:"tool_calls"`
		LastUpdated      string `db:"last_updated"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT session_id, iterations, files_changed, lines_added, lines_deleted,
			prompt_tokens, completion_tokens, total_tokens, tool_calls, last_updated
		FROM session_summaries WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_session_summary", err)
	}
	sum := &models.SessionSummary{
		SessionID:    row.SessionID,
		Iterations:   row.Iterations,
		FilesChanged: row.FilesChanged,
		LinesAdded:   row.LinesAdded,
		LinesDeleted: row.LinesDeleted,
		TokenUsage: models.TokenUsage{
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		},
		ToolCalls: row.ToolCalls,
	}
	sum.LastUpdated, _ = parseTime(row.LastUpdated)
	return sum, nil
}

// RecordGitOp appends one repository mutation to the session's audit
// trail.
func (s *Store) RecordGitOp(ctx context.Context, op *models.GitOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_ops (session_id, iteration_id, op, sha, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.SessionID, op.IterationID, op.Op, op.SHA, op.Detail, formatTime(op.Timestamp))
	if err != nil {
		return storeErr("store.record_git_op", err)
	}
	return nil
}

// ListGitOps returns a session's repository mutations in order.
func (s *Store) ListGitOps(ctx context.Context, sessionID string) ([]models.GitOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []struct {
		ID          int64  `db:"id"`
		SessionID   string `db:"session_id"`
		IterationID string `db:"iteration_id"`
		Op          string `db:"op"`
		SHA         string `db:"sha"`
		Detail      string `db:"detail"`
		Timestamp   string `db:"timestamp"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, iteration_id, op, sha, detail, timestamp
		FROM git_ops WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, storeErr("store.list_git_ops", err)
	}
	ops := make([]models.GitOp, 0, len(rows))
	for _, r := range rows {
		op := models.GitOp{
			ID:          r.ID,
			SessionID:   r.SessionID,
			IterationID: r.IterationID,
			Op:          r.Op,
			SHA:         r.SHA,
			Detail:      r.Detail,
		}
		op.Timestamp, _ = parseTime(r.Timestamp)
		ops = append(ops, op)
	}
	return ops, nil
}
