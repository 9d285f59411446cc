package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// mergeRow mirrors the merge_history table.
type mergeRow struct {
	ID            string         `db:"id"`
	SessionID     string         `db:"session_id"`
	StartedAt     string         `db:"started_at"`
	FinishedAt    sql.NullString `db:"finished_at"`
	BaseBranch    string         `db:"base_branch"`
	Mode          string         `db:"mode"`
	Result        string         `db:"result"`
	ConflictFiles string         `db:"conflict_files"`
	SquashMessage string         `db:"squash_message"`
}

func (r mergeRow) toModel() models.MergeHistory {
	m := models.MergeHistory{
		ID:            r.ID,
		SessionID:     r.SessionID,
		BaseBranch:    r.BaseBranch,
		Mode:          models.MergeMode(r.Mode),
		Result:        models.MergeResult(r.Result),
		SquashMessage: r.SquashMessage,
	}
	m.StartedAt, _ = parseTime(r.StartedAt)
	m.FinishedAt = parseNullableTime(r.FinishedAt)
	json.Unmarshal([]byte(r.ConflictFiles), &m.ConflictFiles)
	return m
}

// CreateMergeHistory opens an audit record for one merge step; the
// result should be in_progress until FinishMergeHistory closes it.
func (s *Store) CreateMergeHistory(ctx context.Context, m *models.MergeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, _ := json.Marshal(m.ConflictFiles)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_history (id, session_id, started_at, finished_at, base_branch, mode, result, conflict_files, squash_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, formatTime(m.StartedAt), nullableTime(m.FinishedAt),
		m.BaseBranch, string(m.Mode), string(m.Result), string(files), m.SquashMessage)
	if err != nil {
		return storeErr("store.create_merge_history", err)
	}
	return nil
}

// FinishMergeHistory closes an audit record with its final result and
// any conflicted paths.
func (s *Store) FinishMergeHistory(ctx context.Context, id string, result models.MergeResult, conflictFiles []string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, _ := json.Marshal(conflictFiles)
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_history SET result = ?, conflict_files = ?, finished_at = ? WHERE id = ?
	`, string(result), string(files), formatTime(finishedAt), id)
	if err != nil {
		return storeErr("store.finish_merge_history", err)
	}
	return nil
}

// ListMergeHistory returns a session's merge steps, oldest first.
func (s *Store) ListMergeHistory(ctx context.Context, sessionID string) ([]models.MergeHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []mergeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, started_at, finished_at, base_branch, mode, result, conflict_files, squash_message
		FROM merge_history WHERE session_id = ? ORDER BY started_at, rowid`, sessionID)
	if err != nil {
		return nil, storeErr("store.list_merge_history", err)
	}
	history := make([]models.MergeHistory, 0, len(rows))
	for _, r := range rows {
		history = append(history, r.toModel())
	}
	return history, nil
}

// LatestMergeStep returns the most recent merge step for a session, or
// (nil, nil) if none exist. The merge engine derives its state from it.
func (s *Store) LatestMergeStep(ctx context.Context, sessionID string) (*models.MergeHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row mergeRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, session_id, started_at, finished_at, base_branch, mode, result, conflict_files, squash_message
		FROM merge_history WHERE session_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.latest_merge_step", err)
	}
	m := row.toModel()
	return &m, nil
}
