package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ampherd/ampherd/pkg/models"
)

// sessionRow mirrors the sessions table.
type sessionRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	InitialPrompt string         `db:"initial_prompt"`
	RepoRoot      string         `db:"repo_root"`
	BaseBranch    string         `db:"base_branch"`
	BranchName    string         `db:"branch_name"`
	WorktreePath  string         `db:"worktree_path"`
	Status        string         `db:"status"`
	ScriptCommand string         `db:"script_command"`
	ModelOverride string         `db:"model_override"`
	CreatedAt     string         `db:"created_at"`
	LastRun       sql.NullString `db:"last_run"`
	Notes         string         `db:"notes"`
	AutoCommit    bool           `db:"auto_commit"`
	ThreadID      string         `db:"thread_id"`
	Mode          string         `db:"mode"`
}

func newSessionRow(s *models.Session) sessionRow {
	row := sessionRow{
		ID:            s.ID,
		Name:          s.Name,
		InitialPrompt: s.InitialPrompt,
		RepoRoot:      s.RepoRoot,
		BaseBranch:    s.BaseBranch,
		BranchName:    s.BranchName,
		WorktreePath:  s.WorktreePath,
		Status:        string(s.Status),
		ScriptCommand: s.ScriptCommand,
		ModelOverride: s.ModelOverride,
		CreatedAt:     formatTime(s.CreatedAt),
		Notes:         s.Notes,
		AutoCommit:    s.AutoCommit,
		ThreadID:      s.ThreadID,
		Mode:          string(s.Mode),
	}
	if s.LastRun != nil {
		row.LastRun = sql.NullString{String: formatTime(*s.LastRun), Valid: true}
	}
	return row
}

func (r sessionRow) toModel() *models.Session {
	s := &models.Session{
		ID:            r.ID,
		Name:          r.Name,
		InitialPrompt: r.InitialPrompt,
		RepoRoot:      r.RepoRoot,
		BaseBranch:    r.BaseBranch,
		BranchName:    r.BranchName,
		WorktreePath:  r.WorktreePath,
		Status:        models.SessionStatus(r.Status),
		ScriptCommand: r.ScriptCommand,
		ModelOverride: r.ModelOverride,
		Notes:         r.Notes,
		AutoCommit:    r.AutoCommit,
		ThreadID:      r.ThreadID,
		Mode:          models.SessionMode(r.Mode),
	}
	s.CreatedAt, _ = parseTime(r.CreatedAt)
	s.LastRun = parseNullableTime(r.LastRun)
	return s
}

const sessionColumns = `id, name, initial_prompt, repo_root, base_branch, branch_name, worktree_path,
	status, script_command, model_override, created_at, last_run, notes, auto_commit, thread_id, mode`

// CreateSession persists a new session. Duplicate worktree paths or
// branch names surface as StoreConflict.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (:id, :name, :initial_prompt, :repo_root, :base_branch, :branch_name, :worktree_path,
			:status, :script_command, :model_override, :created_at, :last_run, :notes, :auto_commit, :thread_id, :mode)
	`, newSessionRow(sess))
	if err != nil {
		return storeErr("store.create_session", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row sessionRow
	err := s.db.GetContext(ctx, &row, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_session", err)
	}
	return row.toModel(), nil
}

// GetSessionByName retrieves a session by name. Returns (nil, nil) when
// absent; with duplicate names the most recent wins.
func (s *Store) GetSessionByName(ctx context.Context, name string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+sessionColumns+" FROM sessions WHERE name = ? ORDER BY created_at DESC LIMIT 1", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_session_by_name", err)
	}
	return row.toModel(), nil
}

// ListSessions lists all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.listSessions(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC")
}

// ListSessionsByRepo lists sessions rooted at the given repository.
func (s *Store) ListSessionsByRepo(ctx context.Context, repoRoot string) ([]*models.Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE repo_root = ? ORDER BY created_at DESC", repoRoot)
}

// ListSessionsByStatus lists sessions in the given state.
func (s *Store) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE status = ? ORDER BY created_at DESC", string(status))
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("store.list_sessions", err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, r.toModel())
	}
	return sessions, nil
}

// UpdateSession rewrites all mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE sessions SET name = :name, status = :status, script_command = :script_command,
			model_override = :model_override, last_run = :last_run, notes = :notes,
			auto_commit = :auto_commit, thread_id = :thread_id, mode = :mode
		WHERE id = :id
	`, newSessionRow(sess))
	if err != nil {
		return storeErr("store.update_session", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to a new state, optionally
// replacing its notes. Pass an empty note to keep the existing one.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if note != "" {
		_, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, notes = ? WHERE id = ?", string(status), note, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return storeErr("store.update_session_status", err)
	}
	return nil
}

// TouchSessionLastRun records the start of the latest iteration.
func (s *Store) TouchSessionLastRun(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_run = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return storeErr("store.touch_session", err)
	}
	return nil
}

// DeleteSession removes a session and, via cascades, its iterations.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.transact(ctx, "store.delete_session", func(tx *sqlx.Tx) error {
		for _, q := range []string{
			"DELETE FROM stream_events WHERE session_id = ?",
			"DELETE FROM tool_calls WHERE session_id = ?",
			"DELETE FROM threads WHERE session_id = ?",
			"DELETE FROM merge_history WHERE session_id = ?",
			"DELETE FROM file_edits WHERE session_id = ?",
			"DELETE FROM git_ops WHERE session_id = ?",
			"DELETE FROM session_summaries WHERE session_id = ?",
			"DELETE FROM sessions WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return storeErr("store.delete_session", err)
			}
		}
		return nil
	})
}
