package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// threadRow mirrors the threads table.
type threadRow struct {
	ID            string `db:"id"`
	SessionID     string `db:"session_id"`
	Title         string `db:"title"`
	CreatedAt     string `db:"created_at"`
	LastMessageAt string `db:"last_message_at"`
	MessageCount  int    `db:"message_count"`
}

func (r threadRow) toModel() models.Thread {
	t := models.Thread{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Title:        r.Title,
		MessageCount: r.MessageCount,
	}
	t.CreatedAt, _ = parseTime(r.CreatedAt)
	t.LastMessageAt, _ = parseTime(r.LastMessageAt)
	return t
}

// AttachThread binds an agent-issued thread id to a session. Calling it
// again with the same pair is a no-op; re-attaching an existing thread
// to a different session moves it. The session row is updated in the
// same transaction.
func (s *Store) AttachThread(ctx context.Context, sessionID, threadID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := formatTime(time.Now())
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("store.attach_thread", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, session_id, title, created_at, last_message_at, message_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE threads.title END
	`, threadID, sessionID, title, now, now); err != nil {
		return storeErr("store.attach_thread", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET thread_id = ? WHERE id = ?", threadID, sessionID); err != nil {
		return storeErr("store.attach_thread", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("store.attach_thread", err)
	}
	return nil
}

// GetSessionByThread resolves a thread id to its session. Returns
// (nil, nil) when no session owns the thread.
func (s *Store) GetSessionByThread(ctx context.Context, threadID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+sessionColumns+" FROM sessions WHERE thread_id = ? LIMIT 1", threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_session_by_thread", err)
	}
	return row.toModel(), nil
}

// GetThread retrieves a thread by id. Returns (nil, nil) when absent.
func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row threadRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, session_id, title, created_at, last_message_at, message_count FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_thread", err)
	}
	t := row.toModel()
	return &t, nil
}

// ListThreads returns the threads attached to a session, most recent
// traffic first.
func (s *Store) ListThreads(ctx context.Context, sessionID string) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, title, created_at, last_message_at, message_count
		FROM threads WHERE session_id = ? ORDER BY last_message_at DESC`, sessionID)
	if err != nil {
		return nil, storeErr("store.list_threads", err)
	}
	threads := make([]models.Thread, 0, len(rows))
	for _, r := range rows {
		threads = append(threads, r.toModel())
	}
	return threads, nil
}

// BumpThread records traffic on a thread: message count up one, last
// activity stamped. Unknown thread ids are ignored.
func (s *Store) BumpThread(ctx context.Context, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET message_count = message_count + 1, last_message_at = ? WHERE id = ?
	`, formatTime(at), threadID)
	if err != nil {
		return storeErr("store.bump_thread", err)
	}
	return nil
}
