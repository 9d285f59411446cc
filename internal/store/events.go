package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// streamEventRow mirrors the stream_events table.
type streamEventRow struct {
	SessionID   string `db:"session_id"`
	Seq         int64  `db:"seq"`
	IterationID string `db:"iteration_id"`
	EventType   string `db:"event_type"`
	Timestamp   string `db:"timestamp"`
	DataJSON    string `db:"data_json"`
}

func (r streamEventRow) toModel() models.StreamEvent {
	ev := models.StreamEvent{
		Seq:         r.Seq,
		SessionID:   r.SessionID,
		IterationID: r.IterationID,
		Type:        models.EventType(r.EventType),
		DataJSON:    r.DataJSON,
	}
	ev.Timestamp, _ = parseTime(r.Timestamp)
	return ev
}

// AppendStreamEvent persists one raw agent event, assigning the next
// per-session sequence number. The assigned seq is written back to ev.
func (s *Store) AppendStreamEvent(ctx context.Context, ev *models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_events (session_id, seq, iteration_id, event_type, timestamp, data_json)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stream_events WHERE session_id = ?), ?, ?, ?, ?)
	`, ev.SessionID, ev.SessionID, ev.IterationID, string(ev.Type), formatTime(ev.Timestamp), ev.DataJSON)
	if err != nil {
		return storeErr("store.append_stream_event", err)
	}
	if err := s.db.GetContext(ctx, &ev.Seq,
		"SELECT MAX(seq) FROM stream_events WHERE session_id = ?", ev.SessionID); err != nil {
		return storeErr("store.append_stream_event", err)
	}
	return nil
}

// ListStreamEvents returns a session's events in sequence order. A
// limit of 0 returns everything.
func (s *Store) ListStreamEvents(ctx context.Context, sessionID string, limit int) ([]models.StreamEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT session_id, seq, iteration_id, event_type, timestamp, data_json
		FROM stream_events WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []streamEventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("store.list_stream_events", err)
	}
	events := make([]models.StreamEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toModel())
	}
	return events, nil
}

// PruneStreamEvents deletes events older than cutoff and returns how
// many were removed.
func (s *Store) PruneStreamEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM stream_events WHERE timestamp < ?", formatTime(cutoff))
	if err != nil {
		return 0, storeErr("store.prune_stream_events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("store.prune_stream_events", err)
	}
	return n, nil
}

// toolCallRow mirrors the tool_calls table.
type toolCallRow struct {
	ID          string `db:"id"`
	SessionID   string `db:"session_id"`
	IterationID string `db:"iteration_id"`
	Timestamp   string `db:"timestamp"`
	ToolName    string `db:"tool_name"`
	ArgsJSON    string `db:"args_json"`
	Success     bool   `db:"success"`
	DurationMs  int64  `db:"duration_ms"`
	Orphan      bool   `db:"orphan"`
	RawJSON     string `db:"raw_json"`
}

func newToolCallRow(tc *models.ToolCall) toolCallRow {
	return toolCallRow{
		ID:          tc.ID,
		SessionID:   tc.SessionID,
		IterationID: tc.IterationID,
		Timestamp:   formatTime(tc.Timestamp),
		ToolName:    tc.ToolName,
		ArgsJSON:    tc.ArgsJSON,
		Success:     tc.Success,
		DurationMs:  tc.DurationMs,
		Orphan:      tc.Orphan,
		RawJSON:     tc.RawJSON,
	}
}

func (r toolCallRow) toModel() models.ToolCall {
	tc := models.ToolCall{
		ID:          r.ID,
		SessionID:   r.SessionID,
		IterationID: r.IterationID,
		ToolName:    r.ToolName,
		ArgsJSON:    r.ArgsJSON,
		Success:     r.Success,
		DurationMs:  r.DurationMs,
		Orphan:      r.Orphan,
		RawJSON:     r.RawJSON,
	}
	tc.Timestamp, _ = parseTime(r.Timestamp)
	return tc
}

// InsertToolCall persists a tool call. Replays of the same agent-issued
// id are ignored, which makes the store sink idempotent.
func (s *Store) InsertToolCall(ctx context.Context, tc *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, iteration_id, timestamp, tool_name, args_json,
			success, duration_ms, orphan, raw_json)
		VALUES (:id, :session_id, :iteration_id, :timestamp, :tool_name, :args_json,
			:success, :duration_ms, :orphan, :raw_json)
		ON CONFLICT(id) DO NOTHING
	`, newToolCallRow(tc))
	if err != nil {
		return storeErr("store.insert_tool_call", err)
	}
	return nil
}

// ListToolCalls returns a session's tool calls in emission order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]models.ToolCall, error) {
	return s.listToolCalls(ctx, `
		SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms, orphan, raw_json
		FROM tool_calls WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
}

// ListToolCallsByIteration returns one iteration's tool calls in
// emission order.
func (s *Store) ListToolCallsByIteration(ctx context.Context, iterationID string) ([]models.ToolCall, error) {
	return s.listToolCalls(ctx, `
		SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms, orphan, raw_json
		FROM tool_calls WHERE iteration_id = ? ORDER BY timestamp, rowid`, iterationID)
}

func (s *Store) listToolCalls(ctx context.Context, query string, args ...any) ([]models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []toolCallRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("store.list_tool_calls", err)
	}
	calls := make([]models.ToolCall, 0, len(rows))
	for _, r := range rows {
		calls = append(calls, r.toModel())
	}
	return calls, nil
}

// InsertFileEdit records which tool touched which path. These rows are
// provenance only; line counts always come from git diffs.
func (s *Store) InsertFileEdit(ctx context.Context, fe *models.FileEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_edits (session_id, iteration_id, path, tool_name, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, fe.SessionID, fe.IterationID, fe.Path, fe.ToolName, formatTime(fe.Timestamp))
	if err != nil {
		return storeErr("store.insert_file_edit", err)
	}
	return nil
}

// ListFileEdits returns a session's file-edit provenance rows.
func (s *Store) ListFileEdits(ctx context.Context, sessionID string) ([]models.FileEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type fileEditRow struct {
		ID          int64  `db:"id"`
		SessionID   string `db:"session_id"`
		IterationID string `db:"iteration_id"`
		Path        string `db:"path"`
		ToolName    string `db:"tool_name"`
		Timestamp   string `db:"timestamp"`
	}
	var rows []fileEditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, iteration_id, path, tool_name, timestamp
		FROM file_edits WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, storeErr("store.list_file_edits", err)
	}
	edits := make([]models.FileEdit, 0, len(rows))
	for _, r := range rows {
		fe := models.FileEdit{
			ID:          r.ID,
			SessionID:   r.SessionID,
			IterationID: r.IterationID,
			Path:        r.Path,
			ToolName:    r.ToolName,
		}
		fe.Timestamp, _ = parseTime(r.Timestamp)
		edits = append(edits, fe)
	}
	return edits, nil
}

// GetToolCall retrieves one tool call by id. Returns (nil, nil) when
// absent.
func (s *Store) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row toolCallRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms, orphan, raw_json
		FROM tool_calls WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_tool_call", err)
	}
	tc := row.toModel()
	return &tc, nil
}
