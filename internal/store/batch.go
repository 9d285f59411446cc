package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ampherd/ampherd/pkg/models"
)

// batchRunRow mirrors the batch_runs table.
type batchRunRow struct {
	RunID        string `db:"run_id"`
	CreatedAt    string `db:"created_at"`
	DefaultsJSON string `db:"defaults_json"`
	Concurrency  int    `db:"concurrency"`
	Status       string `db:"status"`
}

func (r batchRunRow) toModel() models.BatchRun {
	run := models.BatchRun{
		RunID:        r.RunID,
		DefaultsJSON: r.DefaultsJSON,
		Concurrency:  r.Concurrency,
		Status:       models.BatchRunStatus(r.Status),
	}
	run.CreatedAt, _ = parseTime(r.CreatedAt)
	return run
}

// batchItemRow mirrors the batch_items table.
type batchItemRow struct {
	ID            string         `db:"id"`
	RunID         string         `db:"run_id"`
	Repo          string         `db:"repo"`
	Prompt        string         `db:"prompt"`
	Model         string         `db:"model"`
	ScriptCommand string         `db:"script_command"`
	TimeoutSec    int            `db:"timeout_sec"`
	Status        string         `db:"status"`
	StartedAt     sql.NullString `db:"started_at"`
	FinishedAt    sql.NullString `db:"finished_at"`
	SessionID     string         `db:"session_id"`
	TokensTotal   int64          `db:"tokens_total"`
	Attempt       int            `db:"attempt"`
}

func newBatchItemRow(it *models.BatchItem) batchItemRow {
	row := batchItemRow{
		ID:            it.ID,
		RunID:         it.RunID,
		Repo:          it.Repo,
		Prompt:        it.Prompt,
		Model:         it.Model,
		ScriptCommand: it.ScriptCommand,
		TimeoutSec:    it.TimeoutSec,
		Status:        string(it.Status),
		SessionID:     it.SessionID,
		TokensTotal:   it.TokensTotal,
		Attempt:       it.Attempt,
	}
	if it.StartedAt != nil {
		row.StartedAt = sql.NullString{String: formatTime(*it.StartedAt), Valid: true}
	}
	if it.FinishedAt != nil {
		row.FinishedAt = sql.NullString{String: formatTime(*it.FinishedAt), Valid: true}
	}
	return row
}

func (r batchItemRow) toModel() models.BatchItem {
	it := models.BatchItem{
		ID:            r.ID,
		RunID:         r.RunID,
		Repo:          r.Repo,
		Prompt:        r.Prompt,
		Model:         r.Model,
		ScriptCommand: r.ScriptCommand,
		TimeoutSec:    r.TimeoutSec,
		Status:        models.BatchItemStatus(r.Status),
		SessionID:     r.SessionID,
		TokensTotal:   r.TokensTotal,
		Attempt:       r.Attempt,
	}
	it.StartedAt = parseNullableTime(r.StartedAt)
	it.FinishedAt = parseNullableTime(r.FinishedAt)
	return it
}

const batchItemColumns = `id, run_id, repo, prompt, model, script_command, timeout_sec, status,
	started_at, finished_at, session_id, tokens_total, attempt`

// CreateBatchRun persists a run and all of its items in one
// transaction, so a half-created plan can never be observed.
func (s *Store) CreateBatchRun(ctx context.Context, run *models.BatchRun, items []*models.BatchItem) error {
	return s.transact(ctx, "store.create_batch_run", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_runs (run_id, created_at, defaults_json, concurrency, status)
			VALUES (?, ?, ?, ?, ?)
		`, run.RunID, formatTime(run.CreatedAt), run.DefaultsJSON, run.Concurrency, string(run.Status)); err != nil {
			return storeErr("store.create_batch_run", err)
		}
		for _, it := range items {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO batch_items (`+batchItemColumns+`)
				VALUES (:id, :run_id, :repo, :prompt, :model, :script_command, :timeout_sec, :status,
					:started_at, :finished_at, :session_id, :tokens_total, :attempt)
			`, newBatchItemRow(it)); err != nil {
				return storeErr("store.create_batch_run", err)
			}
		}
		return nil
	})
}

// GetBatchRun retrieves a run by id. Returns (nil, nil) when absent.
func (s *Store) GetBatchRun(ctx context.Context, runID string) (*models.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var row batchRunRow
	err := s.db.GetContext(ctx, &row,
		"SELECT run_id, created_at, defaults_json, concurrency, status FROM batch_runs WHERE run_id = ?", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("store.get_batch_run", err)
	}
	run := row.toModel()
	return &run, nil
}

// ListBatchRuns lists all runs, newest first.
func (s *Store) ListBatchRuns(ctx context.Context) ([]models.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []batchRunRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT run_id, created_at, defaults_json, concurrency, status FROM batch_runs ORDER BY created_at DESC")
	if err != nil {
		return nil, storeErr("store.list_batch_runs", err)
	}
	runs := make([]models.BatchRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toModel())
	}
	return runs, nil
}

// ListBatchItems returns a run's items in plan order (creation order).
func (s *Store) ListBatchItems(ctx context.Context, runID string) ([]models.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []batchItemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+batchItemColumns+" FROM batch_items WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, storeErr("store.list_batch_items", err)
	}
	items := make([]models.BatchItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toModel())
	}
	return items, nil
}

// UpdateBatchItem rewrites an item's mutable fields.
func (s *Store) UpdateBatchItem(ctx context.Context, it *models.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE batch_items SET status = :status, started_at = :started_at, finished_at = :finished_at,
			session_id = :session_id, tokens_total = :tokens_total, attempt = :attempt
		WHERE id = :id
	`, newBatchItemRow(it))
	if err != nil {
		return storeErr("store.update_batch_item", err)
	}
	return nil
}

// UpdateBatchRunStatus moves a run to a new state.
func (s *Store) UpdateBatchRunStatus(ctx context.Context, runID string, status models.BatchRunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE batch_runs SET status = ? WHERE run_id = ?", string(status), runID)
	if err != nil {
		return storeErr("store.update_batch_run_status", err)
	}
	return nil
}

// AbortQueuedItems flips every still-queued item of a run to aborted in
// one statement and returns how many were flipped.
func (s *Store) AbortQueuedItems(ctx context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE batch_items SET status = ? WHERE run_id = ? AND status = ?",
		string(models.ItemAborted), runID, string(models.ItemQueued))
	if err != nil {
		return 0, storeErr("store.abort_queued_items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("store.abort_queued_items", err)
	}
	return n, nil
}
