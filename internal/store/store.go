// Package store provides SQLite-backed persistence for sessions,
// iterations, stream events, tool calls, threads, merge history, and
// batch runs. A single writer connection plus a write mutex keeps all
// mutations serialized; reads share the same connection under WAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/pkg/models"
)

// DefaultRetentionDays is how long stream events are kept before the
// open-time sweep removes them.
const DefaultRetentionDays = 30

// Store wraps the SQLite database with orchestrator-specific operations.
type Store struct {
	db   *sqlx.DB
	path string
	mu   sync.RWMutex
	log  *logging.Logger
}

// Open opens (creating if necessary) the database at path, applies
// pending migrations, marks sessions orphaned by a previous crash, and
// kicks off the stream-event retention sweep. retentionDays <= 0
// disables the sweep.
func Open(path string, retentionDays int, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &models.OpError{Kind: models.ErrStoreUnavailable, Op: "store.open", Path: path, Err: err}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, &models.OpError{Kind: models.ErrStoreUnavailable, Op: "store.open", Path: path, Err: err}
	}
	// Single connection: SQLite has one writer anyway, and a single
	// conn makes the per-session seq assignment race-free.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &models.OpError{Kind: models.ErrStoreUnavailable, Op: "store.open", Path: path, Err: err}
		}
	}

	s := &Store{db: db, path: path, log: log.WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recoverStale(); err != nil {
		db.Close()
		return nil, err
	}
	if retentionDays > 0 {
		go s.sweepStreamEvents(retentionDays)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

// recoverStale flips sessions that were mid-run when the previous
// process died into the error state. Worktrees are left intact for
// inspection.
func (s *Store) recoverStale() error {
	const note = "interrupted: orchestrator exited during a run"
	res, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, notes = CASE WHEN notes = '' THEN ? ELSE notes || '; ' || ? END
		WHERE status IN (?, ?)
	`, string(models.SessionError), note, note,
		string(models.SessionRunning), string(models.SessionAwaitingInput))
	if err != nil {
		return storeErr("store.recover_stale", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("recovered sessions orphaned by a previous run", zap.Int64("sessions", n))
	}
	return nil
}

// sweepStreamEvents prunes stream events past the retention window.
// Runs in the background at open; failures are logged, never fatal.
func (s *Store) sweepStreamEvents(retentionDays int) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := s.PruneStreamEvents(context.Background(), cutoff)
	if err != nil {
		s.log.Warn("stream event sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned old stream events",
			zap.Int64("events", n),
			zap.Int("retention_days", retentionDays))
	}
}

// transact runs fn inside a transaction under the write lock.
func (s *Store) transact(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// storeErr classifies a database failure: constraint violations become
// conflicts the caller may handle or retry; everything else means the
// store is unavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := models.ErrStoreUnavailable
	var se *sqlite.Error
	if errors.As(err, &se) {
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			kind = models.ErrStoreConflict
		}
	} else if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		kind = models.ErrStoreConflict
	}
	return &models.OpError{Kind: kind, Op: op, Err: err}
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Rows written before sub-second precision was recorded.
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullableTime formats an optional time for storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullableInt boxes an optional int for storage.
func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

// intPtr unboxes a nullable integer column.
func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
