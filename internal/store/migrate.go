package store

import (
	"errors"
	"fmt"

	"github.com/ampherd/ampherd/pkg/models"
)

// migrate applies all pending schema migrations in order, each inside
// its own transaction. A database written by a newer build fails with
// SchemaIncompatible rather than being modified.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return storeErr("store.migrate", err)
	}

	var current int
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return storeErr("store.migrate", err)
	}
	if current > len(migrations) {
		return &models.OpError{
			Kind: models.ErrSchemaIncompatible,
			Op:   "store.migrate",
			Path: s.path,
			Hint: fmt.Sprintf("database schema v%d, this build supports up to v%d", current, len(migrations)),
			Err:  errors.New("database written by a newer build"),
		}
	}

	for i, ddl := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return storeErr("store.migrate", err)
		}
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return &models.OpError{
				Kind: models.ErrSchemaIncompatible,
				Op:   "store.migrate",
				Path: s.path,
				Hint: fmt.Sprintf("applying schema v%d", version),
				Err:  err,
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))",
			version,
		); err != nil {
			tx.Rollback()
			return storeErr("store.migrate", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("store.migrate", err)
		}
		s.log.Debug("applied schema migration")
	}
	return nil
}

// schemaVersion reports the highest applied migration.
func (s *Store) schemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v int
	if err := s.db.Get(&v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, storeErr("store.schema_version", err)
	}
	return v, nil
}

// migrations holds one DDL block per schema version, applied in order.
var migrations = []string{
	migrationV1Core,
	migrationV2Metrics,
}

const migrationV1Core = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	initial_prompt TEXT NOT NULL,
	repo_root TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	status TEXT NOT NULL,
	script_command TEXT NOT NULL DEFAULT '',
	model_override TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	last_run TEXT,
	notes TEXT NOT NULL DEFAULT '',
	auto_commit INTEGER NOT NULL DEFAULT 1,
	thread_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'async',
	UNIQUE (worktree_path),
	UNIQUE (repo_root, branch_name)
);

CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repo_root);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id);

CREATE TABLE IF NOT EXISTS iterations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	commit_sha TEXT NOT NULL DEFAULT '',
	files_changed INTEGER NOT NULL DEFAULT 0,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_deleted INTEGER NOT NULL DEFAULT 0,
	test_result TEXT NOT NULL DEFAULT 'none',
	test_exit_code INTEGER,
	model TEXT NOT NULL DEFAULT '',
	agent_version TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	thread_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id, started_at);

CREATE TABLE IF NOT EXISTS stream_events (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	iteration_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	iteration_id TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_json TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	orphan INTEGER NOT NULL DEFAULT 0,
	raw_json TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_tool_calls_iteration ON tool_calls(iteration_id);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	last_message_at TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id);

CREATE TABLE IF NOT EXISTS merge_history (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	base_branch TEXT NOT NULL,
	mode TEXT NOT NULL,
	result TEXT NOT NULL,
	conflict_files TEXT NOT NULL DEFAULT '[]',
	squash_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_merge_history_session ON merge_history(session_id, started_at);

CREATE TABLE IF NOT EXISTS batch_runs (
	run_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	defaults_json TEXT NOT NULL DEFAULT '{}',
	concurrency INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES batch_runs(run_id) ON DELETE CASCADE,
	repo TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	script_command TEXT NOT NULL DEFAULT '',
	timeout_sec INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	session_id TEXT NOT NULL DEFAULT '',
	tokens_total INTEGER NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id);
CREATE INDEX IF NOT EXISTS idx_batch_items_status ON batch_items(run_id, status);
`

const migrationV2Metrics = `
CREATE TABLE IF NOT EXISTS file_edits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	iteration_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_edits_session ON file_edits(session_id);

CREATE TABLE IF NOT EXISTS git_ops (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	iteration_id TEXT NOT NULL DEFAULT '',
	op TEXT NOT NULL,
	sha TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_git_ops_session ON git_ops(session_id, timestamp);

CREATE TABLE IF NOT EXISTS session_summaries (
	session_id TEXT PRIMARY KEY,
	iterations INTEGER NOT NULL DEFAULT 0,
	files_changed INTEGER NOT NULL DEFAULT 0,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_deleted INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL
);
`
