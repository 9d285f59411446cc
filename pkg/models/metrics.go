package models

import "time"

// FileEdit is one file touched by an agent tool call. Rows are
// provenance for "which tool touched what" queries; line counting
// always comes from git diffs, never from these events.
type FileEdit struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	IterationID string    `json:"iteration_id,omitempty"`
	// Path is relative to the session worktree root.
	Path      string    `json:"path"`
	ToolName  string    `json:"tool_name"`
	Timestamp time.Time `json:"timestamp"`
}

// GitOp records one repository mutation performed on behalf of a
// session: commits, squashes, rebases, merges, worktree changes.
type GitOp struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	IterationID string    `json:"iteration_id,omitempty"`
	// Op names the mutation, e.g. "commit", "squash", "worktree_add".
	Op string `json:"op"`
	// SHA is the resulting commit when the operation produced one.
	SHA       string    `json:"sha,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is the rolled-up view of a session's work, refreshed
// transactionally as iterations finish.
type SessionSummary struct {
	SessionID    string     `json:"session_id"`
	Iterations   int        `json:"iterations"`
	FilesChanged int        `json:"files_changed"`
	LinesAdded   int        `json:"lines_added"`
	LinesDeleted int        `json:"lines_deleted"`
	TokenUsage   TokenUsage `json:"token_usage"`
	ToolCalls    int        `json:"tool_calls"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// ModelUsage aggregates token consumption for one model across all
// sessions.
type ModelUsage struct {
	Model      string     `json:"model"`
	Iterations int        `json:"iterations"`
	Usage      TokenUsage `json:"usage"`
}
