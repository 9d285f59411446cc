package models

import "time"

// BatchRunStatus is the lifecycle state of a batch run.
type BatchRunStatus string

const (
	BatchRunning   BatchRunStatus = "running"
	BatchCompleted BatchRunStatus = "completed"
	BatchAborted   BatchRunStatus = "aborted"
)

// Valid returns true if the status is a known value.
func (s BatchRunStatus) Valid() bool {
	return s == BatchRunning || s == BatchCompleted || s == BatchAborted
}

// BatchItemStatus is the lifecycle state of a single plan item. An item
// moves queued -> running -> terminal exactly once.
type BatchItemStatus string

const (
	ItemQueued  BatchItemStatus = "queued"
	ItemRunning BatchItemStatus = "running"
	ItemSuccess BatchItemStatus = "success"
	ItemFail    BatchItemStatus = "fail"
	ItemError   BatchItemStatus = "error"
	ItemTimeout BatchItemStatus = "timeout"
	ItemAborted BatchItemStatus = "aborted"
)

// Valid returns true if the status is a known value.
func (s BatchItemStatus) Valid() bool {
	switch s {
	case ItemQueued, ItemRunning, ItemSuccess, ItemFail, ItemError, ItemTimeout, ItemAborted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s BatchItemStatus) Terminal() bool {
	return s.Valid() && s != ItemQueued && s != ItemRunning
}

// Retryable reports whether the scheduler may re-attempt an item that ended
// in this status. Only process/OS errors retry; script failures and
// timeouts never do.
func (s BatchItemStatus) Retryable() bool {
	return s == ItemError
}

// BatchRun is one scheduled execution of a plan matrix.
type BatchRun struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`
	// CreatedAt is when the run was accepted.
	CreatedAt time.Time `json:"created_at"`
	// DefaultsJSON is the plan's defaults block, verbatim.
	DefaultsJSON string `json:"defaults_json,omitempty"`
	// Concurrency is the worker-pool size for this run.
	Concurrency int `json:"concurrency"`
	// Status is the run lifecycle state.
	Status BatchRunStatus `json:"status"`
}

// BatchItem is one repo+prompt cell of a plan matrix.
type BatchItem struct {
	// ID is the unique identifier for this item.
	ID string `json:"id"`
	// RunID is the owning run.
	RunID string `json:"run_id"`
	// Repo is the absolute path of the target repository.
	Repo string `json:"repo"`
	// Prompt is the agent prompt for this item.
	Prompt string `json:"prompt"`
	// Model overrides the agent model, if set.
	Model string `json:"model,omitempty"`
	// ScriptCommand overrides the test command, if set.
	ScriptCommand string `json:"script_command,omitempty"`
	// TimeoutSec bounds the item's wall time; zero means the run default.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// Status is the item lifecycle state.
	Status BatchItemStatus `json:"status"`
	// StartedAt is when a worker picked the item up.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the item reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// SessionID is the session the item created, once it has one.
	SessionID string `json:"session_id,omitempty"`
	// TokensTotal is the item's aggregate token count.
	TokensTotal int64 `json:"tokens_total"`
	// Attempt counts executions of this item, starting at 1.
	Attempt int `json:"attempt"`
}
