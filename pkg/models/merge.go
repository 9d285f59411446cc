package models

import "time"

// MergeMode names the pipeline step a MergeHistory row records.
type MergeMode string

const (
	MergeModeSquash      MergeMode = "squash"
	MergeModeRebase      MergeMode = "rebase"
	MergeModeContinue    MergeMode = "continue"
	MergeModeAbort       MergeMode = "abort"
	MergeModeFastForward MergeMode = "fast_forward"
	MergeModeNoFF        MergeMode = "no_ff"
)

// Valid returns true if the mode is a known value.
func (m MergeMode) Valid() bool {
	switch m {
	case MergeModeSquash, MergeModeRebase, MergeModeContinue,
		MergeModeAbort, MergeModeFastForward, MergeModeNoFF:
		return true
	default:
		return false
	}
}

// MergeResult is the outcome of a merge pipeline step.
type MergeResult string

const (
	MergeInProgress MergeResult = "in_progress"
	MergeSuccess    MergeResult = "success"
	MergeConflict   MergeResult = "conflict"
	MergeAborted    MergeResult = "aborted"
	MergeError      MergeResult = "error"
)

// Valid returns true if the result is a known value.
func (r MergeResult) Valid() bool {
	switch r {
	case MergeInProgress, MergeSuccess, MergeConflict, MergeAborted, MergeError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the result is final.
func (r MergeResult) Terminal() bool {
	return r.Valid() && r != MergeInProgress
}

// MergeHistory is the audit record of one merge pipeline step. A row is
// written as in_progress on entry and finalized on exit.
type MergeHistory struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`
	// SessionID is the session whose branch was operated on.
	SessionID string `json:"session_id"`
	// StartedAt is when the step began.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the step ended, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// BaseBranch is the merge target.
	BaseBranch string `json:"base_branch"`
	// Mode is the pipeline step.
	Mode MergeMode `json:"mode"`
	// Result is the step outcome.
	Result MergeResult `json:"result"`
	// ConflictFiles lists paths left conflicted, for conflict results.
	ConflictFiles []string `json:"conflict_files,omitempty"`
	// SquashMessage is the user-supplied commit message, for squash steps.
	SquashMessage string `json:"squash_message,omitempty"`
}
