package models

import (
	"errors"
	"fmt"
)

// ErrKind classifies orchestrator failures into a small set of categories
// suitable for retry and reporting decisions. Kinds are stable across
// components; transports map them to structured responses.
type ErrKind string

const (
	// ErrBadInput indicates the caller supplied invalid arguments.
	ErrBadInput ErrKind = "bad_input"
	// ErrSchemaIncompatible indicates the store schema is newer than this
	// build supports, or unreadable. Fatal at startup.
	ErrSchemaIncompatible ErrKind = "schema_incompatible"
	// ErrPlanInvalid indicates a batch plan failed validation.
	ErrPlanInvalid ErrKind = "plan_invalid"
	// ErrGitNotFound indicates the git executable is missing.
	ErrGitNotFound ErrKind = "git_not_found"
	// ErrGitCwdMissing indicates the working directory for a git call is gone.
	ErrGitCwdMissing ErrKind = "git_cwd_missing"
	// ErrAgentNotFound indicates the agent binary is missing.
	ErrAgentNotFound ErrKind = "agent_not_found"
	// ErrGitTimeout indicates a git call exceeded its wall-clock budget.
	ErrGitTimeout ErrKind = "git_timeout"
	// ErrAgentTimeout indicates an agent run exceeded its wall-clock budget.
	ErrAgentTimeout ErrKind = "agent_timeout"
	// ErrStoreUnavailable indicates an I/O failure in the store.
	ErrStoreUnavailable ErrKind = "store_unavailable"
	// ErrStoreConflict indicates a constraint violation or busy state.
	ErrStoreConflict ErrKind = "store_conflict"
	// ErrHandleNotReady indicates a send to an interactive handle whose
	// state is not ready.
	ErrHandleNotReady ErrKind = "handle_not_ready"
	// ErrUnmergedDeletion indicates a safe-delete refused because the
	// session branch is not an ancestor of base.
	ErrUnmergedDeletion ErrKind = "unmerged_deletion"
	// ErrThreadNotFound indicates the agent rejected a thread id. Handled
	// internally by respawning without the thread flag.
	ErrThreadNotFound ErrKind = "thread_not_found"
	// ErrUnknown is the classification for errors outside the taxonomy.
	ErrUnknown ErrKind = "unknown"
)

// Transient reports whether a failure of this kind may succeed on retry.
// Only the batch scheduler acts on this.
func (k ErrKind) Transient() bool {
	switch k {
	case ErrGitTimeout, ErrAgentTimeout, ErrStoreUnavailable:
		return true
	default:
		return false
	}
}

// OpError is a classified failure from an orchestrator operation. It
// crosses package boundaries so callers can branch on Kind without string
// matching.
type OpError struct {
	// Kind is the stable classification.
	Kind ErrKind
	// Op names the failing operation, e.g. "git.worktree-add".
	Op string
	// Path is the file, directory, or binary involved, if any.
	Path string
	// Hint is an operator-facing note. Informational only.
	Hint string
	// Err is the underlying cause, which may be nil.
	Err error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Unwrap returns the underlying cause to preserve the error chain.
func (e *OpError) Unwrap() error { return e.Err }

// KindOf returns the classification of the first OpError in err's chain,
// or ErrUnknown when the chain carries none.
func KindOf(err error) ErrKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err's chain contains an OpError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	return err != nil && KindOf(err) == kind
}
