package models

import "time"

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	// SessionIdle indicates the session has no iteration in flight.
	SessionIdle SessionStatus = "idle"
	// SessionRunning indicates an iteration is in progress.
	SessionRunning SessionStatus = "running"
	// SessionAwaitingInput indicates the agent is waiting for user input.
	SessionAwaitingInput SessionStatus = "awaiting_input"
	// SessionError indicates the last iteration or merge failed.
	SessionError SessionStatus = "error"
	// SessionDone indicates the session is finished; only cleanup may mutate it.
	SessionDone SessionStatus = "done"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionIdle, SessionRunning, SessionAwaitingInput, SessionError, SessionDone:
		return true
	default:
		return false
	}
}

// SessionMode distinguishes fire-and-collect runs from interactive chat.
type SessionMode string

const (
	// ModeAsync runs the agent once per iteration and collects the result.
	ModeAsync SessionMode = "async"
	// ModeInteractive keeps the agent alive with stdin open.
	ModeInteractive SessionMode = "interactive"
)

// Valid returns true if the mode is a known value.
func (m SessionMode) Valid() bool {
	return m == ModeAsync || m == ModeInteractive
}

// Session is a branch-scoped unit of agent work. Each session owns one git
// worktree and one branch; its iterations, tool calls, stream events, and
// merge history hang off it.
type Session struct {
	// ID is the stable opaque identifier for this session.
	ID string `json:"id"`
	// Name is the human-readable label the branch slug derives from.
	Name string `json:"name"`
	// InitialPrompt is the prompt handed to the agent on the first iteration.
	InitialPrompt string `json:"initial_prompt"`
	// RepoRoot is the absolute path of the repository's main checkout.
	RepoRoot string `json:"repo_root"`
	// BaseBranch is the branch the session forked from and merges back to.
	BaseBranch string `json:"base_branch"`
	// BranchName is the session branch, agent/<slug>/<stamp>.
	BranchName string `json:"branch_name"`
	// WorktreePath is the session's isolated working directory.
	WorktreePath string `json:"worktree_path"`
	// Status is the current lifecycle state.
	Status SessionStatus `json:"status"`
	// ScriptCommand is an optional test command run after each iteration.
	ScriptCommand string `json:"script_command,omitempty"`
	// ModelOverride pins the agent model for this session, if set.
	ModelOverride string `json:"model_override,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// LastRun is when the most recent iteration started, if any.
	LastRun *time.Time `json:"last_run,omitempty"`
	// Notes carries a one-sentence explanation for error states.
	Notes string `json:"notes,omitempty"`
	// AutoCommit commits dirty worktrees after each iteration when true.
	AutoCommit bool `json:"auto_commit"`
	// ThreadID is the agent-issued conversation id, once known.
	ThreadID string `json:"thread_id,omitempty"`
	// Mode is async or interactive.
	Mode SessionMode `json:"mode"`
}

// TestResult classifies the outcome of a session's script command.
type TestResult string

const (
	TestPass TestResult = "pass"
	TestFail TestResult = "fail"
	TestNone TestResult = "none"
)

// Valid returns true if the result is a known value.
func (r TestResult) Valid() bool {
	return r == TestPass || r == TestFail || r == TestNone
}

// TokenUsage aggregates token counts for an iteration or session.
type TokenUsage struct {
	// PromptTokens is the count of tokens sent to the model.
	PromptTokens int64 `json:"prompt_tokens"`
	// CompletionTokens is the count of tokens produced by the model.
	CompletionTokens int64 `json:"completion_tokens"`
	// TotalTokens is prompt plus completion as reported by the agent.
	TotalTokens int64 `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Iteration is one agent run within a session, ending with an optional commit.
type Iteration struct {
	// ID is the unique identifier for this iteration.
	ID string `json:"id"`
	// SessionID is the owning session.
	SessionID string `json:"session_id"`
	// StartedAt is when the iteration began.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the iteration finished, if it has.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// CommitSha is the auto-commit produced by this iteration, if any.
	CommitSha string `json:"commit_sha,omitempty"`
	// FilesChanged, LinesAdded, and LinesDeleted come from git numstat.
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesDeleted int `json:"lines_deleted"`
	// TestResult is the script-command outcome.
	TestResult TestResult `json:"test_result"`
	// TestExitCode is the script command's exit code, when it ran.
	TestExitCode *int `json:"test_exit_code,omitempty"`
	// Model is the model the agent reported using, if any.
	Model string `json:"model,omitempty"`
	// AgentVersion is the agent CLI version, if reported.
	AgentVersion string `json:"agent_version,omitempty"`
	// ExitCode is the agent process exit code.
	ExitCode *int `json:"exit_code,omitempty"`
	// TokenUsage aggregates the iteration's token counts.
	TokenUsage TokenUsage `json:"token_usage"`
	// ThreadID is the thread this iteration ran on, if known.
	ThreadID string `json:"thread_id,omitempty"`
}

// Duration returns the elapsed wall time, or zero if the iteration is open.
func (it *Iteration) Duration() time.Duration {
	if it.EndedAt == nil {
		return 0
	}
	return it.EndedAt.Sub(it.StartedAt)
}
