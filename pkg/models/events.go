package models

import "time"

// EventType classifies a stream event emitted by the agent adapter.
type EventType string

const (
	EventSystem     EventType = "system"
	EventUser       EventType = "user"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Valid returns true if the event type is a known value.
func (t EventType) Valid() bool {
	switch t {
	case EventSystem, EventUser, EventAssistant, EventToolUse,
		EventToolResult, EventUsage, EventResult, EventError:
		return true
	default:
		return false
	}
}

// StreamEvent is one raw, ordered event from the agent, retained verbatim
// for replay. Seq is monotonic within a session and assigned by the store.
type StreamEvent struct {
	// Seq orders events within a session; assigned on persist.
	Seq int64 `json:"seq"`
	// SessionID is the owning session.
	SessionID string `json:"session_id"`
	// IterationID is the iteration in flight when the event arrived, if any.
	IterationID string `json:"iteration_id,omitempty"`
	// Type is the event classification.
	Type EventType `json:"type"`
	// Timestamp is when the adapter observed the event.
	Timestamp time.Time `json:"timestamp"`
	// DataJSON is the verbatim JSON payload, unknown fields included.
	DataJSON string `json:"data_json"`
}

// ToolCall is one tool invocation emitted by the agent, paired from
// tool_use/tool_result events by tool id.
type ToolCall struct {
	// ID is the agent-issued tool id, unique within a session.
	ID string `json:"id"`
	// SessionID is the owning session.
	SessionID string `json:"session_id"`
	// IterationID is the iteration this call ran in.
	IterationID string `json:"iteration_id"`
	// Timestamp is when the tool_use event arrived.
	Timestamp time.Time `json:"timestamp"`
	// ToolName is the tool identifier, e.g. "edit_file".
	ToolName string `json:"tool_name"`
	// ArgsJSON is the invocation arguments, truncated for large payloads.
	ArgsJSON string `json:"args_json,omitempty"`
	// Success is false until a tool_result reports otherwise.
	Success bool `json:"success"`
	// DurationMs is result timestamp minus use timestamp, when paired.
	DurationMs int64 `json:"duration_ms,omitempty"`
	// Orphan marks a tool_result that arrived without a matching tool_use.
	Orphan bool `json:"orphan,omitempty"`
	// RawJSON preserves the original tool_use payload when truncation applied.
	RawJSON string `json:"raw_json,omitempty"`
}

// Thread is a conversation identifier owned by the agent CLI. Ids are
// authoritative only when issued by the agent; the orchestrator never mints
// them.
type Thread struct {
	// ID is the agent-issued thread id.
	ID string `json:"id"`
	// SessionID is the session the thread is attached to.
	SessionID string `json:"session_id"`
	// Title is a display label, usually the session name.
	Title string `json:"title,omitempty"`
	// CreatedAt is when the mapping was first persisted.
	CreatedAt time.Time `json:"created_at"`
	// LastMessageAt is when the thread last saw traffic.
	LastMessageAt time.Time `json:"last_message_at"`
	// MessageCount is the number of user/assistant turns observed.
	MessageCount int `json:"message_count"`
}
