package agent

import (
	"encoding/json"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// maxArgsBytes truncates tool-call argument payloads before persistence;
// the full payload stays on the tool call's RawJSON.
const maxArgsBytes = 8 * 1024

// Event is one normalized occurrence from the agent process. Type
// discriminates which of the optional payload fields is set; Raw always
// carries the verbatim JSON.
type Event struct {
	// Type is the wire event type. Unknown types pass through verbatim
	// so consumers can persist them for forward compatibility.
	Type models.EventType
	// Timestamp is when the adapter observed the event.
	Timestamp time.Time
	// Raw is the original JSON object, unmodified.
	Raw json.RawMessage

	// ThreadID is set on system init events; it is the agent-issued
	// conversation id and the only authoritative source of thread ids.
	ThreadID string
	// Model is the model named by init or usage events, when present.
	Model string
	// AgentVersion is the agent CLI version from init events.
	AgentVersion string
	// Text is assistant or user content, when present.
	Text string
	// Tool is set on tool_use and tool_result events.
	Tool *ToolEvent
	// Usage is set on usage events; counts may be incremental.
	Usage *models.TokenUsage
	// Result is set on the terminal result event.
	Result *ResultEvent
	// Message is the error text on error events.
	Message string
}

// ToolEvent is the tool-specific half of a tool_use or tool_result.
type ToolEvent struct {
	// ID pairs a tool_result with its tool_use.
	ID string
	// Name is the tool identifier; set on tool_use.
	Name string
	// ArgsJSON is the invocation arguments; set on tool_use.
	ArgsJSON string
	// Success reports the outcome; set on tool_result.
	Success bool
}

// ResultEvent is the agent's terminal record for a run.
type ResultEvent struct {
	ExitCode int
	Usage    models.TokenUsage
}

// wireEvent is the superset of fields the agent emits across event
// types. Absent fields stay zero.
type wireEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system init
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Model     string `json:"model,omitempty"`

	// user / assistant / error
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`

	// tool_use / tool_result
	ID      string          `json:"id,omitempty"`
	ToolID  string          `json:"tool_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Success *bool           `json:"success,omitempty"`

	// usage / result
	Prompt     int64           `json:"prompt,omitempty"`
	Completion int64           `json:"completion,omitempty"`
	Total      int64           `json:"total,omitempty"`
	Usage      *wireUsage      `json:"usage,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Path       string          `json:"path,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type wireUsage struct {
	Prompt     int64 `json:"prompt,omitempty"`
	Completion int64 `json:"completion,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// classify decodes one raw JSON object into a typed Event. Objects
// without a type field are not events and return false.
func classify(raw json.RawMessage, now time.Time) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil || w.Type == "" {
		return Event{}, false
	}

	ev := Event{Type: models.EventType(w.Type), Timestamp: now, Raw: raw}
	switch w.Type {
	case "system":
		// The thread id historically arrived as session_id; newer
		// agents send thread_id. Either is authoritative.
		ev.ThreadID = w.ThreadID
		if ev.ThreadID == "" {
			ev.ThreadID = w.SessionID
		}
		ev.Model = w.Model
		ev.AgentVersion = w.Version
	case "user", "assistant":
		ev.Text = w.Text
		if ev.Text == "" {
			ev.Text = w.Message
		}
	case "tool_use":
		args := w.Args
		if args == nil {
			args = w.Input
		}
		ev.Tool = &ToolEvent{
			ID:       firstOf(w.ID, w.ToolID),
			Name:     firstOf(w.Name, w.Tool),
			ArgsJSON: string(args),
		}
	case "tool_result":
		// A missing success field means the tool did not fail.
		ev.Tool = &ToolEvent{
			ID:      firstOf(w.ToolID, w.ID),
			Success: w.Success == nil || *w.Success,
		}
	case "usage", "token_usage":
		ev.Type = models.EventUsage
		ev.Model = w.Model
		ev.Usage = &models.TokenUsage{
			PromptTokens:     w.Prompt,
			CompletionTokens: w.Completion,
			TotalTokens:      w.Total,
		}
		if w.Usage != nil {
			ev.Usage.PromptTokens += w.Usage.Prompt
			ev.Usage.CompletionTokens += w.Usage.Completion
			ev.Usage.TotalTokens += w.Usage.Total
		}
		if ev.Usage.TotalTokens == 0 {
			ev.Usage.TotalTokens = ev.Usage.PromptTokens + ev.Usage.CompletionTokens
		}
	case "result":
		r := &ResultEvent{}
		if w.ExitCode != nil {
			r.ExitCode = *w.ExitCode
		}
		if w.Usage != nil {
			r.Usage = models.TokenUsage{
				PromptTokens:     w.Usage.Prompt,
				CompletionTokens: w.Usage.Completion,
				TotalTokens:      w.Usage.Total,
			}
		}
		ev.Result = r
	case "error":
		ev.Message = firstOf(w.Message, w.Text)
	}
	return ev, true
}

// FilePath extracts the edited file path from a tool_use payload, when
// the tool's arguments name one. Used for provenance rows only.
func (e *Event) FilePath() string {
	if e.Tool == nil || e.Tool.ArgsJSON == "" {
		return ""
	}
	var args struct {
		Path     string `json:"path"`
		File     string `json:"file"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal([]byte(e.Tool.ArgsJSON), &args); err != nil {
		return ""
	}
	return firstOf(args.Path, args.FilePath, args.File)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncateArgs caps an argument payload for persistence.
func truncateArgs(args string) (trimmed string, truncated bool) {
	if len(args) <= maxArgsBytes {
		return args, false
	}
	return args[:maxArgsBytes], true
}
