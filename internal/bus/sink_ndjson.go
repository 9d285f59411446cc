package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NDJSONSink appends events to a file, one JSON object per line, for
// benchmark and audit consumption. The file is synced on close.
type NDJSONSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// ndjsonLine is the on-disk record shape.
type ndjsonLine struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId,omitempty"`
	IterationID string    `json:"iterationId,omitempty"`
	RunID       string    `json:"runId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data"`
}

// NewNDJSONSink opens (appending) the log file at path, creating parent
// directories as needed.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &NDJSONSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Name identifies the sink in logs.
func (s *NDJSONSink) Name() string { return "ndjson:" + filepath.Base(s.path) }

// Consume appends one line.
func (s *NDJSONSink) Consume(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ndjsonLine{
		Type:        string(ev.Kind),
		SessionID:   ev.SessionID,
		IterationID: ev.IterationID,
		RunID:       ev.RunID,
		Timestamp:   ev.Timestamp.UTC(),
		Data:        ev.Payload,
	})
}

// Close syncs and closes the log file.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

var _ Sink = (*NDJSONSink)(nil)
