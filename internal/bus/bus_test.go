package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// collectSink records every event it consumes.
type collectSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Consume(_ context.Context, ev Event) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishRefusesAnonymousEvents(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	err := b.Publish(context.Background(), Event{Kind: KindStream})
	if !models.IsKind(err, models.ErrBadInput) {
		t.Fatalf("expected bad_input, got %v", err)
	}
	if err := b.Publish(context.Background(), Event{Kind: KindBatchProgress, RunID: "r1"}); err != nil {
		t.Fatalf("run-scoped event refused: %v", err)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	b := New(8, nil)
	sink := &collectSink{}
	b.AddSink(sink)

	for i := 0; i < 5; i++ {
		ev := Event{
			Kind:      KindStream,
			SessionID: "s1",
			Payload:   models.StreamEvent{SessionID: "s1", Seq: int64(i)},
		}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	b.Close()

	got := sink.all()
	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, ev := range got {
		se := ev.Payload.(models.StreamEvent)
		if se.Seq != int64(i) {
			t.Errorf("event %d has seq %d", i, se.Seq)
		}
	}
}

func TestPublishBlocksOnFullQueue(t *testing.T) {
	b := New(1, nil)
	defer b.Close()
	sink := &collectSink{block: make(chan struct{})}
	b.AddSink(sink)

	ev := Event{Kind: KindStream, SessionID: "s1", Payload: models.StreamEvent{}}
	// First publish is taken by the drain goroutine and parks on block;
	// second fills the queue; third must block until ctx expires.
	for i := 0; i < 2; i++ {
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, ev); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}
	close(sink.block)
}

func TestSubscribeCancelUnblocksPublisher(t *testing.T) {
	b := New(1, nil)
	defer b.Close()
	_, cancel := b.Subscribe()

	ev := Event{Kind: KindStream, SessionID: "s1", Payload: models.StreamEvent{}}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), ev) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish after cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after subscriber cancel")
	}
}

func TestNDJSONSinkWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1.ndjson")
	sink, err := NewNDJSONSink(path)
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = sink.Consume(context.Background(), Event{
		Kind:        KindToolCall,
		SessionID:   "s1",
		IterationID: "i1",
		Timestamp:   ts,
		Payload:     models.ToolCall{ID: "t1", ToolName: "edit_file"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file is empty")
	}
	var line ndjsonLine
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if line.Type != "tool_call" || line.SessionID != "s1" || line.IterationID != "i1" {
		t.Errorf("line = %+v", line)
	}
	if !line.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", line.Timestamp, ts)
	}
	if scanner.Scan() {
		t.Error("expected exactly one line")
	}
}
