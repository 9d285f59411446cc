package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

func feedAll(t *testing.T, p *StreamParser, chunks ...string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, c := range chunks {
		out = append(out, p.Feed([]byte(c))...)
	}
	return out
}

func TestParserProseAndMultiLineObjects(t *testing.T) {
	var prose []string
	p := NewStreamParser(nil)
	p.Prose = func(text string) { prose = append(prose, text) }

	input := "prose\n{\n  \"type\": \"system\",\n  \"session_id\": \"T-1\"\n}\n" +
		"{\"type\":\"usage\",\"prompt\":10,\"completion\":5,\"total\":15}\n"
	events := feedAll(t, p, input)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	ev0, ok := classify(events[0], time.Now())
	if !ok || ev0.Type != models.EventSystem {
		t.Fatalf("event 0 = %+v", ev0)
	}
	if ev0.ThreadID != "T-1" {
		t.Errorf("thread id = %q, want T-1", ev0.ThreadID)
	}

	ev1, ok := classify(events[1], time.Now())
	if !ok || ev1.Type != models.EventUsage {
		t.Fatalf("event 1 = %+v", ev1)
	}
	if ev1.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", ev1.Usage.TotalTokens)
	}

	if len(prose) != 1 || prose[0] != "prose" {
		t.Errorf("prose = %q", prose)
	}
}

func TestParserConcatenatedObjectsOnOneLine(t *testing.T) {
	p := NewStreamParser(nil)
	events := feedAll(t, p, `{"type":"user"}{"type":"assistant","text":"hi"}`)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestParserSplitAcrossReads(t *testing.T) {
	p := NewStreamParser(nil)
	whole := `{"type":"assistant","text":"a long {braced} message"}`
	var events []json.RawMessage
	// One byte at a time is the worst case split.
	for i := 0; i < len(whole); i++ {
		events = append(events, p.Feed([]byte{whole[i]})...)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0]) != whole {
		t.Errorf("event = %s", events[0])
	}
}

func TestParserBracesInsideStrings(t *testing.T) {
	p := NewStreamParser(nil)
	input := `{"type":"assistant","text":"code: if x { return \"}\" }"}`
	events := feedAll(t, p, input)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(events[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(decoded.Text, `"}"`) {
		t.Errorf("text = %q", decoded.Text)
	}
}

func TestParserEscapedQuotes(t *testing.T) {
	p := NewStreamParser(nil)
	events := feedAll(t, p, `{"type":"user","text":"say \"hello\" {now}"}`)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestParserDropsBalancedGarbage(t *testing.T) {
	p := NewStreamParser(nil)
	// Balanced braces but invalid JSON must be discarded without
	// blocking later events.
	events := feedAll(t, p, `{not json}{"type":"result"}`)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var w struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(events[0], &w); err != nil || w.Type != "result" {
		t.Errorf("surviving event = %s", events[0])
	}
}

func TestParserOverflowTrimsToLastBrace(t *testing.T) {
	p := NewStreamParser(nil)
	// An unterminated object larger than the safety threshold,
	// followed by a fresh object start.
	junk := `{"type":"assistant","text":"` + strings.Repeat("x", maxBufferSize) + `{"type":`
	if out := p.Feed([]byte(junk)); len(out) != 0 {
		t.Fatalf("unexpected events from junk: %d", len(out))
	}
	if len(p.buf) > maxBufferSize {
		t.Fatalf("buffer not trimmed: %d bytes", len(p.buf))
	}
	// The retained tail must still complete into a valid event.
	events := p.Feed([]byte(`"result"}`))
	if len(events) != 1 {
		t.Fatalf("got %d events after trim, want 1", len(events))
	}
}

func TestParserFlushEmitsTrailingProse(t *testing.T) {
	var prose []string
	p := NewStreamParser(nil)
	p.Prose = func(text string) { prose = append(prose, text) }

	p.Feed([]byte(`trailing text {"type":"incomplete`))
	p.Flush()
	if len(prose) != 2 {
		t.Fatalf("prose = %q", prose)
	}
	if prose[0] != "trailing text" {
		t.Errorf("prose[0] = %q", prose[0])
	}
}

func TestClassifyToolEvents(t *testing.T) {
	use, ok := classify(json.RawMessage(`{"type":"tool_use","id":"t1","name":"edit_file","args":{"path":"main.go"}}`), time.Now())
	if !ok || use.Tool == nil {
		t.Fatalf("tool_use = %+v", use)
	}
	if use.Tool.ID != "t1" || use.Tool.Name != "edit_file" {
		t.Errorf("tool = %+v", use.Tool)
	}
	if use.FilePath() != "main.go" {
		t.Errorf("file path = %q", use.FilePath())
	}

	res, ok := classify(json.RawMessage(`{"type":"tool_result","tool_id":"t1","success":true}`), time.Now())
	if !ok || res.Tool == nil || !res.Tool.Success {
		t.Fatalf("tool_result = %+v", res)
	}

	// Missing success field means not failed.
	res2, _ := classify(json.RawMessage(`{"type":"tool_result","tool_id":"t2"}`), time.Now())
	if !res2.Tool.Success {
		t.Error("absent success should read as true")
	}
}

func TestClassifyUnknownTypePassesThrough(t *testing.T) {
	ev, ok := classify(json.RawMessage(`{"type":"telemetry","data":{"a":1}}`), time.Now())
	if !ok {
		t.Fatal("unknown type should still classify")
	}
	if ev.Type != "telemetry" {
		t.Errorf("type = %q", ev.Type)
	}
	if len(ev.Raw) == 0 {
		t.Error("raw payload must be preserved")
	}
}

func TestToolCallPairing(t *testing.T) {
	c := newRunCollector()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	use, _ := classify(json.RawMessage(`{"type":"tool_use","id":"t1","name":"read_file"}`), base)
	c.observe(use)
	res, _ := classify(json.RawMessage(`{"type":"tool_result","tool_id":"t1","success":true}`), base.Add(250*time.Millisecond))
	c.observe(res)

	// A finish with no start becomes an orphan.
	orphan, _ := classify(json.RawMessage(`{"type":"tool_result","tool_id":"ghost"}`), base.Add(time.Second))
	c.observe(orphan)

	got := c.result()
	if len(got.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(got.ToolCalls))
	}
	first := got.ToolCalls[0]
	if !first.Success || first.DurationMs != 250 {
		t.Errorf("paired call = %+v", first)
	}
	if !got.ToolCalls[1].Orphan {
		t.Error("unmatched finish should be an orphan")
	}
}
