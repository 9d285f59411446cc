package agent

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/logging"
)

// maxBufferSize bounds the parser's unconsumed buffer. If this much
// accumulates without yielding an event the buffer is trimmed to the
// last open brace, or cleared when none remains.
const maxBufferSize = 50 * 1024

// StreamParser extracts JSON objects from an agent's stdout. The agent
// interleaves prose with JSON events; events may be pretty-printed
// across lines, concatenated on one line, or split across reads. The
// parser balances braces while tracking string and escape state, so it
// needs no framing from the agent at all.
//
// One parser serves one process; the buffer is never shared.
type StreamParser struct {
	buf []byte
	log *logging.Logger

	// Prose, when set, receives the non-JSON text skipped between
	// events. It is forwarded verbatim for display, never parsed.
	Prose func(text string)
}

// NewStreamParser creates a parser.
func NewStreamParser(log *logging.Logger) *StreamParser {
	if log == nil {
		log = logging.Nop()
	}
	return &StreamParser{log: log.WithComponent("agent.parser")}
}

// Feed appends chunk and returns every complete JSON object now
// available, in stream order. Slices that balance but fail to parse are
// dropped.
func (p *StreamParser) Feed(chunk []byte) []json.RawMessage {
	p.buf = append(p.buf, chunk...)

	var events []json.RawMessage
	for {
		start := bytes.IndexByte(p.buf, '{')
		if start < 0 {
			p.emitProse(p.buf)
			p.buf = p.buf[:0]
			break
		}
		p.emitProse(p.buf[:start])

		end, ok := matchBrace(p.buf[start:])
		if !ok {
			// Incomplete object; keep the suffix from the brace.
			p.buf = append(p.buf[:0], p.buf[start:]...)
			p.enforceLimit()
			break
		}
		candidate := p.buf[start : start+end]
		if json.Valid(candidate) {
			ev := make(json.RawMessage, len(candidate))
			copy(ev, candidate)
			events = append(events, ev)
		} else {
			p.log.Debug("dropping unparseable balanced slice", zap.Int("bytes", len(candidate)))
		}
		p.buf = append(p.buf[:0], p.buf[start+end:]...)
	}
	return events
}

// Flush returns any text still buffered as prose and clears the buffer.
// Call at EOF; a trailing unterminated object is surfaced as prose.
func (p *StreamParser) Flush() {
	p.emitProse(p.buf)
	p.buf = p.buf[:0]
}

func (p *StreamParser) emitProse(b []byte) {
	if p.Prose == nil {
		return
	}
	text := string(bytes.TrimSpace(b))
	if text != "" {
		p.Prose(text)
	}
}

// enforceLimit trims a buffer that grew past maxBufferSize without
// producing an event.
func (p *StreamParser) enforceLimit() {
	if len(p.buf) <= maxBufferSize {
		return
	}
	if last := bytes.LastIndexByte(p.buf[1:], '{'); last >= 0 {
		p.log.Warn("parser buffer over limit, trimming to last open brace",
			zap.Int("bytes", len(p.buf)))
		p.buf = append(p.buf[:0], p.buf[last+1:]...)
		return
	}
	p.log.Warn("parser buffer over limit with no open brace, clearing",
		zap.Int("bytes", len(p.buf)))
	p.buf = p.buf[:0]
}

// matchBrace scans b, which must begin with '{', and returns the index
// one past the matching close brace. Strings and escapes are respected
// so braces inside payload text do not unbalance the scan.
func matchBrace(b []byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
