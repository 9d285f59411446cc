package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/pkg/models"
)

// RunResult summarizes one completed agent run.
type RunResult struct {
	// ExitCode is the process exit code, or the result event's when the
	// agent reported one.
	ExitCode int
	// ThreadID is the agent-issued thread id observed during the run.
	// Empty when the agent never emitted an init event.
	ThreadID string
	// ThreadReplaced is true when the supplied thread id was rejected
	// and the run completed on a fresh thread.
	ThreadReplaced bool
	// Model and AgentVersion come from the init event, when present.
	Model        string
	AgentVersion string
	// Usage aggregates every usage report plus the result event's count.
	Usage models.TokenUsage
	// ToolCalls lists every tool invocation in emission order, paired
	// with results where results arrived.
	ToolCalls []models.ToolCall
	// ErrorMessage is the last agent error event's text, if any.
	ErrorMessage string
	// Stderr is the captured standard error, for diagnostics.
	Stderr string
}

// Run executes one agent iteration to completion. If the supplied
// thread id is rejected by the agent the process is stopped and
// respawned without a thread flag; the replacement id is captured from
// the fresh init event. The caller persists whatever ThreadID comes
// back — ids are only ever agent-issued.
func (a *Adapter) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	hintBefore := a.lastThreadHint()
	res, err := a.runOnce(ctx, opts)
	if err != nil {
		return res, err
	}
	if opts.ThreadID != "" && threadRejected(res.ErrorMessage) {
		a.log.Warn("agent rejected thread id, respawning fresh",
			zap.String("thread_id", opts.ThreadID))
		fresh := opts
		fresh.ThreadID = ""
		res, err = a.runOnce(ctx, fresh)
		if res != nil {
			res.ThreadReplaced = true
		}
	}
	// Some agent builds never emit an init event. The state file is
	// still agent-written, so a value that appeared during this run is
	// authoritative; a pre-existing one is another session's and stays
	// ignored.
	if err == nil && res.ThreadID == "" {
		if hint := a.lastThreadHint(); hint != "" && hint != hintBefore {
			a.log.Debug("thread id recovered from state file", zap.String("thread_id", hint))
			res.ThreadID = hint
		}
	}
	return res, err
}

// runOnce spawns the agent and consumes its stdout until exit.
func (a *Adapter) runOnce(ctx context.Context, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := a.buildArgs(opts)
	cmd := exec.CommandContext(cctx, a.bin, args...)
	cmd.Dir = opts.WorktreePath
	cmd.Env = a.env()
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, a.classifySpawnError(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, a.classifySpawnError(err)
	}
	a.log.Debug("agent spawned",
		zap.String("dir", opts.WorktreePath),
		zap.Bool("continuing_thread", opts.ThreadID != ""))

	collector := newRunCollector()
	parser := NewStreamParser(a.log)
	parser.Prose = opts.OnProse

	reader := bufio.NewReader(stdout)
	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			now := time.Now()
			for _, raw := range parser.Feed(buf[:n]) {
				ev, ok := classify(raw, now)
				if !ok {
					continue
				}
				collector.observe(ev)
				if opts.OnEvent != nil {
					opts.OnEvent(ev)
				}
				// A rejected thread never recovers; stop reading
				// and let the respawn take over.
				if ev.Type == models.EventError && opts.ThreadID != "" && threadRejected(ev.Message) {
					cancel()
				}
			}
		}
		if readErr != nil {
			parser.Flush()
			break
		}
	}

	waitErr := cmd.Wait()
	res := collector.result()
	res.Stderr = stderr.String()

	if waitErr != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res, &models.OpError{
				Kind: models.ErrAgentTimeout,
				Op:   "agent.run",
				Path: opts.WorktreePath,
				Hint: "iteration exceeded " + timeout.String(),
				Err:  context.DeadlineExceeded,
			}
		}
		// A deliberate cancel after thread rejection is not a failure;
		// the caller respawns.
		if opts.ThreadID != "" && threadRejected(res.ErrorMessage) {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &models.OpError{Kind: models.ErrUnknown, Op: "agent.run", Err: waitErr}
	}
	return res, nil
}

// runCollector accumulates typed events into a RunResult, pairing tool
// results with their starts by tool id.
type runCollector struct {
	res     RunResult
	calls   []*models.ToolCall
	pending map[string]*models.ToolCall
}

func newRunCollector() *runCollector {
	return &runCollector{pending: make(map[string]*models.ToolCall)}
}

func (c *runCollector) observe(ev Event) {
	switch ev.Type {
	case models.EventSystem:
		if ev.ThreadID != "" {
			c.res.ThreadID = ev.ThreadID
		}
		if ev.Model != "" {
			c.res.Model = ev.Model
		}
		if ev.AgentVersion != "" {
			c.res.AgentVersion = ev.AgentVersion
		}
	case models.EventToolUse:
		if ev.Tool == nil || ev.Tool.ID == "" {
			return
		}
		args, truncated := truncateArgs(ev.Tool.ArgsJSON)
		tc := &models.ToolCall{
			ID:        ev.Tool.ID,
			Timestamp: ev.Timestamp,
			ToolName:  ev.Tool.Name,
			ArgsJSON:  args,
		}
		if truncated {
			tc.RawJSON = string(ev.Raw)
		}
		c.calls = append(c.calls, tc)
		c.pending[tc.ID] = tc
	case models.EventToolResult:
		if ev.Tool == nil || ev.Tool.ID == "" {
			return
		}
		tc, ok := c.pending[ev.Tool.ID]
		if !ok {
			// A finish with no start: recorded, flagged, never paired.
			orphan := &models.ToolCall{
				ID:        ev.Tool.ID,
				Timestamp: ev.Timestamp,
				Success:   ev.Tool.Success,
				Orphan:    true,
			}
			c.calls = append(c.calls, orphan)
			return
		}
		delete(c.pending, ev.Tool.ID)
		tc.Success = ev.Tool.Success
		tc.DurationMs = ev.Timestamp.Sub(tc.Timestamp).Milliseconds()
	case models.EventUsage:
		if ev.Usage != nil {
			c.res.Usage.Add(*ev.Usage)
		}
		if ev.Model != "" && c.res.Model == "" {
			c.res.Model = ev.Model
		}
	case models.EventResult:
		if ev.Result != nil {
			c.res.ExitCode = ev.Result.ExitCode
			// The terminal record supersedes incremental reports when
			// it carries a larger total.
			if ev.Result.Usage.TotalTokens > c.res.Usage.TotalTokens {
				c.res.Usage = ev.Result.Usage
			}
		}
	case models.EventError:
		if ev.Message != "" {
			c.res.ErrorMessage = ev.Message
		}
	}
}

func (c *runCollector) result() *RunResult {
	res := c.res
	res.ToolCalls = make([]models.ToolCall, len(c.calls))
	for i, tc := range c.calls {
		res.ToolCalls[i] = *tc
	}
	return &res
}

// Version asks the agent binary for its version string.
func (a *Adapter) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.bin, "--version").Output()
	if err != nil {
		return "", a.classifySpawnError(err)
	}
	return strings.TrimSpace(string(out)), nil
}
