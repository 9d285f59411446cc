package agent

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/pkg/models"
)

// HandleState is the lifecycle of an interactive agent process.
type HandleState string

const (
	HandleStarting HandleState = "starting"
	HandleReady    HandleState = "ready"
	HandleBusy     HandleState = "busy"
	HandleClosed   HandleState = "closed"
)

// Handle is one live interactive agent process. Events carry the
// handle's id so consumers can discard traffic from a stale handle
// after switching threads.
type Handle struct {
	// ID is this handle's stable opaque identifier.
	ID string
	// SessionID is the owning session.
	SessionID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	log    *logging.Logger

	mu      sync.Mutex
	state   HandleState
	thread  string
	events  chan HandleEvent
	done    chan struct{}
	stopped bool
}

// HandleEvent is one occurrence on an interactive handle: a state
// change, a streaming event, or an error.
type HandleEvent struct {
	// HandleID tags the event with its origin handle.
	HandleID string
	// State is set on lifecycle transitions.
	State HandleState
	// Event is set when the agent emitted a streaming event.
	Event *Event
	// Prose is interleaved non-JSON stdout text.
	Prose string
	// Err is set on process or parse errors.
	Err error
}

// StartHandle spawns the agent in keep-alive mode with stdin open. The
// returned handle's Events channel closes when the process exits.
func (a *Adapter) StartHandle(ctx context.Context, sessionID, worktreePath, threadID string) (*Handle, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(ctx)
	args := a.buildArgs(RunOptions{ThreadID: threadID})
	cmd := exec.CommandContext(hctx, a.bin, args...)
	cmd.Dir = worktreePath
	cmd.Env = a.env()
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, a.classifySpawnError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, a.classifySpawnError(err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, a.classifySpawnError(err)
	}

	h := &Handle{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		log:       a.log.WithSession(sessionID),
		state:     HandleStarting,
		thread:    threadID,
		events:    make(chan HandleEvent, 256),
		done:      make(chan struct{}),
	}
	go h.readLoop(a, stdout)
	h.emit(HandleEvent{HandleID: h.ID, State: HandleStarting})
	return h, nil
}

// Events returns the handle's event stream. The channel closes after
// the process exits and the final closed state is delivered.
func (h *Handle) Events() <-chan HandleEvent { return h.events }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ThreadID returns the agent-issued thread id observed so far.
func (h *Handle) ThreadID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.thread
}

// Send writes one framed user message to the agent's stdin. Fails with
// HandleNotReady unless the handle is ready.
func (h *Handle) Send(text string) error {
	h.mu.Lock()
	if h.state != HandleReady {
		state := h.state
		h.mu.Unlock()
		return &models.OpError{
			Kind: models.ErrHandleNotReady,
			Op:   "agent.send",
			Hint: "handle state is " + string(state),
		}
	}
	h.state = HandleBusy
	h.mu.Unlock()

	h.emit(HandleEvent{HandleID: h.ID, State: HandleBusy})
	_, err := io.WriteString(h.stdin, text+"\n")
	return err
}

// Stop closes stdin and waits for a graceful exit, forcing termination
// after the grace period. Safe to call more than once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.stdin.Close()
	select {
	case <-h.done:
	case <-time.After(stopGrace):
		h.cancel()
		<-h.done
	}
	return nil
}

func (h *Handle) setState(s HandleState) {
	h.mu.Lock()
	changed := h.state != s && h.state != HandleClosed
	if changed {
		h.state = s
	}
	h.mu.Unlock()
	if changed {
		h.emit(HandleEvent{HandleID: h.ID, State: s})
	}
}

// emit delivers without ever blocking the read loop; a consumer that
// stops draining loses events rather than wedging the process.
func (h *Handle) emit(ev HandleEvent) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("interactive handle queue full, dropping event",
			zap.String("handle_id", h.ID))
	}
}

func (h *Handle) readLoop(a *Adapter, stdout io.Reader) {
	defer close(h.done)
	defer close(h.events)

	parser := NewStreamParser(a.log)
	parser.Prose = func(text string) {
		h.emit(HandleEvent{HandleID: h.ID, Prose: text})
	}

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
				h.observe(ev)
				e := ev
				h.emit(HandleEvent{HandleID: h.ID, Event: &e})
			}
		}
		if readErr != nil {
			parser.Flush()
			break
		}
	}

	if err := h.cmd.Wait(); err != nil {
		h.mu.Lock()
		stopped := h.stopped
		h.mu.Unlock()
		if !stopped {
			h.emit(HandleEvent{HandleID: h.ID, Err: err})
		}
	}
	h.setState(HandleClosed)
}

// observe tracks state transitions driven by the event stream: init
// means the agent is ready for input, a result means the turn finished.
func (h *Handle) observe(ev Event) {
	switch ev.Type {
	case models.EventSystem:
		if ev.ThreadID != "" {
			h.mu.Lock()
			h.thread = ev.ThreadID
			h.mu.Unlock()
		}
		h.setState(HandleReady)
	case models.EventResult:
		h.setState(HandleReady)
	}
}
