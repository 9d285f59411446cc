// Package agent spawns the external agent CLI and normalizes its
// streaming JSON stdout into typed events. Two modes are supported:
// one-shot iterations that run to completion, and interactive handles
// that keep stdin open for chat.
package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/config"
	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/pkg/models"
)

const (
	// DefaultRunTimeout bounds one iteration when the caller passes none.
	DefaultRunTimeout = 30 * time.Minute

	// stopGrace is how long a process gets between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second
)

// Adapter builds and runs agent processes. One adapter serves the whole
// process; per-run state lives on the run, never on the adapter.
type Adapter struct {
	bin      string
	baseArgs []string
	jsonl    bool
	authCmd  string
	timeout  time.Duration
	log      *logging.Logger

	authOnce sync.Once
	authErr  error
	token    string

	hintPath string
	hintOnce sync.Once
	hint     *ThreadHint
}

// New creates an adapter from configuration. cfg.Args is split with
// shell quoting rules; a malformed value fails here rather than at
// first spawn.
func New(cfg config.AgentConfig, log *logging.Logger) (*Adapter, error) {
	if log == nil {
		log = logging.Nop()
	}
	baseArgs, err := shellquote.Split(cfg.Args)
	if err != nil {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "agent.new",
			Hint: "AMP_ARGS is not valid shell quoting",
			Err:  err,
		}
	}
	bin := cfg.Bin
	if bin == "" {
		bin = "amp"
	}
	timeout := time.Duration(cfg.TimeoutMin) * time.Minute
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Adapter{
		bin:      bin,
		baseArgs: baseArgs,
		jsonl:    cfg.JSONL,
		authCmd:  cfg.AuthCmd,
		token:    cfg.Token,
		timeout:  timeout,
		hintPath: DefaultThreadHintPath(),
		log:      log.WithComponent("agent"),
	}, nil
}

// lastThreadHint reads the agent's last-thread-id state file, starting
// the watcher on first use. Returns empty when the file is absent or
// unwatchable.
func (a *Adapter) lastThreadHint() string {
	if a.hintPath == "" {
		return ""
	}
	a.hintOnce.Do(func() {
		h, err := NewThreadHint(a.hintPath, a.log)
		if err != nil {
			a.log.Debug("thread hint unavailable", zap.Error(err))
			return
		}
		a.hint = h
	})
	if a.hint == nil {
		return ""
	}
	// The watcher keeps the value warm; re-read at the moment of use so
	// a write racing the process exit is not missed.
	a.hint.reload()
	return a.hint.Last()
}

// Close stops the thread hint watcher, if one was started.
func (a *Adapter) Close() error {
	if a.hint != nil {
		return a.hint.Close()
	}
	return nil
}

// RunOptions parameterizes one spawn.
type RunOptions struct {
	// WorktreePath is the working directory; relative paths in tool
	// calls resolve there.
	WorktreePath string
	// Prompt is the user message. Empty with a ThreadID set means
	// "continue where the thread left off".
	Prompt string
	// ThreadID resumes an existing agent thread. Never invented
	// locally; see thread continuity in Run.
	ThreadID string
	// Model overrides the agent's default model.
	Model string
	// AgentID selects a named agent profile.
	AgentID string
	// Route selects a routing mode.
	Route string
	// MultiProvider enables multi-provider mode.
	MultiProvider bool
	// ExtraArgs are appended verbatim after the adapter's own flags.
	ExtraArgs []string
	// Timeout bounds the run's wall time; zero means the adapter default.
	Timeout time.Duration
	// OnEvent receives each typed event as it is parsed, in order.
	OnEvent func(Event)
	// OnProse receives interleaved non-JSON stdout text.
	OnProse func(string)
}

// buildArgs assembles the argument vector for one spawn. The thread
// continuation subcommand and the prompt come last so the base args and
// flags apply either way.
func (a *Adapter) buildArgs(opts RunOptions) []string {
	args := append([]string{}, a.baseArgs...)
	if a.jsonl {
		args = append(args, "--jsonl")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.AgentID != "" {
		args = append(args, "--agent", opts.AgentID)
	}
	if opts.Route != "" {
		args = append(args, "--route", opts.Route)
	}
	if opts.MultiProvider {
		args = append(args, "--multi-provider")
	}
	args = append(args, opts.ExtraArgs...)
	if opts.ThreadID != "" {
		args = append(args, "threads", "continue", opts.ThreadID)
	}
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}
	return args
}

// env returns the child environment. The auth token, when known, is
// injected as AMP_TOKEN unless the parent environment already sets it.
// Token values never reach logs.
func (a *Adapter) env() []string {
	env := os.Environ()
	if a.token == "" || os.Getenv("AMP_TOKEN") != "" {
		return env
	}
	return append(env, "AMP_TOKEN="+a.token)
}

// ensureAuth runs the configured auth command once per process and
// keeps its stdout as the token. Output is never logged.
func (a *Adapter) ensureAuth(ctx context.Context) error {
	a.authOnce.Do(func() {
		if a.authCmd == "" || a.token != "" {
			return
		}
		out, err := exec.CommandContext(ctx, "sh", "-c", a.authCmd).Output()
		if err != nil {
			a.authErr = &models.OpError{
				Kind: models.ErrAgentNotFound,
				Op:   "agent.auth",
				Hint: "AMP_AUTH_CMD failed",
				Err:  err,
			}
			return
		}
		a.token = strings.TrimSpace(string(out))
		a.log.Info("obtained agent token from auth command",
			logging.SecretField("token", a.token))
	})
	return a.authErr
}

// classifySpawnError maps process start failures onto the taxonomy.
func (a *Adapter) classifySpawnError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return &models.OpError{
			Kind: models.ErrAgentNotFound,
			Op:   "agent.spawn",
			Path: a.bin,
			Hint: "install the agent or set AMP_BIN",
			Err:  err,
		}
	}
	return &models.OpError{Kind: models.ErrUnknown, Op: "agent.spawn", Path: a.bin, Err: err}
}

// threadRejected reports whether an agent error message means the
// supplied thread id no longer exists server-side. Detection by error
// text is the only mechanism the agent offers today; keep it here so a
// future validation RPC replaces one function.
func threadRejected(message string) bool {
	return strings.Contains(strings.ToLower(message), "thread not found")
}
