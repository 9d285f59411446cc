package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/pkg/models"
)

const (
	// DefaultTimeout bounds a single git invocation.
	DefaultTimeout = 30 * time.Second

	// killGrace is how long a timed-out process gets between SIGTERM
	// and SIGKILL.
	killGrace = 5 * time.Second
)

// AutoCommitPrefix marks commit subjects produced by the orchestrator
// rather than a human.
const AutoCommitPrefix = "agent:"

// ExecRunner implements Runner by invoking the git binary.
type ExecRunner struct {
	bin     string
	timeout time.Duration
	log     *logging.Logger
}

// NewExecRunner creates a runner. An empty binPath falls back to "git"
// on PATH, a zero timeout falls back to DefaultTimeout.
func NewExecRunner(binPath string, timeout time.Duration, log *logging.Logger) *ExecRunner {
	if binPath == "" {
		binPath = "git"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &ExecRunner{bin: binPath, timeout: timeout, log: log.WithComponent("git")}
}

// Exec runs git with the given arguments in dir. Non-zero exits are
// reported through Result, not as errors. Environment failures come
// back classified: the binary is missing, the directory is gone, the
// call timed out, or the caller's context was canceled.
func (r *ExecRunner) Exec(ctx context.Context, dir string, args ...string) (Result, error) {
	op := "git"
	if len(args) > 0 {
		op = "git " + args[0]
	}
	if dir != "" {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return Result{}, &models.OpError{
				Kind: models.ErrGitCwdMissing,
				Op:   op,
				Path: dir,
				Err:  errors.New("working directory does not exist"),
			}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, r.bin, args...)
	cmd.Dir = dir
	// Never let a subprocess prompt for credentials or open an editor.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	res.Hint = hintFor(res.Stderr)

	if runErr != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.log.Warn("git command timed out",
				zap.String("args", strings.Join(args, " ")),
				zap.String("dir", dir),
				zap.Duration("timeout", r.timeout))
			return res, &models.OpError{
				Kind: models.ErrGitTimeout,
				Op:   op,
				Path: dir,
				Hint: "git " + strings.Join(args, " "),
				Err:  context.DeadlineExceeded,
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrNotFound):
			return res, &models.OpError{
				Kind: models.ErrGitNotFound,
				Op:   op,
				Path: r.bin,
				Hint: "install git or set GIT_PATH",
				Err:  runErr,
			}
		default:
			return res, &models.OpError{Kind: models.ErrUnknown, Op: op, Path: dir, Err: runErr}
		}
	}

	r.log.Debug("git",
		zap.String("args", strings.Join(args, " ")),
		zap.String("dir", dir),
		zap.Int("exit", res.ExitCode),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// git runs a command and converts a non-zero exit into an error.
func (r *ExecRunner) git(ctx context.Context, dir string, args ...string) (Result, error) {
	res, err := r.Exec(ctx, dir, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, exitError(args, res)
	}
	return res, nil
}

// exitError formats a command failure from trimmed output plus any hint.
func exitError(args []string, res Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	name := "git"
	if len(args) > 0 {
		name = "git " + args[0]
	}
	if res.Hint != "" {
		return fmt.Errorf("%s: exit %d: %s (%s)", name, res.ExitCode, msg, res.Hint)
	}
	return fmt.Errorf("%s: exit %d: %s", name, res.ExitCode, msg)
}

// stderrHints maps well-known git failure text to advisory context.
var stderrHints = []struct {
	needle string
	hint   string
}{
	{"not a git repository", "the directory is not inside a git work tree"},
	{"permission denied", "check ownership and permissions on the repository"},
	{"did not match any file", "the path is not tracked by git"},
	{"index.lock", "another git process holds the index lock"},
	{"cannot lock ref", "another git process is updating refs"},
}

func hintFor(stderr string) string {
	lower := strings.ToLower(stderr)
	for _, h := range stderrHints {
		if strings.Contains(lower, h.needle) {
			return h.hint
		}
	}
	return ""
}

// IndexLocked reports whether stderr indicates the index lock is held
// by another process. Merge steps retry on this.
func IndexLocked(stderr string) bool {
	return strings.Contains(stderr, "index.lock")
}

var _ Runner = (*ExecRunner)(nil)
