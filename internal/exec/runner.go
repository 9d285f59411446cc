package exec

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// shellMeta are the characters that force a command line through the
// shell instead of direct execution.
const shellMeta = "|&;<>()$`"

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	return cmd.CombinedOutput()
}

// RunScript executes a user-supplied command line in workDir. Commands
// without shell syntax are split with shell quoting rules and run
// directly, so a crashing test binary's exit code is the script's exit
// code rather than the shell's.
func (r *ExecRunner) RunScript(ctx context.Context, workDir, command string) (ScriptResult, error) {
	name, args, useShell := splitCommand(command)
	if useShell {
		name, args = "sh", []string{"-c", command}
	}

	out, err := r.Run(ctx, workDir, name, args...)
	res := ScriptResult{Output: string(out)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// splitCommand tokenizes a plain command line. Lines using shell
// operators, expansions, or quoting the tokenizer rejects fall back to
// the shell.
func splitCommand(command string) (name string, args []string, useShell bool) {
	if strings.ContainsAny(command, shellMeta) {
		return "", nil, true
	}
	words, err := shellquote.Split(command)
	if err != nil || len(words) == 0 {
		return "", nil, true
	}
	return words[0], words[1:], false
}

var _ CommandRunner = (*ExecRunner)(nil)
