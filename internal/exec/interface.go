// Package exec runs external commands for the orchestrator: the
// per-iteration script command and small helper invocations. The
// interface exists so callers can fake command execution in tests.
package exec

import "context"

// ScriptResult is the outcome of one script run. A non-zero exit code
// is not an error; callers translate it into a test result.
type ScriptResult struct {
	// Output is combined stdout and stderr.
	Output string
	// ExitCode is the process exit code. -1 when the process never ran.
	ExitCode int
}

// CommandRunner runs external commands.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr. The
	// working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error)

	// RunScript executes a user-supplied command line. Plain commands
	// are split with shell quoting rules and executed directly; lines
	// using shell syntax go through "sh -c". The exit code is reported
	// in the result, not as an error.
	RunScript(ctx context.Context, workDir, command string) (ScriptResult, error)
}
