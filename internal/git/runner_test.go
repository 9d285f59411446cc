package git

import (
	"strings"
	"testing"
	"time"
)

func TestNewExecRunnerDefaults(t *testing.T) {
	r := NewExecRunner("", 0, nil)
	if r.bin != "git" {
		t.Errorf("bin = %q, want %q", r.bin, "git")
	}
	if r.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", r.timeout, DefaultTimeout)
	}
	if r.log == nil {
		t.Error("log should never be nil")
	}
}

func TestNewExecRunnerOverrides(t *testing.T) {
	r := NewExecRunner("/opt/git/bin/git", 5*time.Second, nil)
	if r.bin != "/opt/git/bin/git" {
		t.Errorf("bin = %q", r.bin)
	}
	if r.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", r.timeout)
	}
}

func TestHintFor(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{
			name:   "not a repository",
			stderr: "fatal: not a git repository (or any of the parent directories): .git",
			want:   "the directory is not inside a git work tree",
		},
		{
			name:   "permission denied mixed case",
			stderr: "error: insufficient permission for adding an object\nPermission denied",
			want:   "check ownership and permissions on the repository",
		},
		{
			name:   "pathspec mismatch",
			stderr: "error: pathspec 'missing.go' did not match any file(s) known to git",
			want:   "the path is not tracked by git",
		},
		{
			name:   "index lock",
			stderr: "fatal: Unable to create '/repo/.git/index.lock': File exists.",
			want:   "another git process holds the index lock",
		},
		{
			name:   "ref lock",
			stderr: "error: cannot lock ref 'refs/heads/main'",
			want:   "another git process is updating refs",
		},
		{
			name:   "unrecognized stderr",
			stderr: "fatal: bad revision 'nope'",
			want:   "",
		},
		{
			name:   "empty stderr",
			stderr: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hintFor(tt.stderr); got != tt.want {
				t.Errorf("hintFor(%q) = %q, want %q", tt.stderr, got, tt.want)
			}
		})
	}
}

func TestIndexLocked(t *testing.T) {
	locked := "fatal: Unable to create '/repo/.git/index.lock': File exists."
	if !IndexLocked(locked) {
		t.Error("IndexLocked should detect index.lock stderr")
	}
	if IndexLocked("fatal: bad revision 'nope'") {
		t.Error("IndexLocked should ignore unrelated stderr")
	}
}

func TestExitError(t *testing.T) {
	err := exitError([]string{"rebase", "main"}, Result{
		Stderr:   "error: could not apply abc123\n",
		ExitCode: 1,
	})
	msg := err.Error()
	if !strings.Contains(msg, "git rebase") {
		t.Errorf("error should name the subcommand, got %q", msg)
	}
	if !strings.Contains(msg, "exit 1") {
		t.Errorf("error should carry the exit code, got %q", msg)
	}
	if !strings.Contains(msg, "could not apply abc123") {
		t.Errorf("error should carry trimmed stderr, got %q", msg)
	}
}

func TestExitErrorIncludesHint(t *testing.T) {
	err := exitError([]string{"commit"}, Result{
		Stderr:   "fatal: Unable to create '/repo/.git/index.lock': File exists.",
		ExitCode: 128,
		Hint:     "another git process holds the index lock",
	})
	if !strings.Contains(err.Error(), "(another git process holds the index lock)") {
		t.Errorf("error should append the hint, got %q", err.Error())
	}
}

func TestExitErrorFallsBackToStdout(t *testing.T) {
	err := exitError([]string{"merge"}, Result{
		Stdout:   "Automatic merge failed; fix conflicts and then commit the result.\n",
		ExitCode: 1,
	})
	if !strings.Contains(err.Error(), "Automatic merge failed") {
		t.Errorf("error should fall back to stdout when stderr is empty, got %q", err.Error())
	}
}
