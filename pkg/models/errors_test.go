package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOpError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *OpError
		want []string
	}{
		{
			name: "kind and op only",
			err:  &OpError{Kind: ErrGitNotFound, Op: "git.version"},
			want: []string{"git.version", "git_not_found"},
		},
		{
			name: "with path and cause",
			err: &OpError{
				Kind: ErrGitCwdMissing,
				Op:   "git.status",
				Path: "/tmp/gone",
				Err:  errors.New("no such file or directory"),
			},
			want: []string{"git.status", "git_cwd_missing", "/tmp/gone", "no such file"},
		},
		{
			name: "with hint",
			err: &OpError{
				Kind: ErrGitTimeout,
				Op:   "git.fetch",
				Hint: "network may be unreachable",
			},
			want: []string{"git_timeout", "network may be unreachable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, part := range tt.want {
				if !strings.Contains(msg, part) {
					t.Errorf("Error() = %q, missing %q", msg, part)
				}
			}
		})
	}
}

func TestOpError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &OpError{Kind: ErrStoreUnavailable, Op: "store.write", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestKindOf(t *testing.T) {
	base := &OpError{Kind: ErrAgentTimeout, Op: "agent.run"}
	wrapped := fmt.Errorf("iteration failed: %w", base)

	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"direct OpError", base, ErrAgentTimeout},
		{"wrapped OpError", wrapped, ErrAgentTimeout},
		{"plain error", errors.New("boom"), ErrUnknown},
		{"nil", nil, ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", &OpError{Kind: ErrHandleNotReady, Op: "agent.send"})

	if !IsKind(err, ErrHandleNotReady) {
		t.Error("IsKind should match through wrapping")
	}
	if IsKind(err, ErrBadInput) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(nil, ErrBadInput) {
		t.Error("IsKind(nil) should be false")
	}
}

func TestErrKind_Transient(t *testing.T) {
	transient := []ErrKind{ErrGitTimeout, ErrAgentTimeout, ErrStoreUnavailable}
	for _, k := range transient {
		if !k.Transient() {
			t.Errorf("ErrKind(%q) should be transient", k)
		}
	}

	permanent := []ErrKind{
		ErrBadInput, ErrSchemaIncompatible, ErrPlanInvalid, ErrGitNotFound,
		ErrGitCwdMissing, ErrAgentNotFound, ErrStoreConflict,
		ErrHandleNotReady, ErrUnmergedDeletion, ErrThreadNotFound, ErrUnknown,
	}
	for _, k := range permanent {
		if k.Transient() {
			t.Errorf("ErrKind(%q) should not be transient", k)
		}
	}
}
