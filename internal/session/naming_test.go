package session

import (
	"strings"
	"testing"
	"time"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Fix Auth Bug", "fix-auth-bug"},
		{"  spaced   out  ", "spaced-out"},
		{"already-kebab", "already-kebab"},
		{"Ünïcödé näme", "ünïcödé-näme"},
		{"!!!", "session"},
		{"", "session"},
		{"v2.0 release/prep", "v2-0-release-prep"},
	}
	for _, tt := range tests {
		if got := Slug(tt.name); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSlugLengthBounded(t *testing.T) {
	got := Slug(strings.Repeat("long-name-", 20))
	if len(got) > maxSlugLen {
		t.Errorf("slug too long: %d chars", len(got))
	}
	if strings.HasSuffix(got, "-") || strings.HasPrefix(got, "-") {
		t.Errorf("slug has dangling dash: %q", got)
	}
}

func TestBranchName(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 22, 33, 0, time.UTC)
	got := BranchName("Fix Auth", at)
	want := "agent/fix-auth/20260301-142233"
	if got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
	if !IsSessionBranch(got) {
		t.Error("session branch not recognized")
	}
	if IsSessionBranch("main") {
		t.Error("main misrecognized as session branch")
	}
}

func TestCommitSummary(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"", "update working tree"},
		{" M main.go\n", "update main.go"},
		{" M a.go\n?? b.go\nA  c.go\n", "update a.go, b.go, c.go"},
		{"R  old.go -> new.go\n", "update new.go"},
		{" M a.go\n M b.go\n M c.go\n M d.go\n M e.go\n", "update a.go, b.go, c.go and 2 more"},
	}
	for _, tt := range tests {
		if got := commitSummary(tt.status); got != tt.want {
			t.Errorf("commitSummary(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
