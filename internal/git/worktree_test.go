package git

import "testing"

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /home/user/project
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /home/user/project/.worktrees/3f2a9c71
HEAD 2222222222222222222222222222222222222222
branch refs/heads/agent/fix-auth/20260301-142233

worktree /home/user/project/.worktrees/9d4e10aa
HEAD 3333333333333333333333333333333333333333
branch refs/heads/agent/update-docs/20260302-090501
`

	worktrees := parseWorktreeList(output)
	if len(worktrees) != 3 {
		t.Fatalf("expected 3 worktrees, got %d", len(worktrees))
	}

	if worktrees[0].Path != "/home/user/project" {
		t.Errorf("worktrees[0].Path = %q", worktrees[0].Path)
	}
	if worktrees[0].Branch != "main" {
		t.Errorf("worktrees[0].Branch = %q, want %q", worktrees[0].Branch, "main")
	}
	if worktrees[0].Head != "1111111111111111111111111111111111111111" {
		t.Errorf("worktrees[0].Head = %q", worktrees[0].Head)
	}

	if worktrees[1].Path != "/home/user/project/.worktrees/3f2a9c71" {
		t.Errorf("worktrees[1].Path = %q", worktrees[1].Path)
	}
	if worktrees[1].Branch != "agent/fix-auth/20260301-142233" {
		t.Errorf("worktrees[1].Branch = %q", worktrees[1].Branch)
	}
}

func TestParseWorktreeListNoTrailingNewline(t *testing.T) {
	output := `worktree /home/user/project
branch refs/heads/main`

	worktrees := parseWorktreeList(output)
	if len(worktrees) != 1 {
		t.Fatalf("expected 1 worktree, got %d", len(worktrees))
	}
	if worktrees[0].Branch != "main" {
		t.Errorf("Branch = %q, want %q", worktrees[0].Branch, "main")
	}
}

func TestParseWorktreeListEmpty(t *testing.T) {
	if worktrees := parseWorktreeList(""); len(worktrees) != 0 {
		t.Errorf("expected 0 worktrees, got %d", len(worktrees))
	}
}

func TestParseWorktreeListDetachedHead(t *testing.T) {
	output := `worktree /home/user/project
HEAD abc123def456abc123def456abc123def456abcd
detached

worktree /home/user/project/.worktrees/77aa01bc
HEAD 4444444444444444444444444444444444444444
branch refs/heads/agent/try-fix/20260303-111213
`

	worktrees := parseWorktreeList(output)
	if len(worktrees) != 2 {
		t.Fatalf("expected 2 worktrees, got %d", len(worktrees))
	}
	if worktrees[0].Branch != "" {
		t.Errorf("detached worktree should have empty Branch, got %q", worktrees[0].Branch)
	}
	if worktrees[0].Head != "abc123def456abc123def456abc123def456abcd" {
		t.Errorf("Head = %q", worktrees[0].Head)
	}
	if worktrees[1].Branch != "agent/try-fix/20260303-111213" {
		t.Errorf("worktrees[1].Branch = %q", worktrees[1].Branch)
	}
}

func TestParseWorktreeListMissingBlankSeparator(t *testing.T) {
	// A new worktree header flushes the previous entry even without a
	// blank line between blocks.
	output := `worktree /a
branch refs/heads/main
worktree /b
branch refs/heads/dev`

	worktrees := parseWorktreeList(output)
	if len(worktrees) != 2 {
		t.Fatalf("expected 2 worktrees, got %d", len(worktrees))
	}
	if worktrees[0].Path != "/a" || worktrees[1].Path != "/b" {
		t.Errorf("paths = %q, %q", worktrees[0].Path, worktrees[1].Path)
	}
}
