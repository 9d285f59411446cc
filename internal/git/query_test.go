package git

import "testing"

func TestParseAheadBehind(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		wantBehind int
		wantAhead  int
		wantErr    bool
	}{
		{name: "both sides", out: "2\t5\n", wantBehind: 2, wantAhead: 5},
		{name: "up to date", out: "0\t0", wantBehind: 0, wantAhead: 0},
		{name: "ahead only", out: "0\t12\n", wantBehind: 0, wantAhead: 12},
		{name: "garbage", out: "not numbers", wantErr: true},
		{name: "empty", out: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			behind, ahead, err := parseAheadBehind(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.out)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAheadBehind(%q) error = %v", tt.out, err)
			}
			if behind != tt.wantBehind || ahead != tt.wantAhead {
				t.Errorf("parseAheadBehind(%q) = (%d, %d), want (%d, %d)",
					tt.out, behind, ahead, tt.wantBehind, tt.wantAhead)
			}
		})
	}
}

func TestParseCommitLog(t *testing.T) {
	out := "aaa111\tagent: iteration 1\nbbb222\tfix flaky test by hand\nccc333\tagent: iteration 2\n"

	commits := parseCommitLog(out)
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
	if commits[0].SHA != "aaa111" || commits[0].Subject != "agent: iteration 1" {
		t.Errorf("commits[0] = %+v", commits[0])
	}
	if commits[1].Subject != "fix flaky test by hand" {
		t.Errorf("commits[1].Subject = %q", commits[1].Subject)
	}
}

func TestParseCommitLogEmpty(t *testing.T) {
	if commits := parseCommitLog(""); len(commits) != 0 {
		t.Errorf("expected no commits, got %d", len(commits))
	}
}

func TestParseCommitLogSubjectWithTabs(t *testing.T) {
	// Only the first tab separates sha from subject.
	commits := parseCommitLog("abc\tsubject\twith\ttabs\n")
	if len(commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(commits))
	}
	if commits[0].Subject != "subject\twith\ttabs" {
		t.Errorf("Subject = %q", commits[0].Subject)
	}
}
