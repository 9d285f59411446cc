package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ampherd/ampherd/pkg/models"
)

// ContextDirName is the per-worktree folder holding the agent's
// briefing and status documents.
const ContextDirName = "AGENT_CONTEXT"

const (
	sessionFileName = "SESSION.md"
	diffFileName    = "DIFF_SUMMARY.md"
	logFileName     = "ITERATION_LOG.md"
	statusFileName  = "LAST_STATUS.json"
)

// contextDir returns the AGENT_CONTEXT path for a worktree.
func contextDir(worktreePath string) string {
	return filepath.Join(worktreePath, ContextDirName)
}

// writeContextBundle seeds AGENT_CONTEXT with the session brief, an
// empty diff summary, an empty iteration log, and an initial status.
func writeContextBundle(sess *models.Session) error {
	dir := contextDir(sess.WorktreePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating context dir: %w", err)
	}

	brief := fmt.Sprintf(`# Session: %s

- Branch: %s
- Base: %s
- Created: %s

## Task

%s
`, sess.Name, sess.BranchName, sess.BaseBranch,
		sess.CreatedAt.UTC().Format(time.RFC3339), sess.InitialPrompt)

	files := map[string]string{
		sessionFileName: brief,
		diffFileName:    "# Diff Summary\n\nNo changes yet.\n",
		logFileName:     "# Iteration Log\n",
		// The bundle ignores itself so auto-commits and diff stats
		// only ever see the agent's work.
		".gitignore": "*\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return writeLastStatus(sess.WorktreePath, lastStatus{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		UpdatedAt: sess.CreatedAt.UTC(),
	})
}

// refreshDiffSummary rewrites DIFF_SUMMARY.md from a unified diff.
func refreshDiffSummary(worktreePath, diff string) error {
	content := "# Diff Summary\n\nNo changes yet.\n"
	if strings.TrimSpace(diff) != "" {
		content = "# Diff Summary\n\n```diff\n" + diff + "\n```\n"
	}
	return os.WriteFile(filepath.Join(contextDir(worktreePath), diffFileName), []byte(content), 0o644)
}

// appendIterationLog adds one entry to the append-only iteration log.
func appendIterationLog(worktreePath string, it *models.Iteration, note string) error {
	f, err := os.OpenFile(filepath.Join(contextDir(worktreePath), logFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s\n\n", it.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Files changed: %d (+%d/-%d)\n", it.FilesChanged, it.LinesAdded, it.LinesDeleted)
	if it.CommitSha != "" {
		fmt.Fprintf(&b, "- Commit: %s\n", it.CommitSha)
	}
	if it.TestResult != models.TestNone {
		fmt.Fprintf(&b, "- Tests: %s\n", it.TestResult)
	}
	if it.TokenUsage.TotalTokens > 0 {
		fmt.Fprintf(&b, "- Tokens: %d\n", it.TokenUsage.TotalTokens)
	}
	if note != "" {
		fmt.Fprintf(&b, "- Note: %s\n", note)
	}
	_, err = f.WriteString(b.String())
	return err
}

// lastStatus is the machine-readable per-session status document.
type lastStatus struct {
	SessionID    string    `json:"session_id"`
	IterationID  string    `json:"iteration_id,omitempty"`
	Status       string    `json:"status"`
	CommitSha    string    `json:"commit_sha,omitempty"`
	FilesChanged int       `json:"files_changed"`
	LinesAdded   int       `json:"lines_added"`
	LinesDeleted int       `json:"lines_deleted"`
	TestResult   string    `json:"test_result,omitempty"`
	Note         string    `json:"note,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func writeLastStatus(worktreePath string, st lastStatus) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(contextDir(worktreePath), statusFileName),
		append(data, '\n'), 0o644)
}
