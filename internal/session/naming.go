// Package session implements the session lifecycle: worktree creation,
// agent iterations, and cleanup. It orchestrates the git, agent, store,
// and bus packages.
package session

import (
	"strings"
	"time"
	"unicode"
)

const branchPrefix = "agent/"

// maxSlugLen keeps branch names comfortably under ref length limits.
const maxSlugLen = 40

// Slug converts a session name into a kebab-case branch component.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "session"
	}
	return slug
}

// BranchName builds the session branch: agent/<slug>/<yyyymmdd-HHMMss>.
// The timestamp keeps branch names unique per repo even when two
// sessions share a name.
func BranchName(name string, at time.Time) string {
	return branchPrefix + Slug(name) + "/" + at.Format("20060102-150405")
}

// IsSessionBranch reports whether a branch was created by this
// orchestrator.
func IsSessionBranch(branch string) bool {
	return strings.HasPrefix(branch, branchPrefix)
}
