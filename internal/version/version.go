// Package version exposes the ampherd release version embedded at
// build time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Get returns the release version, trimmed of whitespace.
func Get() string {
	return strings.TrimSpace(raw)
}
