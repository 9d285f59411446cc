package git

import (
	"context"
	"strconv"
	"strings"
)

// DiffNumstat returns aggregated stats for the range from..to.
func (r *ExecRunner) DiffNumstat(ctx context.Context, dir, from, to string) (DiffStats, error) {
	res, err := r.git(ctx, dir, "diff", "--numstat", from+".."+to)
	if err != nil {
		return DiffStats{}, err
	}
	return parseNumstat(res.Stdout), nil
}

// DiffWorktreeNumstat returns aggregated stats of the working tree
// (including the index) against the given revision.
func (r *ExecRunner) DiffWorktreeNumstat(ctx context.Context, dir, since string) (DiffStats, error) {
	res, err := r.git(ctx, dir, "diff", "--numstat", since)
	if err != nil {
		return DiffStats{}, err
	}
	return parseNumstat(res.Stdout), nil
}

// DiffUnified0 returns a zero-context diff of the working tree against
// the merge-base with base, covering committed and uncommitted work.
func (r *ExecRunner) DiffUnified0(ctx context.Context, dir, base string) (string, error) {
	point, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return "", err
	}
	res, err := r.git(ctx, dir, "diff", "--unified=0", point)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// parseNumstat aggregates git diff --numstat output. Each line is
// "added<TAB>deleted<TAB>path"; binary files report "-" for both counts
// and contribute to the file count only.
func parseNumstat(out string) DiffStats {
	var stats DiffStats
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		stats.FilesChanged++
		if n, err := strconv.Atoi(parts[0]); err == nil {
			stats.Added += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			stats.Deleted += n
		}
	}
	return stats
}
