package git

import "context"

// CommitChanges stages everything in dir and commits with message. It
// returns the new commit sha, or an empty sha with nil error when the
// working tree had nothing to record.
func (r *ExecRunner) CommitChanges(ctx context.Context, dir, message string) (string, error) {
	if _, err := r.git(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	staged, err := r.Exec(ctx, dir, "diff", "--cached", "--quiet")
	if err != nil {
		return "", err
	}
	if staged.ExitCode == 0 {
		return "", nil
	}
	if _, err := r.git(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return r.RevParse(ctx, dir, "HEAD")
}
