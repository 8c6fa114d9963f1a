package git

import (
	"context"
	"fmt"
	"strings"
)

// OpenPullRequest opens a pull request for head against base with the gh
// CLI and returns its URL.
func (w *Workspace) OpenPullRequest(ctx context.Context, repo, title, body, head, base string) (string, error) {
	out, err := w.runner.Run(ctx, repo, "gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", head,
		"--base", base,
	)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	url := lastLine(out)
	if url == "" {
		return "", fmt.Errorf("create pull request: gh printed no URL")
	}
	return url, nil
}

// lastLine returns the last non-empty line; gh prints progress before the URL.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
