// Package workspace runs evolution rounds as git-worktree transactions: a
// round gets an isolated worktree on its own branch, and the only outcomes
// are a single commit of exactly the changed files (PASS) or a clean
// discard (FAIL). The branch survives either way.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// git runs one git command in dir and returns trimmed stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// changedFiles lists everything different from HEAD in the worktree:
// modified tracked files plus untracked files not ignored.
func changedFiles(ctx context.Context, worktree string) ([]string, error) {
	tracked, err := git(ctx, worktree, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	untracked, err := git(ctx, worktree, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, block := range []string{tracked, untracked} {
		for _, line := range strings.Split(block, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
	}
	return files, nil
}

// branchExists reports whether the branch exists in the repo at dir.
func branchExists(ctx context.Context, dir, branch string) bool {
	_, err := git(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// isWorktree reports whether dir is a registered worktree of repo.
func isWorktree(ctx context.Context, repo, dir string) bool {
	out, err := git(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") && strings.TrimPrefix(line, "worktree ") == dir {
			return true
		}
	}
	return false
}
