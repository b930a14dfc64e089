package worktree

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/logger"
)

// git executes a git command in dir, wrapping failure in a GitError
// that carries the command line, combined output, and directory.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	output, err := m.exec.CombinedOutput(ctx, dir, "git", args...)
	if err != nil {
		return string(output), errors.NewGitError("git "+strings.Join(args, " "), dir, output, err)
	}
	return string(output), nil
}

// HasChangesToRebase reports whether the main branch has commits the
// session branch does not.
func (m *Manager) HasChangesToRebase(ctx context.Context, wt *Worktree) (bool, error) {
	main := m.DetectMainBranch(ctx, wt.RepoPath)
	output, err := m.exec.Output(ctx, wt.Path, "git", "rev-list", "--count", fmt.Sprintf("%s..%s", wt.Branch, main))
	if err != nil {
		return false, errors.NewGitError(
			fmt.Sprintf("git rev-list --count %s..%s", wt.Branch, main),
			wt.Path, output, err)
	}
	return strings.TrimSpace(string(output)) != "0", nil
}

// RebaseMainInto rebases the session branch onto the latest main,
// bringing main's new commits into the worktree. Conflicts surface as
// a GitError with KindConflict; the caller decides whether to abort.
func (m *Manager) RebaseMainInto(ctx context.Context, wt *Worktree) error {
	m.FetchOrigin(ctx, wt.RepoPath)
	main := m.DetectMainBranch(ctx, wt.RepoPath)

	logger.Info("Worktree: rebasing %s onto %s", wt.Branch, main)
	if _, err := m.git(ctx, wt.Path, "rebase", main); err != nil {
		return err
	}
	return nil
}

// AbortRebase abandons an in-progress rebase, restoring the branch.
func (m *Manager) AbortRebase(ctx context.Context, wt *Worktree) error {
	_, err := m.git(ctx, wt.Path, "rebase", "--abort")
	return err
}

// SquashToMain squashes the session branch into a single commit on the
// main branch. The commit message is required.
func (m *Manager) SquashToMain(ctx context.Context, wt *Worktree, message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.E(errors.Op("worktree.SquashToMain"), errors.KindInvalid, "commit message is required")
	}
	main := m.DetectMainBranch(ctx, wt.RepoPath)

	// Squash inside the worktree first so conflicts stay out of the
	// main checkout.
	if _, err := m.git(ctx, wt.Path, "rebase", main); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt.Path, "reset", "--soft", main); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt.Path, "commit", "-m", message); err != nil {
		return err
	}

	// Fast-forward main to the squashed commit.
	if _, err := m.git(ctx, wt.RepoPath, "checkout", main); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt.RepoPath, "merge", "--ff-only", wt.Branch); err != nil {
		return err
	}
	return nil
}

// RebaseToMain replays the session branch's commits onto main,
// preserving individual commits.
func (m *Manager) RebaseToMain(ctx context.Context, wt *Worktree) error {
	main := m.DetectMainBranch(ctx, wt.RepoPath)

	if _, err := m.git(ctx, wt.Path, "rebase", main); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt.RepoPath, "checkout", main); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt.RepoPath, "merge", "--ff-only", wt.Branch); err != nil {
		return err
	}
	return nil
}

// Pull pulls the latest changes for the worktree's branch.
func (m *Manager) Pull(ctx context.Context, wt *Worktree) (string, error) {
	return m.git(ctx, wt.Path, "pull", "--rebase")
}

// Push pushes the session branch to origin, setting the upstream.
func (m *Manager) Push(ctx context.Context, wt *Worktree) (string, error) {
	return m.git(ctx, wt.Path, "push", "-u", "origin", wt.Branch)
}

// GenerateRebaseCommands returns the command lines RebaseToMain would
// run, for display before the user confirms.
func (m *Manager) GenerateRebaseCommands(ctx context.Context, wt *Worktree) []string {
	main := m.DetectMainBranch(ctx, wt.RepoPath)
	return []string{
		fmt.Sprintf("git rebase %s", main),
		fmt.Sprintf("git checkout %s", main),
		fmt.Sprintf("git merge --ff-only %s", wt.Branch),
	}
}

// GenerateSquashCommands returns the command lines SquashToMain would
// run, for display before the user confirms.
func (m *Manager) GenerateSquashCommands(ctx context.Context, wt *Worktree, message string) []string {
	main := m.DetectMainBranch(ctx, wt.RepoPath)
	return []string{
		fmt.Sprintf("git rebase %s", main),
		fmt.Sprintf("git reset --soft %s", main),
		fmt.Sprintf("git commit -m %q", message),
		fmt.Sprintf("git checkout %s", main),
		fmt.Sprintf("git merge --ff-only %s", wt.Branch),
	}
}
