// Package worktree manages per-session git worktrees and all git
// operations against them.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/logger"
)

// WorktreeDirName is the sibling directory that holds session worktrees.
const WorktreeDirName = ".drover-worktrees"

// BranchPrefix is prepended to generated session branch names.
const BranchPrefix = "drover/"

// MaxBranchNameLength caps user-provided branch names.
const MaxBranchNameLength = 100

// validBranchNameRegex matches valid git branch name characters.
// Branch names cannot contain space, ~, ^, :, ?, *, [, \, or control
// characters, cannot start with - and cannot end with .lock.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateBranchName checks if a branch name is valid for git.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return nil // Empty is allowed (a name will be generated)
	}

	if len(branch) > MaxBranchNameLength {
		return fmt.Errorf("branch name too long (max %d characters)", MaxBranchNameLength)
	}

	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}

	if strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with '.lock'")
	}

	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}

	if !validBranchNameRegex.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters (use letters, numbers, /, _, ., -)")
	}

	return nil
}

// Worktree describes a session's checkout.
type Worktree struct {
	SessionID string
	RepoPath  string
	Path      string
	Branch    string
	// BaseBranch is the branch the worktree forked from.
	BaseBranch string
	CreatedAt  time.Time
}

// Manager creates, removes, and operates on session worktrees. Main
// branch detection results are cached per repository.
type Manager struct {
	exec execx.CommandExecutor

	mu         sync.Mutex
	mainBranch map[string]string // repoPath -> detected branch
	overrides  map[string]string // repoPath -> configured branch
}

// NewManager returns a manager using the given executor.
func NewManager(exec execx.CommandExecutor) *Manager {
	return &Manager{
		exec:       exec,
		mainBranch: make(map[string]string),
		overrides:  make(map[string]string),
	}
}

// SetMainBranchOverride pins the main branch for a repository,
// bypassing detection.
func (m *Manager) SetMainBranchOverride(repoPath, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[repoPath] = branch
}

// ValidateRepo checks if a path is a valid git repository.
func (m *Manager) ValidateRepo(ctx context.Context, path string) error {
	if strings.HasPrefix(path, "~") {
		return errors.E(errors.Op("worktree.ValidateRepo"), errors.KindInvalid,
			"please use absolute path instead of ~")
	}

	output, err := m.exec.CombinedOutput(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		logger.Debug("Worktree: repo validation failed for %s: %s", path, strings.TrimSpace(string(output)))
		return errors.GitNotRepo(path)
	}
	return nil
}

// DetectMainBranch returns the repository's main branch. An override
// wins; otherwise the result of the first detection is cached because
// the answer does not change over a repository's life within a run.
func (m *Manager) DetectMainBranch(ctx context.Context, repoPath string) string {
	m.mu.Lock()
	if branch, ok := m.overrides[repoPath]; ok && branch != "" {
		m.mu.Unlock()
		return branch
	}
	if branch, ok := m.mainBranch[repoPath]; ok {
		m.mu.Unlock()
		return branch
	}
	m.mu.Unlock()

	branch := m.detectMainBranch(ctx, repoPath)

	m.mu.Lock()
	m.mainBranch[repoPath] = branch
	m.mu.Unlock()
	return branch
}

func (m *Manager) detectMainBranch(ctx context.Context, repoPath string) string {
	// Prefer origin's HEAD reference
	output, err := m.exec.Output(ctx, repoPath, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(output))
		if strings.HasPrefix(ref, "refs/remotes/origin/") {
			return strings.TrimPrefix(ref, "refs/remotes/origin/")
		}
	}

	// Fallback: check if origin/main exists
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", "origin/main"); err == nil {
		return "main"
	}

	// Fallback: check if origin/master exists
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", "origin/master"); err == nil {
		return "master"
	}

	// Local-only repos: check local branches
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", "main"); err == nil {
		return "main"
	}
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", "master"); err == nil {
		return "master"
	}

	return "main"
}

// BranchExists checks if a branch already exists in the repo.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", branch)
	return err == nil
}

// FetchOrigin fetches the latest changes from origin. A missing remote
// or a failed fetch is not an error; offline use must keep working.
func (m *Manager) FetchOrigin(ctx context.Context, repoPath string) {
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "remote", "get-url", "origin"); err != nil {
		logger.Debug("Worktree: no origin remote in %s, skipping fetch", repoPath)
		return
	}

	output, err := m.exec.CombinedOutput(ctx, repoPath, "git", "fetch", "origin")
	if err != nil {
		logger.Warn("Worktree: fetch from origin failed: %s", string(output))
	}
}

// GenerateBranchName builds a session branch name from a title:
// drover/<slug>-<shortID>. An empty title yields drover/<shortID>.
func GenerateBranchName(title, sessionID string) string {
	shortID := sessionID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	s := slug.Make(title)
	if s == "" {
		return BranchPrefix + shortID
	}
	// Keep branch names readable even for long titles
	if len(s) > 40 {
		s = s[:40]
		s = strings.TrimRight(s, "-")
	}
	return fmt.Sprintf("%s%s-%s", BranchPrefix, s, shortID)
}

// Create creates a worktree and branch for a new session. If
// customBranch is empty a branch name is generated from title. The
// worktree lives in a sibling .drover-worktrees directory so it never
// pollutes the repository itself.
func (m *Manager) Create(ctx context.Context, repoPath, title, customBranch string) (*Worktree, error) {
	start := time.Now()

	if err := ValidateBranchName(customBranch); err != nil {
		return nil, errors.E(errors.Op("worktree.Create"), errors.KindInvalid, err)
	}

	id := uuid.New().String()

	branch := customBranch
	if branch == "" {
		branch = GenerateBranchName(title, id)
	}

	worktreePath := filepath.Join(filepath.Dir(repoPath), WorktreeDirName, id)

	// Branch from origin's main when available, local HEAD otherwise
	m.FetchOrigin(ctx, repoPath)
	baseBranch := m.DetectMainBranch(ctx, repoPath)
	startPoint := "origin/" + baseBranch
	if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", startPoint); err != nil {
		startPoint = baseBranch
		if _, _, err := m.exec.Run(ctx, repoPath, "git", "rev-parse", "--verify", startPoint); err != nil {
			startPoint = "HEAD"
		}
	}

	logger.Info("Worktree: creating branch=%s path=%s from=%s", branch, worktreePath, startPoint)
	output, err := m.exec.CombinedOutput(ctx, repoPath, "git", "worktree", "add", "-b", branch, worktreePath, startPoint)
	if err != nil {
		return nil, errors.NewGitError(
			fmt.Sprintf("git worktree add -b %s %s %s", branch, worktreePath, startPoint),
			repoPath, output, err)
	}
	logger.Debug("Worktree: created in %v", time.Since(start))

	return &Worktree{
		SessionID:  id,
		RepoPath:   repoPath,
		Path:       worktreePath,
		Branch:     branch,
		BaseBranch: baseBranch,
		CreatedAt:  time.Now(),
	}, nil
}

// Remove deletes a worktree and its branch. Branch deletion and
// pruning are best effort; the worktree removal itself must succeed.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	output, err := m.exec.CombinedOutput(ctx, wt.RepoPath, "git", "worktree", "remove", wt.Path, "--force")
	if err != nil {
		return errors.NewGitError(
			fmt.Sprintf("git worktree remove %s --force", wt.Path),
			wt.RepoPath, output, err)
	}

	if output, err := m.exec.CombinedOutput(ctx, wt.RepoPath, "git", "worktree", "prune"); err != nil {
		logger.Warn("Worktree: prune failed: %s", string(output))
	}

	if output, err := m.exec.CombinedOutput(ctx, wt.RepoPath, "git", "branch", "-D", wt.Branch); err != nil {
		logger.Warn("Worktree: branch delete failed (may already be gone): %s", string(output))
	}

	return nil
}

// OrphanedWorktree is a worktree directory with no matching session.
type OrphanedWorktree struct {
	Path     string
	RepoPath string
	ID       string
}

// FindOrphaned scans the .drover-worktrees directory next to each repo
// for worktrees whose session ID is not in knownSessions.
func (m *Manager) FindOrphaned(repoPaths []string, knownSessions map[string]bool) []OrphanedWorktree {
	var orphans []OrphanedWorktree
	checked := make(map[string]bool)

	for _, repoPath := range repoPaths {
		dir := filepath.Join(filepath.Dir(repoPath), WorktreeDirName)
		if checked[dir] {
			continue
		}
		checked[dir] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := entry.Name()
			if !knownSessions[id] {
				orphans = append(orphans, OrphanedWorktree{
					Path:     filepath.Join(dir, id),
					RepoPath: repoPath,
					ID:       id,
				})
			}
		}
	}
	return orphans
}

// PruneOrphaned removes orphaned worktrees, falling back to direct
// directory removal when git refuses. Returns how many were removed.
func (m *Manager) PruneOrphaned(ctx context.Context, orphans []OrphanedWorktree) int {
	pruned := 0
	for _, orphan := range orphans {
		logger.Info("Worktree: pruning orphan %s", orphan.Path)

		if _, _, err := m.exec.Run(ctx, orphan.RepoPath, "git", "worktree", "remove", orphan.Path, "--force"); err != nil {
			if err := os.RemoveAll(orphan.Path); err != nil {
				logger.Error("Worktree: failed to remove orphan %s: %v", orphan.Path, err)
				continue
			}
		}

		m.exec.Run(ctx, orphan.RepoPath, "git", "worktree", "prune")
		pruned++
	}
	return pruned
}
