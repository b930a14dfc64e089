// Package commitmode controls how a session's work gets committed.
//
// Checkpoint mode commits everything after each agent turn, bypassing
// hooks. Structured mode delegates committing to the agent itself via
// an injected instruction. Disabled mode leaves the working tree alone.
package commitmode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/logger"
)

// Mode selects the commit strategy for a session.
type Mode string

const (
	// ModeCheckpoint auto-commits after each agent turn with --no-verify.
	ModeCheckpoint Mode = "checkpoint"
	// ModeStructured instructs the agent to commit its own work.
	ModeStructured Mode = "structured"
	// ModeDisabled never commits.
	ModeDisabled Mode = "disabled"
)

// MaxPromptInMessage caps how much of the prompt appears in a
// checkpoint commit message.
const MaxPromptInMessage = 50

// DefaultCommitPrefix is used when no prefix is configured.
const DefaultCommitPrefix = "checkpoint: "

// StructuredInstruction is appended to prompts in structured mode so
// the agent commits with meaningful messages as it works.
const StructuredInstruction = "\n\nWhen you complete a logical unit of work, commit it with a descriptive commit message before moving on."

// structuredPollInterval and structuredPollTimeout bound how long
// AfterTurn waits for the agent's own commits to land in structured mode.
const (
	structuredPollInterval = 2 * time.Second
	structuredPollTimeout  = 30 * time.Second
)

// Controller applies the configured commit strategy to a worktree.
type Controller struct {
	exec   execx.CommandExecutor
	prefix string
}

// NewController returns a controller. An empty prefix uses the default.
func NewController(exec execx.CommandExecutor, prefix string) *Controller {
	if prefix == "" {
		prefix = DefaultCommitPrefix
	}
	return &Controller{exec: exec, prefix: prefix}
}

// ValidateMode rejects unrecognized modes. A typo'd mode silently
// behaving like disabled would lose work, so this fails loudly.
func ValidateMode(mode Mode) error {
	switch mode {
	case ModeCheckpoint, ModeStructured, ModeDisabled:
		return nil
	default:
		return errors.E(errors.Op("commitmode.ValidateMode"), errors.KindInvalid,
			fmt.Sprintf("unknown commit mode %q (use checkpoint, structured, or disabled)", mode))
	}
}

// PreparePrompt returns the prompt to send to the agent for the given
// mode. Structured mode appends the commit instruction.
func PreparePrompt(mode Mode, prompt string) (string, error) {
	if err := ValidateMode(mode); err != nil {
		return "", err
	}
	if mode == ModeStructured {
		return prompt + StructuredInstruction, nil
	}
	return prompt, nil
}

// CheckpointMessage builds the commit message for a checkpoint commit:
// the configured prefix plus the prompt truncated to 50 characters,
// with "..." marking truncation.
func (c *Controller) CheckpointMessage(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	// First line only; multi-line prompts make unreadable subjects
	if idx := strings.IndexByte(prompt, '\n'); idx >= 0 {
		prompt = strings.TrimSpace(prompt[:idx])
	}

	runes := []rune(prompt)
	if len(runes) > MaxPromptInMessage {
		return c.prefix + string(runes[:MaxPromptInMessage]) + "..."
	}
	return c.prefix + prompt
}

// AfterTurn applies the mode's post-turn behavior in the worktree and
// returns the resulting HEAD hash: the checkpoint commit in checkpoint
// mode, or the agent's latest commit in structured mode once the tree
// settles clean. Disabled mode, a clean checkpoint, and a structured
// turn that times out still dirty all return "".
func (c *Controller) AfterTurn(ctx context.Context, mode Mode, worktreePath, prompt string) (string, error) {
	if err := ValidateMode(mode); err != nil {
		return "", err
	}

	switch mode {
	case ModeDisabled:
		return "", nil
	case ModeStructured:
		clean, err := c.waitForClean(ctx, worktreePath)
		if err != nil || !clean {
			return "", err
		}
		return c.headHash(ctx, worktreePath)
	default:
		return c.checkpoint(ctx, worktreePath, prompt)
	}
}

// checkpoint stages and commits everything in the worktree. Hooks are
// bypassed: checkpoint commits are restore points, not publishable
// history, and a failing hook must not block them.
func (c *Controller) checkpoint(ctx context.Context, worktreePath, prompt string) (string, error) {
	dirty, err := c.isDirty(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if !dirty {
		logger.Debug("CommitMode: nothing to checkpoint in %s", worktreePath)
		return "", nil
	}

	if output, err := c.exec.CombinedOutput(ctx, worktreePath, "git", "add", "-A"); err != nil {
		return "", errors.NewGitError("git add -A", worktreePath, output, err)
	}

	message := c.CheckpointMessage(prompt)
	if output, err := c.exec.CombinedOutput(ctx, worktreePath, "git", "commit", "--no-verify", "-m", message); err != nil {
		return "", errors.NewGitError("git commit --no-verify -m "+message, worktreePath, output, err)
	}

	return c.headHash(ctx, worktreePath)
}

func (c *Controller) headHash(ctx context.Context, worktreePath string) (string, error) {
	hash, err := c.exec.Output(ctx, worktreePath, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("git rev-parse HEAD", worktreePath, hash, err)
	}
	return strings.TrimSpace(string(hash)), nil
}

// waitForClean polls the working tree until the agent's structured
// commits leave it clean, or the timeout elapses. A still-dirty tree
// after the timeout is not an error: the agent may legitimately leave
// work-in-progress uncommitted. Returns whether the tree ended clean.
func (c *Controller) waitForClean(ctx context.Context, worktreePath string) (bool, error) {
	deadline := time.Now().Add(structuredPollTimeout)
	for {
		dirty, err := c.isDirty(ctx, worktreePath)
		if err != nil {
			return false, err
		}
		if !dirty {
			return true, nil
		}
		if time.Now().After(deadline) {
			logger.Warn("CommitMode: working tree still dirty after structured turn in %s", worktreePath)
			return false, nil
		}
		select {
		case <-time.After(structuredPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *Controller) isDirty(ctx context.Context, worktreePath string) (bool, error) {
	output, err := c.exec.Output(ctx, worktreePath, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("git status --porcelain", worktreePath, output, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// Finalize collapses every session commit into a single commit with the
// given message. A soft reset to the merge base keeps the combined
// changes staged, then one commit replaces the checkpoint trail. Any
// postCommands run afterward in the worktree, so they can amend or
// annotate the final commit; the returned hash is read after they run.
func (c *Controller) Finalize(ctx context.Context, worktreePath, mainBranch, message string, postCommands []string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.E(errors.Op("commitmode.Finalize"), errors.KindInvalid, "commit message is required")
	}

	base, err := c.exec.Output(ctx, worktreePath, "git", "merge-base", mainBranch, "HEAD")
	if err != nil {
		return "", errors.NewGitError("git merge-base "+mainBranch+" HEAD", worktreePath, base, err)
	}
	baseHash := strings.TrimSpace(string(base))

	if output, err := c.exec.CombinedOutput(ctx, worktreePath, "git", "reset", "--soft", baseHash); err != nil {
		return "", errors.NewGitError("git reset --soft "+baseHash, worktreePath, output, err)
	}

	if output, err := c.exec.CombinedOutput(ctx, worktreePath, "git", "commit", "-m", message); err != nil {
		return "", errors.NewGitError("git commit -m "+message, worktreePath, output, err)
	}

	for _, cmd := range postCommands {
		if output, err := c.exec.CombinedOutput(ctx, worktreePath, "sh", "-c", cmd); err != nil {
			return "", errors.E(errors.Op("commitmode.Finalize"), errors.KindHook,
				fmt.Errorf("finalize command %q failed: %s: %w", cmd, strings.TrimSpace(string(output)), err))
		}
	}

	return c.headHash(ctx, worktreePath)
}

// hookIndicators are repository files whose presence suggests commit
// hooks matter to this project.
var hookIndicators = []string{
	".husky",
	".pre-commit-config.yaml",
	"lefthook.yml",
	".lefthook.yml",
	".changeset",
}

// ShouldWarnAboutCheckpointMode reports whether the repository uses
// commit hooks that checkpoint mode would bypass, so callers can warn
// before the first silent --no-verify commit.
func ShouldWarnAboutCheckpointMode(repoPath string) bool {
	for _, name := range hookIndicators {
		if _, err := os.Stat(filepath.Join(repoPath, name)); err == nil {
			return true
		}
	}
	return false
}
