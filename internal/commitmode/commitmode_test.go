package commitmode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/execx"
)

func TestCheckpointMessage(t *testing.T) {
	c := NewController(execx.NewFakeExecutor(), "")

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			"short prompt untouched",
			"fix the login bug",
			"checkpoint: fix the login bug",
		},
		{
			"exactly fifty characters",
			strings.Repeat("a", 50),
			"checkpoint: " + strings.Repeat("a", 50),
		},
		{
			"over fifty gets ellipsis",
			strings.Repeat("a", 51),
			"checkpoint: " + strings.Repeat("a", 50) + "...",
		},
		{
			"multi-line uses first line",
			"first line\nsecond line that is ignored",
			"checkpoint: first line",
		},
		{
			"whitespace trimmed",
			"  padded prompt  ",
			"checkpoint: padded prompt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CheckpointMessage(tt.prompt); got != tt.want {
				t.Errorf("CheckpointMessage(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestCheckpointMessageCountsRunes(t *testing.T) {
	c := NewController(execx.NewFakeExecutor(), "")

	// 51 multi-byte runes must truncate at 50 runes, not bytes
	prompt := strings.Repeat("é", 51)
	got := c.CheckpointMessage(prompt)
	want := "checkpoint: " + strings.Repeat("é", 50) + "..."
	if got != want {
		t.Errorf("rune truncation wrong:\ngot  %q\nwant %q", got, want)
	}
}

func TestCheckpointMessageCustomPrefix(t *testing.T) {
	c := NewController(execx.NewFakeExecutor(), "wip: ")
	if got := c.CheckpointMessage("something"); got != "wip: something" {
		t.Errorf("custom prefix ignored: %q", got)
	}
}

func TestValidateMode(t *testing.T) {
	for _, mode := range []Mode{ModeCheckpoint, ModeStructured, ModeDisabled} {
		if err := ValidateMode(mode); err != nil {
			t.Errorf("ValidateMode(%q) unexpected error: %v", mode, err)
		}
	}

	err := ValidateMode(Mode("yolo"))
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if !errors.Is(err, errors.KindInvalid) {
		t.Errorf("expected KindInvalid, got %v", errors.GetKind(err))
	}
}

func TestPreparePrompt(t *testing.T) {
	got, err := PreparePrompt(ModeStructured, "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "do the thing") || !strings.Contains(got, "commit") {
		t.Errorf("structured prompt missing instruction: %q", got)
	}

	got, err = PreparePrompt(ModeCheckpoint, "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if got != "do the thing" {
		t.Errorf("checkpoint prompt modified: %q", got)
	}

	if _, err := PreparePrompt(Mode("bogus"), "x"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestAfterTurnCheckpoint(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git status --porcelain", " M main.go\n")
	exec.StubOutput("git rev-parse HEAD", "abc123\n")

	c := NewController(exec, "")
	hash, err := c.AfterTurn(context.Background(), ModeCheckpoint, "/wt", "fix bug")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "abc123" {
		t.Errorf("expected hash abc123, got %q", hash)
	}

	if !exec.CalledWith("git add -A") {
		t.Error("expected git add -A")
	}
	if !exec.CalledWith("git commit --no-verify -m checkpoint: fix bug") {
		t.Errorf("commit command missing or wrong:\ncalls: %v", exec.Calls())
	}
}

func TestAfterTurnCheckpointCleanTree(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git status --porcelain", "")

	c := NewController(exec, "")
	hash, err := c.AfterTurn(context.Background(), ModeCheckpoint, "/wt", "noop prompt")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Errorf("expected no commit on clean tree, got %q", hash)
	}
	if exec.CalledWith("git add -A") {
		t.Error("clean tree should not be staged")
	}
}

func TestAfterTurnDisabled(t *testing.T) {
	exec := execx.NewFakeExecutor()
	c := NewController(exec, "")

	hash, err := c.AfterTurn(context.Background(), ModeDisabled, "/wt", "anything")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" || len(exec.Calls()) != 0 {
		t.Errorf("disabled mode must not touch git: hash=%q calls=%v", hash, exec.Calls())
	}
}

func TestAfterTurnUnknownMode(t *testing.T) {
	c := NewController(execx.NewFakeExecutor(), "")
	if _, err := c.AfterTurn(context.Background(), Mode("surprise"), "/wt", "x"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestAfterTurnStructuredClean(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git status --porcelain", "")
	exec.StubOutput("git rev-parse HEAD", "agent111\n")

	c := NewController(exec, "")
	hash, err := c.AfterTurn(context.Background(), ModeStructured, "/wt", "x")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "agent111" {
		t.Errorf("expected the agent's HEAD after a clean turn, got %q", hash)
	}
	if exec.CalledWith("git add -A") {
		t.Error("structured mode must not stage anything")
	}
}

func TestFinalize(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git merge-base main HEAD", "base456\n")
	exec.StubOutput("git rev-parse HEAD", "final789\n")

	c := NewController(exec, "")
	hash, err := c.Finalize(context.Background(), "/wt", "main", "feat: the whole feature", nil)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "final789" {
		t.Errorf("expected final789, got %q", hash)
	}
	if !exec.CalledWith("git reset --soft base456") {
		t.Errorf("expected soft reset to merge base, calls: %v", exec.Calls())
	}
	if !exec.CalledWith("git commit -m feat: the whole feature") {
		t.Errorf("expected single final commit, calls: %v", exec.Calls())
	}
}

func TestFinalizeRequiresMessage(t *testing.T) {
	c := NewController(execx.NewFakeExecutor(), "")
	if _, err := c.Finalize(context.Background(), "/wt", "main", "  ", nil); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestFinalizePostCommands(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git merge-base main HEAD", "base456\n")
	exec.StubOutput("git rev-parse HEAD", "amended000\n")

	c := NewController(exec, "")
	hash, err := c.Finalize(context.Background(), "/wt", "main", "feat: done",
		[]string{"make changelog"})
	if err != nil {
		t.Fatal(err)
	}
	if hash != "amended000" {
		t.Errorf("expected the post-command HEAD, got %q", hash)
	}

	// The command must run after the final commit so it can amend it.
	calls := exec.Calls()
	commitIdx, cmdIdx := -1, -1
	for i, call := range calls {
		switch call.String() {
		case "git commit -m feat: done":
			commitIdx = i
		case "sh -c make changelog":
			cmdIdx = i
		}
	}
	if commitIdx < 0 || cmdIdx < 0 || cmdIdx < commitIdx {
		t.Errorf("finalize command did not run after the commit: %v", calls)
	}
}

func TestFinalizePostCommandFailure(t *testing.T) {
	exec := execx.NewFakeExecutor()
	exec.StubOutput("git merge-base main HEAD", "base456\n")
	exec.StubError("sh -c exit 1", "boom", fmt.Errorf("exit status 1"))

	c := NewController(exec, "")
	_, err := c.Finalize(context.Background(), "/wt", "main", "feat: done", []string{"exit 1"})
	if err == nil {
		t.Fatal("expected error from failing finalize command")
	}
	if !errors.Is(err, errors.KindHook) {
		t.Errorf("expected KindHook, got %v", errors.GetKind(err))
	}
}

func TestShouldWarnAboutCheckpointMode(t *testing.T) {
	dir := t.TempDir()
	if ShouldWarnAboutCheckpointMode(dir) {
		t.Error("bare repo should not warn")
	}

	if err := os.MkdirAll(filepath.Join(dir, ".husky"), 0755); err != nil {
		t.Fatal(err)
	}
	if !ShouldWarnAboutCheckpointMode(dir) {
		t.Error("husky repo should warn")
	}

	dir2 := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir2, ".pre-commit-config.yaml"), []byte("repos: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if !ShouldWarnAboutCheckpointMode(dir2) {
		t.Error("pre-commit repo should warn")
	}
}
