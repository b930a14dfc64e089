package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyGitOutput(t *testing.T) {
	tests := []struct {
		output string
		want   Kind
	}{
		{"CONFLICT (content): Merge conflict in main.go", KindConflict},
		{"error: could not apply abc123... fix thing", KindConflict},
		{"Auto-merging main.go\nmerge conflict detected", KindConflict},
		{"husky - pre-commit hook exited with code 1", KindHook},
		{"pre-commit hook failed", KindHook},
		{"fatal: not a git repository", KindGit},
		{"", KindGit},
	}
	for _, tt := range tests {
		if got := ClassifyGitOutput(tt.output); got != tt.want {
			t.Errorf("ClassifyGitOutput(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestGitErrorCarriesContext(t *testing.T) {
	base := fmt.Errorf("exit status 1")
	err := NewGitError("git rebase main", "/wt", []byte("CONFLICT (content): clash"), base)

	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		t.Fatal("expected *GitError")
	}
	if gitErr.Command != "git rebase main" || gitErr.Dir != "/wt" {
		t.Errorf("context lost: %+v", gitErr)
	}
	if gitErr.Kind != KindConflict {
		t.Errorf("conflict not classified: %v", gitErr.Kind)
	}
	if GetKind(err) != KindConflict {
		t.Errorf("GetKind should see through GitError, got %v", GetKind(err))
	}
	if !errors.Is(err, base) {
		t.Error("underlying error must unwrap")
	}
}

func TestGetKind(t *testing.T) {
	err := E(Op("session.Create"), KindInvalid, fmt.Errorf("bad input"))
	if GetKind(err) != KindInvalid {
		t.Errorf("got %v", GetKind(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if GetKind(wrapped) != KindInvalid {
		t.Errorf("GetKind should unwrap, got %v", GetKind(wrapped))
	}

	if GetKind(fmt.Errorf("plain")) != KindUnknown {
		t.Error("plain errors are KindUnknown")
	}
	if GetKind(nil) != KindUnknown {
		t.Error("nil is KindUnknown")
	}
}

func TestSessionNotFound(t *testing.T) {
	err := SessionNotFound("abc")
	if GetKind(err) != KindNotFound {
		t.Errorf("got %v", GetKind(err))
	}
}
