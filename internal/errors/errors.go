// Package errors provides structured error types for drover.
// These errors provide context about what operation failed and where.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindPermission
	KindIO
	KindNetwork
	KindConfig
	KindGit
	KindConflict
	KindHook
	KindAgent
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindPermission:
		return "permission denied"
	case KindIO:
		return "I/O error"
	case KindNetwork:
		return "network error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git error"
	case KindConflict:
		return "merge conflict"
	case KindHook:
		return "hook failure"
	case KindAgent:
		return "agent error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for drover.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	var g *GitError
	if errors.As(err, &g) {
		return g.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var g *GitError
	if errors.As(err, &g) {
		return g.Kind
	}
	return KindUnknown
}

// GitError carries the full diagnostic context of a failed git command:
// the command line, its combined output, and the directory it ran in.
// Callers must surface this detail rather than summarize it.
type GitError struct {
	Command string // e.g. "git rebase main"
	Output  string // raw combined stdout/stderr
	Dir     string // working directory the command ran in
	Kind    Kind   // KindGit, KindConflict, or KindHook
	Err     error  // underlying exec error
}

// Error returns the error message including command and output.
func (e *GitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out != "" {
		return fmt.Sprintf("%s (in %s): %s", e.Command, e.Dir, out)
	}
	return fmt.Sprintf("%s (in %s): %v", e.Command, e.Dir, e.Err)
}

// Unwrap returns the underlying error.
func (e *GitError) Unwrap() error {
	return e.Err
}

// NewGitError builds a GitError, classifying the output into the conflict
// and hook-failure sub-cases so callers can branch on them.
func NewGitError(command, dir string, output []byte, err error) *GitError {
	return &GitError{
		Command: command,
		Output:  string(output),
		Dir:     dir,
		Kind:    ClassifyGitOutput(string(output)),
		Err:     err,
	}
}

// ClassifyGitOutput inspects raw git output and returns KindConflict for
// merge/rebase conflicts, KindHook for pre-commit hook failures, and
// KindGit otherwise.
func ClassifyGitOutput(output string) Kind {
	lower := strings.ToLower(output)
	if strings.Contains(output, "CONFLICT") ||
		strings.Contains(lower, "merge conflict") ||
		strings.Contains(lower, "could not apply") {
		return KindConflict
	}
	if strings.Contains(lower, "pre-commit hook") ||
		strings.Contains(lower, "hook failed") ||
		strings.Contains(lower, "husky") {
		return KindHook
	}
	return KindGit
}

// Session errors
func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

// Config errors
func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

// Git errors
func GitNotRepo(path string) error {
	return E(Op("worktree.ValidateRepo"), KindInvalid, fmt.Sprintf("%s is not a git repository", path))
}

// Agent errors
func AgentStartFailed(sessionID string, err error) error {
	return E(Op("agentproc.Start"), KindAgent, fmt.Sprintf("failed to start agent for session %s", sessionID), err)
}

// Permission errors
func PermissionTimeout(tool string) error {
	return E(Op("approval.Wait"), KindTimeout, fmt.Sprintf("timeout waiting for permission response for tool %s", tool))
}
