// Package execx abstracts subprocess execution so git and process
// operations can be exercised in tests without spawning real commands.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CommandExecutor runs external commands. The real implementation shells
// out; tests substitute a FakeExecutor with canned responses.
type CommandExecutor interface {
	// Run executes a command and returns stdout and stderr separately.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
	// Output executes a command and returns its stdout.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// CombinedOutput executes a command and returns interleaved stdout/stderr.
	CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// RealExecutor runs commands via os/exec.
type RealExecutor struct{}

// NewRealExecutor returns an executor backed by os/exec.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (e *RealExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)
	return cmd.Output()
}

func (e *RealExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)
	return cmd.CombinedOutput()
}

// Call records a single command invocation on a FakeExecutor.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// String returns the call formatted as a command line.
func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Response is a canned result for a FakeExecutor.
type Response struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// FakeExecutor returns canned responses keyed by the full command line
// and records every call made. Unmatched commands succeed with empty
// output unless StrictMode is set.
type FakeExecutor struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []Call

	// StrictMode makes unmatched commands fail instead of returning
	// empty success.
	StrictMode bool
}

// NewFakeExecutor returns an empty fake.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{responses: make(map[string]Response)}
}

// Stub registers a canned response for the given command line, e.g.
// "git status --porcelain".
func (e *FakeExecutor) Stub(commandLine string, r Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[commandLine] = r
}

// StubOutput registers a success response with the given stdout.
func (e *FakeExecutor) StubOutput(commandLine, stdout string) {
	e.Stub(commandLine, Response{Stdout: []byte(stdout)})
}

// StubError registers a failure response with the given stderr and error.
func (e *FakeExecutor) StubError(commandLine, stderr string, err error) {
	e.Stub(commandLine, Response{Stderr: []byte(stderr), Err: err})
}

// Calls returns a copy of every recorded invocation.
func (e *FakeExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CalledWith reports whether any recorded call matches the command line.
func (e *FakeExecutor) CalledWith(commandLine string) bool {
	for _, c := range e.Calls() {
		if c.String() == commandLine {
			return true
		}
	}
	return false
}

func (e *FakeExecutor) lookup(dir, name string, args []string) Response {
	call := Call{Dir: dir, Name: name, Args: args}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)

	if r, ok := e.responses[call.String()]; ok {
		return r
	}
	if e.StrictMode {
		return Response{Err: fmt.Errorf("no stub for command: %s", call.String())}
	}
	return Response{}
}

func (e *FakeExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	r := e.lookup(dir, name, args)
	return r.Stdout, r.Stderr, r.Err
}

func (e *FakeExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r := e.lookup(dir, name, args)
	if r.Err != nil {
		return r.Stdout, r.Err
	}
	return r.Stdout, nil
}

func (e *FakeExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r := e.lookup(dir, name, args)
	combined := append(append([]byte{}, r.Stdout...), r.Stderr...)
	return combined, r.Err
}
