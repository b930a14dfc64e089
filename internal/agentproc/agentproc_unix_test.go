//go:build !windows

package agentproc

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/jmalloc/drover/internal/reaper"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExitStatus(t *testing.T) {
	if code, signal := exitStatus(nil); code != 0 || signal != "" {
		t.Errorf("clean exit: got %d %q", code, signal)
	}

	err := exec.Command("sh", "-c", "exit 3").Run()
	if code, signal := exitStatus(err); code != 3 || signal != "" {
		t.Errorf("nonzero exit: got %d %q", code, signal)
	}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	cmd.Process.Kill()
	werr := cmd.Wait()
	if code, signal := exitStatus(werr); code != -1 || signal != "killed" {
		t.Errorf("signal death: got %d %q", code, signal)
	}
}

func TestStopForceKillsStuckProcessTree(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	pm := NewProcessManager(ProcessConfig{Binary: "sh"}, ProcessCallbacks{}, discardLogger())

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()

	killed := make(chan int, 1)
	pm.killTree = func(ctx context.Context, pid int) reaper.Report {
		killed <- pid
		cmd.Process.Kill()
		return reaper.Report{Killed: []int{pid}}
	}

	pm.mu.Lock()
	pm.cmd = cmd
	pm.running = true
	pm.waitDone = waitDone
	pm.ctx, pm.cancel = context.WithCancel(context.Background())
	pm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		pm.Stop()
		close(done)
	}()

	select {
	case pid := <-killed:
		if pid != cmd.Process.Pid {
			t.Errorf("tree kill targeted pid %d, want %d", pid, cmd.Process.Pid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stuck process never escalated to a tree kill")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStartAgentReplacesDeadRunner(t *testing.T) {
	s := NewSupervisor(nil, nil)

	stale := NewRunner(RunnerConfig{SessionID: "s1", AgentSessionID: "agent-old"}, nil, nil, RunnerHooks{})
	s.mu.Lock()
	s.runners["s1"] = stale
	s.mu.Unlock()

	r, err := s.StartAgent(RunnerConfig{
		SessionID:      "s1",
		Binary:         "true",
		PermissionMode: PermissionModeIgnore,
	}, RunnerHooks{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.StopAll)

	if r == stale {
		t.Fatal("dead runner was returned instead of replaced")
	}
	if r.AgentSessionID() != "agent-old" {
		t.Errorf("replacement lost the conversation id: %q", r.AgentSessionID())
	}
	if s.Get("s1") != r {
		t.Error("replacement not registered with the supervisor")
	}
}
