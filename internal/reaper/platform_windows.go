//go:build windows

package reaper

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func newPlatformLister() Lister {
	return &wmicLister{}
}

func newPlatformSignaler() Signaler {
	return &windowsSignaler{}
}

// wmicLister walks the process table via wmic and collects descendants
// breadth-first.
type wmicLister struct{}

func (l *wmicLister) Descendants(ctx context.Context, pid int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "wmic", "process", "get", "ProcessId,ParentProcessId", "/format:csv")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		// CSV format: Node,ParentProcessId,ProcessId
		if len(fields) != 3 {
			continue
		}
		pp, err1 := strconv.Atoi(strings.TrimSpace(fields[1]))
		p, err2 := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err1 != nil || err2 != nil {
			continue
		}
		children[pp] = append(children[pp], p)
	}

	var result []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)
		for _, child := range children[cur] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return result, nil
}

type windowsSignaler struct{}

func (s *windowsSignaler) Term(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run()
}

func (s *windowsSignaler) TermGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func (s *windowsSignaler) Kill(pid int) error {
	return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func (s *windowsSignaler) KillGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func (s *windowsSignaler) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Windows for historical pids; a
	// failed Release distinguishes dead handles.
	return proc.Release() == nil
}
