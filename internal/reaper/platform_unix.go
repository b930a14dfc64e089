//go:build !windows

package reaper

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func newPlatformLister() Lister {
	return &psLister{}
}

func newPlatformSignaler() Signaler {
	return &unixSignaler{}
}

// psLister walks the process table via `ps -eo pid=,ppid=` and collects
// descendants breadth-first.
type psLister struct{}

func (l *psLister) Descendants(ctx context.Context, pid int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "ps", "-eo", "pid=,ppid=")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		p, err1 := strconv.Atoi(fields[0])
		pp, err2 := strconv.Atoi(fields[1])
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

type unixSignaler struct{}

func (s *unixSignaler) Term(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func (s *unixSignaler) TermGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func (s *unixSignaler) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

func (s *unixSignaler) KillGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func (s *unixSignaler) Alive(pid int) bool {
	// Signal 0 checks existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
