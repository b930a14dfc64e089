//go:build !windows

package execx

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts cmd in its own process group and makes context
// cancellation kill the whole group. Shell scripts fork freely; killing
// only the shell would leave its children running.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
