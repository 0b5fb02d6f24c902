//go:build unix

package spawn

import (
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the worker in its own process group so a terminal
// interrupt aimed at the broker does not also hit its workers.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func isProcessAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}
