//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func termProcess(p *os.Process) {
	p.Signal(syscall.SIGTERM)
}

func killProcess(p *os.Process) {
	p.Signal(syscall.SIGKILL)
}

func termPid(pid int) {
	syscall.Kill(pid, syscall.SIGTERM)
}

func killPid(pid int) {
	syscall.Kill(pid, syscall.SIGKILL)
}
