//go:build windows

package supervisor

import "os"

// windows has no graceful signal; both paths hard-kill

func termProcess(p *os.Process) {
	p.Kill()
}

func killProcess(p *os.Process) {
	p.Kill()
}

func termPid(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}

func killPid(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}
