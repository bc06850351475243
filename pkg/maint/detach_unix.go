//go:build !windows

package maint

import (
	"os"
	"os/exec"
	"syscall"
)

// spawnDetachedShell runs a shell pipeline in its own session with output
// appended to logPath, surviving this process's exit
func spawnDetachedShell(pipeline, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.Command("/bin/sh", "-c", pipeline)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// spawnDetached runs a program in its own session, fully detached
func spawnDetached(prog string, args ...string) error {
	cmd := exec.Command(prog, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
