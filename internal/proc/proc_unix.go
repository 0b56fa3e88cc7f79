//go:build linux || darwin

// Package proc provides process-group control for supervised children.
package proc

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// SysProcAttr places the child in a new process group so that signals reach
// everything it forks.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Signal delivers sig to the process group led by pid.
// It returns ErrNoProcess if the group no longer exists.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrNoProcess
	}
	return err
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signalNum(name string) syscall.Signal {
	return unix.SignalNum(name)
}
