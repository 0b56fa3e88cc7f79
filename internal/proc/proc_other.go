//go:build !linux && !darwin

// Package proc provides process-group control for supervised children.
package proc

import (
	"os"
	"syscall"
)

// SysProcAttr returns the default attributes; process groups are not
// available on this platform.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// Signal delivers sig to the process itself.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return ErrNoProcess
	}
	if err := p.Signal(sig); err != nil {
		if err == os.ErrProcessDone {
			return ErrNoProcess
		}
		return err
	}
	return nil
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func signalNum(name string) syscall.Signal {
	switch name {
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGINT":
		return syscall.SIGINT
	case "SIGTERM":
		return syscall.SIGTERM
	case "SIGKILL":
		return syscall.SIGKILL
	default:
		return 0
	}
}
