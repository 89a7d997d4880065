//go:build !windows

package orchestrator

import (
	"errors"
	"syscall"
)

// terminate sends SIGTERM to pid. alive is false when the process no longer exists.
func terminate(pid int) (alive bool, err error) {
	err = syscall.Kill(pid, syscall.SIGTERM)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return true, err
	}
}

// running reports whether pid still exists (signal 0).
func running(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
