//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func signalTerm(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func signalKill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// signalGroup signals the backend's process group, falling back to the single
// pid when it does not lead a group. A missing process is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
