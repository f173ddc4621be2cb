//go:build windows

package process

import (
	"context"
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no graceful signal for detached console-less processes, so both
// stages end in TerminateProcess.
func signalTerm(pid int) error { return terminate(pid) }

func signalKill(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.Terminate(); err != nil {
		if ok, _ := p.IsRunning(); !ok {
			return nil
		}
		return err
	}
	return nil
}
