package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/proxymgr/internal/detector"
)

// DefaultStopWait is how long Terminate waits after the graceful signal before escalating.
const DefaultStopWait = 5 * time.Second

// LaunchError reports that the OS refused to create the backend process.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Process is a handle to a launched backend.
type Process struct {
	PID       int
	StartedAt int64 // unix millis, 0 when unknown

	mu      sync.Mutex
	done    chan struct{}
	exitErr error
}

// Done is closed once the backend has exited and was reaped by this manager.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Launcher spawns backends.
type Launcher struct {
	Logger *slog.Logger
}

// Launch starts spec and returns as soon as the OS has created the process.
// Readiness is a separate step. No retry is attempted.
func (l Launcher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	log := l.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, &LaunchError{Command: strings.Join(spec.Command, " "), Err: err}
	}

	// Both streams must be *os.File so the child inherits the descriptors.
	// os/exec pipes any other writer through this process.
	var files []*os.File
	if spec.Log.Enabled() {
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, &LaunchError{Command: cmd.Path, Err: fmt.Errorf("prepare logs: %w", err)}
		}
		if outW != nil {
			cmd.Stdout = outW
			files = append(files, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			files = append(files, errW)
		}
	}
	if cmd.Stdout == nil || cmd.Stderr == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err == nil {
			files = append(files, null)
			if cmd.Stdout == nil {
				cmd.Stdout = null
			}
			if cmd.Stderr == nil {
				cmd.Stderr = null
			}
		}
	}

	err = cmd.Start()
	// the child holds its own copies
	for _, f := range files {
		_ = f.Close()
	}
	if err != nil {
		return nil, &LaunchError{Command: cmd.Path, Err: err}
	}

	p := &Process{PID: cmd.Process.Pid, done: make(chan struct{})}
	p.StartedAt = detector.StartTime(ctx, p.PID)
	log.Debug("backend process started", "name", spec.Name, "pid", p.PID, "command", cmd.Path)

	// Reap the child so a long-lived manager never accumulates zombies.
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		log.Debug("backend process exited", "name", spec.Name, "pid", p.PID, "error", err)
	}()
	return p, nil
}

// Terminator stops backends by pid.
type Terminator struct {
	Wait time.Duration
}

// Terminate asks pid to stop gracefully and escalates to a hard kill when it
// is still alive after t.Wait. A pid that is gone, or whose create time no
// longer matches startedAt, is already stopped.
func (t Terminator) Terminate(ctx context.Context, pid int, startedAt int64) error {
	d := detector.PIDDetector{PID: pid, StartedAt: startedAt}
	if alive, _ := d.Alive(ctx); !alive {
		return nil
	}
	if err := signalTerm(pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	wait := t.Wait
	if wait <= 0 {
		wait = DefaultStopWait
	}
	if waitGone(ctx, d, wait) {
		return nil
	}
	if err := signalKill(pid); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	waitGone(ctx, d, 200*time.Millisecond)
	return nil
}

func waitGone(ctx context.Context, d detector.PIDDetector, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if alive, _ := d.Alive(ctx); !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}
