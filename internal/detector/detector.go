package detector

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects a process by PID. When StartedAt (unix millis) is set,
// a process whose create time differs is treated as a reused PID, not ours.
type PIDDetector struct {
	PID       int
	StartedAt int64
}

func (d PIDDetector) Alive(ctx context.Context) (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(d.PID))
	if err != nil || !ok {
		return false, err
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(d.PID))
	if err != nil {
		// gone between the two calls
		return false, nil
	}
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	if d.StartedAt > 0 {
		if ct, err := p.CreateTimeWithContext(ctx); err == nil && !sameStart(ct, d.StartedAt) {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// StartTime returns the create time of pid in unix milliseconds, or 0 when unknown.
func StartTime(ctx context.Context, pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// Create times derived from clock ticks are only second-accurate on some platforms.
func sameStart(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1000
}

// Liveness answers whether the context a backend is scoped to still exists.
type Liveness interface {
	IsContextAlive(ctx context.Context, parentID string) bool
}

// ProcessLiveness treats a context id as the pid of the owning process.
// Context ids that are not pids cannot be judged and are reported alive so
// they are never reaped by mistake.
type ProcessLiveness struct{}

func (ProcessLiveness) IsContextAlive(ctx context.Context, parentID string) bool {
	pid, err := strconv.Atoi(strings.TrimSpace(parentID))
	if err != nil || pid <= 0 {
		return true
	}
	alive, err := PIDDetector{PID: pid}.Alive(ctx)
	if err != nil {
		return true
	}
	return alive
}

// LivenessFunc adapts a plain function to Liveness.
type LivenessFunc func(ctx context.Context, parentID string) bool

func (f LivenessFunc) IsContextAlive(ctx context.Context, parentID string) bool {
	return f(ctx, parentID)
}
