// Package manager shares backend proxy processes between callers of the same
// context. State lives entirely in the registry, so unrelated manager
// processes on one machine cooperate without a coordinator.
package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/proxymgr/internal/detector"
	"github.com/loykin/proxymgr/internal/env"
	"github.com/loykin/proxymgr/internal/prober"
	"github.com/loykin/proxymgr/internal/process"
	"github.com/loykin/proxymgr/internal/reftrack"
	"github.com/loykin/proxymgr/internal/store"
)

const (
	// DefaultIdentity is the slot identity of shared backends.
	DefaultIdentity = "default"
	// LauncherCallerID is the caller id used by browser launcher sessions.
	LauncherCallerID = "jsp"

	DefaultReadyTimeout = 120 * time.Second
)

// Launcher spawns a backend process.
type Launcher interface {
	Launch(ctx context.Context, spec process.Spec) (*process.Process, error)
}

// Prober finds listening ports and waits for backends to answer.
type Prober interface {
	FreePort() (int, error)
	Ready(ctx context.Context, target string, headers map[string]string) bool
}

// Terminator stops a backend by pid.
type Terminator interface {
	Terminate(ctx context.Context, pid int, startedAt int64) error
}

// Options wires a Manager. Registry and Profile.Command are required; the
// remaining fields default to the real OS implementations.
type Options struct {
	Registry     store.Registry
	Profile      env.Profile
	Launcher     Launcher
	Prober       Prober
	Terminator   Terminator
	Liveness     detector.Liveness
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	// TerminateOrphans also stops the backends of dead contexts during a sweep
	// instead of only forgetting their records.
	TerminateOrphans bool
	Logger           *slog.Logger
}

// Manager implements start-or-alias and reference counted shutdown.
type Manager struct {
	// mu serializes shutdowns issued through this instance.
	mu sync.Mutex

	servers    store.Repository
	refs       store.Repository
	tracker    reftrack.Tracker
	profile    env.Profile
	launcher   Launcher
	prober     Prober
	terminator Terminator
	liveness   detector.Liveness

	readyTimeout     time.Duration
	terminateOrphans bool
	log              *slog.Logger
}

// New validates opts and fills in defaults.
func New(opts Options) (*Manager, error) {
	if opts.Registry.Servers == nil || opts.Registry.Refs == nil {
		return nil, errors.New("manager requires a registry")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("component", "manager")
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Launcher == nil {
		opts.Launcher = process.Launcher{Logger: log}
	}
	if opts.Prober == nil {
		opts.Prober = prober.Prober{
			Host:    opts.Profile.Host,
			Options: prober.Options{Timeout: opts.ReadyTimeout, Logger: log},
		}
	}
	if opts.Terminator == nil {
		opts.Terminator = process.Terminator{Wait: opts.StopTimeout}
	}
	if opts.Liveness == nil {
		opts.Liveness = detector.ProcessLiveness{}
	}
	return &Manager{
		servers:          opts.Registry.Servers,
		refs:             opts.Registry.Refs,
		tracker:          reftrack.Tracker{Refs: opts.Registry.Refs},
		profile:          opts.Profile,
		launcher:         opts.Launcher,
		prober:           opts.Prober,
		terminator:       opts.Terminator,
		liveness:         opts.Liveness,
		readyTimeout:     opts.ReadyTimeout,
		terminateOrphans: opts.TerminateOrphans,
		log:              log,
	}, nil
}
