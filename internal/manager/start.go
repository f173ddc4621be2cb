package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/proxymgr/internal/metrics"
	"github.com/loykin/proxymgr/internal/process"
	"github.com/loykin/proxymgr/internal/store"
)

// StartRequest asks for a backend on behalf of one caller.
type StartRequest struct {
	CallerID string
	ParentID string
	// Isolated requests a backend private to CallerID instead of the
	// context's shared one.
	Isolated bool
	// Secret becomes the shutdown secret of a newly launched backend. A random
	// one is generated when empty. Aliased requests receive the creator's secret.
	Secret string
}

// StartForKernel starts or aliases a backend for a notebook kernel.
func (m *Manager) StartForKernel(ctx context.Context, callerID, parentID string, isolated bool) (*store.ServerRecord, error) {
	return m.Start(ctx, StartRequest{CallerID: callerID, ParentID: parentID, Isolated: isolated})
}

// StartForLauncher starts or aliases a backend for a browser launcher session.
func (m *Manager) StartForLauncher(ctx context.Context, parentID string, isolated bool, secret string) (*store.ServerRecord, error) {
	return m.Start(ctx, StartRequest{CallerID: LauncherCallerID, ParentID: parentID, Isolated: isolated, Secret: secret})
}

// Start returns a ready backend for req, reusing the context's existing one
// when allowed. A nil record with a nil error means the backend could not be
// spawned or never became ready; the details are logged.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.ServerRecord, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	secret := req.Secret
	if secret == "" {
		s, err := newSecret()
		if err != nil {
			return nil, err
		}
		secret = s
	}

	if _, err := m.sweepContext(ctx, req.ParentID); err != nil {
		m.log.Warn("orphan sweep failed", "context", req.ParentID, "error", err)
	}

	ident, kind := DefaultIdentity, store.KindShared
	if req.Isolated {
		ident, kind = req.CallerID, store.KindIsolated
	}
	key := store.Key(req.ParentID, ident)
	markerKey := store.Key(req.ParentID, req.CallerID)
	log := m.log.With("key", key, "caller", req.CallerID)

	existing, err := m.lookup(ctx, req.ParentID, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if existing != nil {
		return m.alias(ctx, markerKey, existing)
	}

	rec, err := m.launch(ctx, req.ParentID, ident, kind, secret)
	if err != nil || rec == nil {
		return nil, err
	}

	// The marker is written before the slot is published: a caller aliasing the
	// new slot must never count itself as the only reference.
	if err := m.refs.Set(ctx, markerKey, *rec); err != nil {
		m.discard(ctx, log, rec)
		return nil, fmt.Errorf("write reference %s: %w", markerKey, err)
	}
	if err := m.servers.Create(ctx, key, *rec); err != nil {
		// our backend is referenced by nothing but our own marker
		m.discard(ctx, log, rec)
		if !errors.Is(err, store.ErrExists) {
			m.dropMarker(ctx, log, markerKey)
			return nil, fmt.Errorf("register %s: %w", key, err)
		}
		metrics.IncRaceLoss()
		winner, lerr := m.lookup(ctx, req.ParentID, key)
		if lerr != nil {
			m.dropMarker(ctx, log, markerKey)
			return nil, fmt.Errorf("lookup %s: %w", key, lerr)
		}
		if winner == nil {
			m.dropMarker(ctx, log, markerKey)
			log.Warn("slot was claimed and released while starting")
			return nil, nil
		}
		log.Info("another starter claimed the slot first, aliasing", "discarded_pid", rec.PID, "pid", winner.PID)
		return m.alias(ctx, markerKey, winner)
	}

	metrics.IncLaunch(string(kind))
	log.Info("backend started", "pid", rec.PID, "url", rec.URL())
	return rec, nil
}

// discard stops a backend that never made it into the registry.
func (m *Manager) discard(ctx context.Context, log *slog.Logger, rec *store.ServerRecord) {
	if err := m.terminator.Terminate(ctx, rec.PID, rec.StartedAt); err != nil {
		log.Warn("failed to stop discarded backend", "pid", rec.PID, "error", err)
	}
}

func (m *Manager) dropMarker(ctx context.Context, log *slog.Logger, markerKey string) {
	if err := m.refs.Delete(ctx, markerKey); err != nil {
		log.Warn("failed to remove reference", "reference", markerKey, "error", err)
	}
}

func validate(req StartRequest) error {
	if req.Isolated && req.CallerID == DefaultIdentity {
		return &ConfigurationError{Field: "caller_id", Reason: "isolated backends cannot use the reserved caller id \"default\""}
	}
	if err := store.ValidateIdentity(req.CallerID); err != nil {
		return &ConfigurationError{Field: "caller_id", Reason: "not usable as a registry key", Err: err}
	}
	if err := store.ValidateContext(req.ParentID); err != nil {
		return &ConfigurationError{Field: "parent_id", Reason: "not usable as a registry key", Err: err}
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// lookup finds the record of slot key. Registries written without slot
// records are served from the first marker carrying the slot id. Markers
// stamped with CreatedAt come from this manager and always have a slot record
// once it is published, so one without a slot is still pending and is skipped.
func (m *Manager) lookup(ctx context.Context, parentID, key string) (*store.ServerRecord, error) {
	_, rec, err := m.servers.Get(ctx, key)
	if err != nil || rec != nil {
		return rec, err
	}
	entries, err := m.refs.List(ctx, store.ContextPrefix(parentID))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Record.ID == key && e.Record.CreatedAt.IsZero() {
			rec := e.Record
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *Manager) alias(ctx context.Context, markerKey string, rec *store.ServerRecord) (*store.ServerRecord, error) {
	if err := m.refs.Set(ctx, markerKey, *rec); err != nil {
		return nil, fmt.Errorf("write reference %s: %w", markerKey, err)
	}
	metrics.IncAlias(string(rec.Kind))
	m.log.Info("reusing running backend", "key", rec.ID, "reference", markerKey, "pid", rec.PID)
	return rec, nil
}

// launch spawns a backend for the slot and waits until it answers. The
// process is left running when it does not become ready in time.
func (m *Manager) launch(ctx context.Context, parentID, ident string, kind store.Kind, secret string) (*store.ServerRecord, error) {
	key := store.Key(parentID, ident)
	log := m.log.With("key", key)

	port, err := m.prober.FreePort()
	if err != nil {
		metrics.IncLaunchFailure()
		log.Error("no free port for backend", "error", err)
		return nil, nil
	}
	l, err := m.profile.Prepare(ident, port)
	if err != nil {
		return nil, &ConfigurationError{Field: "backend", Reason: "cannot prepare launch", Err: err}
	}

	proc, err := m.launcher.Launch(ctx, process.Spec{
		Name:    key,
		Command: l.Command,
		Env:     l.Env,
		WorkDir: l.WorkDir,
		Log:     m.profile.Log,
	})
	if err != nil {
		metrics.IncLaunchFailure()
		log.Error("failed to launch backend", "error", err)
		return nil, nil
	}

	began := time.Now()
	rctx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	ready := m.prober.Ready(rctx, l.ReadyURL, l.Headers)
	cancel()
	if !ready {
		metrics.IncReadinessFailure()
		log.Error("backend did not become ready", "pid", proc.PID, "url", l.ReadyURL, "timeout", m.readyTimeout)
		return nil, nil
	}
	metrics.ObserveReadyWait(time.Since(began).Seconds())

	return &store.ServerRecord{
		ServerURL:  l.ServerURL,
		BasePath:   l.BasePath,
		Headers:    l.Headers,
		PID:        proc.PID,
		ParentPID:  parentID,
		ID:         key,
		Kind:       kind,
		AuthSecret: secret,
		StartedAt:  proc.StartedAt,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
