package manager

import (
	"context"
	"crypto/subtle"

	"github.com/loykin/proxymgr/internal/metrics"
	"github.com/loykin/proxymgr/internal/store"
)

// Shutdown releases the caller's reference to its backend and stops the
// backend when no other reference remains. Unknown references and wrong
// secrets are logged and ignored.
func (m *Manager) Shutdown(ctx context.Context, parentID, callerID, secret string) error {
	if parentID == "" || callerID == "" || secret == "" {
		return nil
	}
	markerKey := store.Key(parentID, callerID)
	if err := store.ValidateKey(markerKey); err != nil {
		m.log.Debug("ignoring shutdown for unusable key", "key", markerKey, "error", err)
		metrics.IncShutdown(metrics.OutcomeNotFound)
		return nil
	}
	log := m.log.With("reference", markerKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	_, marker, err := m.refs.Get(ctx, markerKey)
	if err != nil {
		metrics.IncShutdown(metrics.OutcomeError)
		return &ShutdownError{Key: markerKey, Err: err}
	}
	if marker == nil {
		log.Debug("no backend registered for reference")
		metrics.IncShutdown(metrics.OutcomeNotFound)
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(marker.AuthSecret)) != 1 {
		log.Warn("refusing shutdown", "error", ErrUnauthorized)
		metrics.IncShutdown(metrics.OutcomeUnauthorized)
		return nil
	}

	only, err := m.tracker.IsOnlyReference(ctx, *marker)
	if err != nil {
		metrics.IncShutdown(metrics.OutcomeError)
		return &ShutdownError{Key: markerKey, Err: err}
	}
	outcome := metrics.OutcomeReleased
	if only {
		outcome = metrics.OutcomeTerminated
		if marker.PID > 0 {
			if err := m.terminator.Terminate(ctx, marker.PID, marker.StartedAt); err != nil {
				// the registry is cleaned up regardless
				log.Error("failed to stop backend", "pid", marker.PID, "error", err)
			} else {
				log.Info("backend stopped", "pid", marker.PID, "key", marker.ID)
			}
		}
	}

	if err := m.refs.Delete(ctx, markerKey); err != nil {
		metrics.IncShutdown(metrics.OutcomeError)
		return &ShutdownError{Key: markerKey, Err: err}
	}
	remaining, err := m.tracker.Count(ctx, parentID, marker.ID)
	if err != nil {
		metrics.IncShutdown(metrics.OutcomeError)
		return &ShutdownError{Key: markerKey, Err: err}
	}
	if remaining == 0 {
		if err := m.servers.Delete(ctx, marker.ID); err != nil {
			metrics.IncShutdown(metrics.OutcomeError)
			return &ShutdownError{Key: marker.ID, Err: err}
		}
	}
	log.Debug("reference released", "remaining", remaining)
	metrics.IncShutdown(outcome)
	return nil
}
