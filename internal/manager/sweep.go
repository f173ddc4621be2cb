package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/loykin/proxymgr/internal/metrics"
	"github.com/loykin/proxymgr/internal/store"
)

// sweepContext forgets every record of parentID when the context is gone.
// It returns the number of registry entries removed.
func (m *Manager) sweepContext(ctx context.Context, parentID string) (int, error) {
	if m.liveness.IsContextAlive(ctx, parentID) {
		return 0, nil
	}
	prefix := store.ContextPrefix(parentID)
	var errs []error
	n := 0

	slots, err := m.servers.List(ctx, prefix)
	if err != nil {
		errs = append(errs, err)
	}
	if m.terminateOrphans {
		for _, e := range slots {
			if e.Record.PID <= 0 {
				continue
			}
			if err := m.terminator.Terminate(ctx, e.Record.PID, e.Record.StartedAt); err != nil {
				m.log.Warn("failed to stop orphaned backend", "key", e.Key, "pid", e.Record.PID, "error", err)
			}
		}
	}
	refs, err := m.refs.List(ctx, prefix)
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range refs {
		if err := m.refs.Delete(ctx, e.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	for _, e := range slots {
		if err := m.servers.Delete(ctx, e.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		metrics.AddOrphansSwept(n)
		m.log.Info("removed records of dead context", "context", parentID, "entries", n)
	}
	return n, errors.Join(errs...)
}

// Sweep runs the orphan sweep for every context present in the registry.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	contexts := map[string]struct{}{}
	for _, repo := range []store.Repository{m.refs, m.servers} {
		entries, err := repo.List(ctx, "")
		if err != nil {
			return 0, fmt.Errorf("list registry: %w", err)
		}
		for _, e := range entries {
			if parentID, _, ok := store.SplitKey(e.Key); ok {
				contexts[parentID] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(contexts))
	for id := range contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	var errs []error
	for _, id := range ids {
		n, err := m.sweepContext(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}

// List returns the registered backends, one entry per slot, for parentID or
// for every context when parentID is empty. Slots only known from reference
// markers are included.
func (m *Manager) List(ctx context.Context, parentID string) ([]store.Entry, error) {
	prefix := ""
	if parentID != "" {
		if err := store.ValidateContext(parentID); err != nil {
			return nil, &ConfigurationError{Field: "parent_id", Reason: "not usable as a registry key", Err: err}
		}
		prefix = store.ContextPrefix(parentID)
	}
	slots, err := m.servers.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	refs, err := m.refs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	seen := make(map[string]bool, len(slots))
	for _, e := range slots {
		seen[e.Key] = true
	}
	for _, e := range refs {
		if e.Record.ID == "" || seen[e.Record.ID] {
			continue
		}
		seen[e.Record.ID] = true
		slots = append(slots, store.Entry{Key: e.Record.ID, Location: e.Location, Record: e.Record})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Key < slots[j].Key })
	if parentID == "" {
		metrics.SetServers(len(slots))
	}
	return slots, nil
}

// References returns the reference markers of parentID.
func (m *Manager) References(ctx context.Context, parentID string) ([]store.Entry, error) {
	if err := store.ValidateContext(parentID); err != nil {
		return nil, &ConfigurationError{Field: "parent_id", Reason: "not usable as a registry key", Err: err}
	}
	return m.refs.List(ctx, store.ContextPrefix(parentID))
}
