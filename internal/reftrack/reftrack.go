// Package reftrack counts the reference markers that point at a backend.
package reftrack

import (
	"context"
	"fmt"

	"github.com/loykin/proxymgr/internal/store"
)

// Tracker answers reference questions from the marker namespace.
type Tracker struct {
	Refs store.Repository
}

// Count returns how many markers of parentID reference the slot id.
// The whole context is read with one List call, so the answer reflects a
// single directory snapshot.
func (t Tracker) Count(ctx context.Context, parentID, id string) (int, error) {
	entries, err := t.Refs.List(ctx, store.ContextPrefix(parentID))
	if err != nil {
		return 0, fmt.Errorf("list references of %s: %w", parentID, err)
	}
	n := 0
	for _, e := range entries {
		if e.Record.ID == id {
			n++
		}
	}
	return n, nil
}

// IsOnlyReference reports whether marker is the last one referencing its
// backend. Zero matches also yield true: the caller's own marker may already
// be gone, and nothing else keeps the backend alive.
func (t Tracker) IsOnlyReference(ctx context.Context, marker store.ServerRecord) (bool, error) {
	n, err := t.Count(ctx, marker.ParentPID, marker.ID)
	if err != nil {
		return false, err
	}
	return n <= 1, nil
}
