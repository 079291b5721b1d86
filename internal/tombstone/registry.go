// Package tombstone keeps the set of permanently deleted entity ids in
// memory so the sync hot path can reject resurrections without a
// database round trip. Deletion is forever: there is no removal API.
package tombstone

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

// Persister is the durable side of the registry; the local cache
// implements it.
type Persister interface {
	RecordTombstone(ts types.Tombstone) error
	ListTombstones() ([]types.Tombstone, error)
}

// Registry is the in-memory tombstone set. Safe for concurrent use.
type Registry struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	dead map[string]types.Tombstone
}

// NewRegistry hydrates the set from the persister.
func NewRegistry(persister Persister, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		persister: persister,
		logger:    logger.With("component", "tombstone"),
		now:       time.Now,
		dead:      make(map[string]types.Tombstone),
	}

	tombstones, err := persister.ListTombstones()
	if err != nil {
		return nil, err
	}
	for _, ts := range tombstones {
		r.dead[ts.EntityID] = ts
	}
	r.logger.Debug("tombstone registry hydrated", "action", "hydrate", "count", len(tombstones))
	return r, nil
}

// IsTombstoned reports whether the id is permanently deleted.
func (r *Registry) IsTombstoned(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, dead := r.dead[id]
	return dead
}

// Record marks an id as permanently deleted and persists the marker.
// Recording an already-dead id is a no-op; the original deletion stands.
func (r *Registry) Record(id string, kind types.EntityKind, deletedBy string) error {
	r.mu.Lock()
	if _, exists := r.dead[id]; exists {
		r.mu.Unlock()
		return nil
	}
	ts := types.Tombstone{
		EntityID:  id,
		Kind:      kind,
		DeletedAt: r.now().UTC(),
		DeletedBy: deletedBy,
	}
	r.dead[id] = ts
	r.mu.Unlock()

	if err := r.persister.RecordTombstone(ts); err != nil {
		return err
	}
	r.logger.Info("tombstone recorded", "action", "record", "entity_id", id, "kind", kind)
	return nil
}

// Observe folds tombstones learned from a remote delta into the set.
func (r *Registry) Observe(tombstones []types.Tombstone) error {
	for _, ts := range tombstones {
		r.mu.Lock()
		_, exists := r.dead[ts.EntityID]
		if !exists {
			r.dead[ts.EntityID] = ts
		}
		r.mu.Unlock()
		if exists {
			continue
		}
		if err := r.persister.RecordTombstone(ts); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of known tombstones.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dead)
}
