// Package capability holds the capability registry and the operation
// requirement map consulted by the policy engine.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

var (
	ErrDuplicate = errors.New("capability already exists")
	ErrForbidden = errors.New("system capability cannot be modified")
	ErrNotFound  = errors.New("capability not found")
	ErrInvalid   = errors.New("invalid capability")
)

// Registry is the authoritative set of known capabilities. Reads are served
// from memory; writes go through to the CapabilityStore when one is set.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]models.Capability
	store store.CapabilityStore
}

// NewRegistry creates an empty registry. st may be nil for a purely
// in-memory registry (CLI validation, tests).
func NewRegistry(st store.CapabilityStore) *Registry {
	return &Registry{
		caps:  make(map[string]models.Capability),
		store: st,
	}
}

// Load restores custom capabilities from the store and then (re)seeds the
// system set. Stored system rows that are no longer part of the seed are
// removed.
func (r *Registry) Load(ctx context.Context, system []models.Capability) error {
	seed := make(map[string]bool, len(system))
	for _, c := range system {
		seed[c.ID] = true
	}

	if r.store != nil {
		stored, err := r.store.ListCapabilities(ctx)
		if err != nil {
			return fmt.Errorf("load capabilities: %w", err)
		}
		r.mu.Lock()
		for _, c := range stored {
			if c.IsSystem {
				if !seed[c.ID] {
					if err := r.store.DeleteCapability(ctx, c.ID); err != nil {
						log.Warn().Err(err).Str("capability", c.ID).Msg("Failed to drop stale system capability")
					}
				}
				continue
			}
			r.caps[c.ID] = c
		}
		r.mu.Unlock()
	}

	for _, c := range system {
		if _, err := r.Add(ctx, c, true, true); err != nil {
			return fmt.Errorf("seed %s: %w", c.ID, err)
		}
	}

	log.Info().Int("system", len(system)).Int("total", r.Len()).Msg("Capability registry loaded")
	return nil
}

// Add inserts c. An existing id fails with ErrDuplicate unless replace is
// set; replacing a system capability requires isSystem.
func (r *Registry) Add(ctx context.Context, c models.Capability, isSystem, replace bool) (models.Capability, error) {
	if c.ID == "" || !c.Kind.Valid() {
		return models.Capability{}, fmt.Errorf("%w: id and kind (ToolCap|DataCap) are required", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	existing, exists := r.caps[c.ID]
	if exists {
		if !replace {
			return models.Capability{}, fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
		}
		if existing.IsSystem && !isSystem {
			return models.Capability{}, fmt.Errorf("%w: %s", ErrForbidden, c.ID)
		}
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.IsSystem = isSystem
	c.UpdatedAt = now

	if err := r.persist(ctx, &c); err != nil {
		return models.Capability{}, err
	}
	r.caps[c.ID] = c
	return c, nil
}

// Get returns the capability with the given id.
func (r *Registry) Get(id string) (models.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// Remove deletes a custom capability and reports whether it existed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caps[id]
	if !ok {
		return false, nil
	}
	if c.IsSystem {
		return true, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	if r.store != nil {
		var nf *store.ErrNotFound
		if err := r.store.DeleteCapability(ctx, id); err != nil && !errors.As(err, &nf) {
			return true, fmt.Errorf("delete capability: %w", err)
		}
	}
	delete(r.caps, id)
	return true, nil
}

// Update replaces kind, scope, description and metadata of a custom
// capability. The id and system flag are preserved.
func (r *Registry) Update(ctx context.Context, c models.Capability) (models.Capability, error) {
	if !c.Kind.Valid() {
		return models.Capability{}, fmt.Errorf("%w: kind must be ToolCap or DataCap", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.caps[c.ID]
	if !ok {
		return models.Capability{}, fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if existing.IsSystem {
		return models.Capability{}, fmt.Errorf("%w: %s", ErrForbidden, c.ID)
	}

	existing.Kind = c.Kind
	existing.Scope = c.Scope
	existing.Description = c.Description
	existing.Metadata = c.Metadata
	existing.UpdatedAt = time.Now().UTC()

	if err := r.persist(ctx, &existing); err != nil {
		return models.Capability{}, err
	}
	r.caps[c.ID] = existing
	return existing, nil
}

// List returns every capability sorted by id.
func (r *Registry) List() []models.Capability {
	return r.filter(func(models.Capability) bool { return true })
}

func (r *Registry) ListByKind(kind models.CapabilityKind) []models.Capability {
	return r.filter(func(c models.Capability) bool { return c.Kind == kind })
}

func (r *Registry) ListByScope(scope string) []models.Capability {
	return r.filter(func(c models.Capability) bool { return c.Scope == scope })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Snapshot returns a point-in-time copy for a single policy check.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(Snapshot, len(r.caps))
	for id, c := range r.caps {
		snap[id] = c.Kind
	}
	return snap
}

func (r *Registry) filter(keep func(models.Capability) bool) []models.Capability {
	r.mu.RLock()
	result := make([]models.Capability, 0, len(r.caps))
	for _, c := range r.caps {
		if keep(c) {
			result = append(result, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) persist(ctx context.Context, c *models.Capability) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpsertCapability(ctx, c); err != nil {
		return fmt.Errorf("persist capability %s: %w", c.ID, err)
	}
	return nil
}

// Snapshot maps capability id to kind.
type Snapshot map[string]models.CapabilityKind

// Has reports whether id exists with the given kind.
func (s Snapshot) Has(id string, kind models.CapabilityKind) bool {
	k, ok := s[id]
	return ok && k == kind
}
