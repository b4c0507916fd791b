// Package registry implements the EntityIdRegistry (spec §4.B): a
// bidirectional network-id <-> local-entity map with a timed graveyard
// preventing id reuse during in-flight destroys.
package registry

import (
	"log/slog"
	"sync"

	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/fdperr"
	"github.com/pjanec/fastdataplane/metrics"
)

// Config is the slice of spec §6.3 this package cares about.
type Config struct {
	GraveyardTicks int64
}

// DefaultConfig matches spec §6.3 ("registry.graveyard_ticks" = 60).
func DefaultConfig() Config { return Config{GraveyardTicks: 60} }

type graveyardEntry struct {
	deathTick int64
}

// Registry is the bidirectional id<->entity map plus graveyard.
type Registry struct {
	mu sync.RWMutex

	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry

	forward map[uint64]ecs.Entity
	reverse map[ecs.Entity]uint64
	graveyard map[uint64]graveyardEntry
}

// New constructs an empty Registry. metricsReg may be nil to skip
// instrumentation.
func New(cfg Config, metricsReg *metrics.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger.With("component", "registry"),
		metrics:   metricsReg,
		forward:   make(map[uint64]ecs.Entity),
		reverse:   make(map[ecs.Entity]uint64),
		graveyard: make(map[uint64]graveyardEntry),
	}
}

// Register binds id to entity. Fails if id is in the graveyard or
// already registered.
func (r *Registry) Register(id uint64, entity ecs.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.graveyard[id]; dead {
		if r.metrics != nil {
			r.metrics.GraveyardCollisions.Inc()
		}
		return fdperr.Wrapf(fdperr.ErrGraveyardCollision, "register id=%d", id)
	}
	if _, exists := r.forward[id]; exists {
		return fdperr.Wrapf(fdperr.ErrAlreadyRegistered, "register id=%d", id)
	}
	r.forward[id] = entity
	r.reverse[entity] = id
	return nil
}

// Unregister moves id to the graveyard keyed by the current tick.
func (r *Registry) Unregister(id uint64, currentTick int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.forward[id]
	if !ok {
		return fdperr.Wrapf(fdperr.ErrUnknownID, "unregister id=%d", id)
	}
	delete(r.forward, id)
	delete(r.reverse, entity)
	r.graveyard[id] = graveyardEntry{deathTick: currentTick}
	return nil
}

// Resolve returns the entity bound to id, O(1).
func (r *Registry) Resolve(id uint64) (ecs.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.forward[id]
	return e, ok
}

// Reverse returns the id bound to entity, O(1).
func (r *Registry) Reverse(entity ecs.Entity) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.reverse[entity]
	return id, ok
}

// IsGraveyard reports whether id is currently withheld from reuse.
// Satisfies idalloc.GraveyardChecker.
func (r *Registry) IsGraveyard(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, dead := r.graveyard[id]
	return dead
}

// Prune removes graveyard entries at or beyond the configured age
// (§8.3: age == G removes; G-1 does not).
func (r *Registry) Prune(currentTick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.graveyard {
		if currentTick-entry.deathTick >= r.cfg.GraveyardTicks {
			delete(r.graveyard, id)
		}
	}
}

// PruneDead sweeps the forward map, unregistering ids whose entity is no
// longer alive in host.
func (r *Registry) PruneDead(host ecs.Host, currentTick int64) {
	r.mu.Lock()
	var stale []uint64
	for id, e := range r.forward {
		if !host.IsAlive(e) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.Unregister(id, currentTick); err != nil {
			r.logger.Warn("prune_dead unregister failed", "id", id, "error", err)
		}
	}
}
