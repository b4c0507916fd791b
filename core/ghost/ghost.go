// Package ghost implements the GhostEngine (spec §4.D): end-to-end
// ingress reconstruction of remote entities — placeholder creation,
// descriptor stashing, blueprint-driven promotion under a time budget,
// sub-entity routing, and stale-ghost pruning.
package ghost

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pjanec/fastdataplane/core/components"
	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/core/lifecycle"
	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/fdperr"
	"github.com/pjanec/fastdataplane/metrics"
)

// Config is the slice of spec §6.3 this package cares about.
type Config struct {
	MaxAgeTicks       int64
	PromotionBudgetNs int64
}

// DefaultConfig matches spec §6.3.
func DefaultConfig() Config { return Config{MaxAgeTicks: 3600, PromotionBudgetNs: 2_000_000} }

// ChildSpec is one entry of a Blueprint's child list (§3 "Blueprint").
type ChildSpec struct {
	InstanceID  uint32
	BlueprintID uint64
}

// Blueprint is the external template store's contract (§3): base
// components plus a child list plus a promotion-readiness predicate.
type Blueprint interface {
	ID() uint64
	Children() []ChildSpec
	// ApplyBase attaches this blueprint's base components to entity.
	ApplyBase(entity ecs.Entity, cmd ecs.CommandBuffer)
	// ReadyToPromote reports whether the set of received descriptor keys
	// (PackedKeys) satisfies this blueprint's promotion predicate.
	ReadyToPromote(received map[uint64]struct{}) bool
}

// BlueprintRegistry resolves blueprint ids to Blueprints.
type BlueprintRegistry interface {
	Lookup(blueprintID uint64) (Blueprint, bool)
}

// Descriptor is the Descriptor Registry's per-type contract (§3, §9):
// stable ordinal, reliability flag, and codec/apply, no inheritance
// hierarchy — just a small interface implemented per type.
type Descriptor interface {
	IsUnreliable() bool
	Decode(raw []byte) (any, error)
	ApplyToEntity(entity ecs.Entity, value any, cmd ecs.CommandBuffer)
}

// DescriptorRegistry resolves descriptor ordinals to Descriptors.
type DescriptorRegistry interface {
	Lookup(ordinal uint32) (Descriptor, bool)
}

// GraveyardChecker reports whether an id is withheld (§4.D "Fails if id
// is in the graveyard").
type GraveyardChecker interface {
	IsGraveyard(id uint64) bool
}

// IDRegistrar is the subset of EntityIdRegistry the ghost engine needs.
type IDRegistrar interface {
	Register(id uint64, entity ecs.Entity) error
}

// ConstructionBeginner is the subset of LifecycleCoordinator the ghost
// engine needs to hand off a freshly-promoted entity.
type ConstructionBeginner interface {
	BeginConstruction(entity ecs.Entity, blueprintID uint64, tick int64, initiator *uint32) error
}

type ghostRecord struct {
	entity        ecs.Entity
	networkID     uint64
	firstSeenTick int64
	identifiedTick *int64
	blueprintID   uint64
	initiator     uint32
	stash         map[uint64][]byte
}

// Clock abstracts wall-time measurement for the promotion budget, so
// tests can control elapsed time deterministically.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Engine is the GhostEngine.
type Engine struct {
	mu sync.Mutex

	cfg        Config
	logger     *slog.Logger
	clock      Clock
	graveyard  GraveyardChecker
	idRegistry IDRegistrar
	blueprints BlueprintRegistry
	descriptors DescriptorRegistry
	lifecycleCoord ConstructionBeginner
	metrics    *metrics.Registry

	ghosts map[ecs.Entity]*ghostRecord
}

// New constructs a GhostEngine. metricsReg may be nil to skip
// instrumentation.
func New(cfg Config, graveyard GraveyardChecker, idRegistry IDRegistrar, blueprints BlueprintRegistry, descriptors DescriptorRegistry, lifecycleCoord ConstructionBeginner, metricsReg *metrics.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:            cfg,
		logger:         logger.With("component", "ghost"),
		clock:          realClock{},
		graveyard:      graveyard,
		idRegistry:     idRegistry,
		blueprints:     blueprints,
		descriptors:    descriptors,
		lifecycleCoord: lifecycleCoord,
		metrics:        metricsReg,
		ghosts:         make(map[ecs.Entity]*ghostRecord),
	}
}

// SetClock overrides the wall-clock source (tests only).
func (e *Engine) SetClock(c Clock) { e.clock = c }

// CreateGhost allocates a local entity, attaches NetworkIdentity and an
// empty GhostStore, and registers it. Fails (ErrGraveyardCollision) if id
// is in the graveyard; the caller should discard the incoming descriptor.
func (e *Engine) CreateGhost(host ecs.Host, attrs ecs.Attributes, id uint64, tick int64) (ecs.Entity, error) {
	if e.graveyard != nil && e.graveyard.IsGraveyard(id) {
		if e.metrics != nil {
			e.metrics.GraveyardCollisions.Inc()
		}
		return ecs.NilEntity, fdperr.Wrapf(fdperr.ErrGraveyardCollision, "create_ghost id=%d", id)
	}

	entity := host.CreateEntity()
	attrs.Set(entity, components.KeyNetworkIdentity, components.NetworkIdentity{ID: id})
	attrs.Set(entity, components.KeyGhostStore, components.NewGhostStore(tick))
	attrs.Set(entity, components.KeyLifecycleState, lifecycle.StateGhost)

	if e.idRegistry != nil {
		if err := e.idRegistry.Register(id, entity); err != nil {
			host.DestroyEntity(entity)
			return ecs.NilEntity, err
		}
	}

	e.mu.Lock()
	e.ghosts[entity] = &ghostRecord{entity: entity, networkID: id, firstSeenTick: tick, stash: make(map[uint64][]byte)}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.GhostsCreated.Inc()
	}
	e.logger.Debug("ghost created", "entity", entity, "id", id, "tick", tick)
	return entity, nil
}

// Stash stores raw descriptor bytes under key on entity's ghost, whether
// or not it has been identified yet (§4.D "Stash-before-identify is
// allowed").
func (e *Engine) Stash(entity ecs.Entity, key uint64, raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.ghosts[entity]
	if !ok {
		return
	}
	g.stash[key] = append([]byte(nil), raw...)
}

// Identify attaches a SpawnRequest, marking the ghost's master descriptor
// as seen (§4.D "Identify-before-any-stash is allowed").
func (e *Engine) Identify(attrs ecs.Attributes, entity ecs.Entity, blueprintID uint64, initiator uint32, tick int64) {
	e.mu.Lock()
	g, ok := e.ghosts[entity]
	if !ok {
		e.mu.Unlock()
		return
	}
	g.blueprintID = blueprintID
	g.initiator = initiator
	t := tick
	g.identifiedTick = &t
	e.mu.Unlock()

	attrs.Set(entity, components.KeySpawnRequest, components.SpawnRequest{BlueprintID: blueprintID, Initiator: initiator})
	if gs, ok := attrs.Get(entity, components.KeyGhostStore); ok {
		store := gs.(*components.GhostStore)
		store.IdentifiedTick = &t
	}
}

// PromoteReady promotes ghosts whose blueprint predicate accepts their
// stash, in deterministic (identified_tick, network_id) order, bounded by
// cfg.PromotionBudgetNs of wall-clock time since the call started,
// checked between promotions (§4.D, §5).
func (e *Engine) PromoteReady(host ecs.Host, attrs ecs.Attributes, cmd ecs.CommandBuffer, currentTick int64) []ecs.Entity {
	candidates := e.readyCandidates()
	sort.Slice(candidates, func(i, j int) bool {
		gi, gj := candidates[i], candidates[j]
		if *gi.identifiedTick != *gj.identifiedTick {
			return *gi.identifiedTick < *gj.identifiedTick
		}
		return gi.networkID < gj.networkID
	})

	var promoted []ecs.Entity
	start := e.clock.Now()
	for _, g := range candidates {
		if len(promoted) > 0 && e.clock.Now().Sub(start) > time.Duration(e.cfg.PromotionBudgetNs) {
			e.logger.Debug("promotion budget exceeded, deferring remainder", "remaining", len(candidates)-len(promoted))
			break
		}
		if e.promoteOne(host, attrs, cmd, g, currentTick) {
			promoted = append(promoted, g.entity)
		}
	}
	if e.metrics != nil {
		e.metrics.PromotionsQueued.Set(float64(e.PendingPromotions()))
	}
	return promoted
}

func (e *Engine) readyCandidates() []*ghostRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*ghostRecord
	for _, g := range e.ghosts {
		if g.identifiedTick == nil {
			continue
		}
		bp, ok := e.blueprints.Lookup(g.blueprintID)
		if !ok {
			continue
		}
		received := make(map[uint64]struct{}, len(g.stash))
		for k := range g.stash {
			received[k] = struct{}{}
		}
		if bp.ReadyToPromote(received) {
			out = append(out, g)
		}
	}
	return out
}

// promoteOne runs the promotion algorithm of §4.D for a single ghost.
func (e *Engine) promoteOne(host ecs.Host, attrs ecs.Attributes, cmd ecs.CommandBuffer, g *ghostRecord, currentTick int64) bool {
	bp, ok := e.blueprints.Lookup(g.blueprintID)
	if !ok {
		e.logger.Warn("promotion failure: unknown blueprint", "entity", g.entity, "blueprint_id", g.blueprintID)
		e.destroyGhost(host, attrs, g.entity)
		return false
	}

	// 1. base components
	bp.ApplyBase(g.entity, cmd)

	// 2. children
	childMap := components.NewChildMap()
	destroyChildren := func() {
		for _, c := range childMap.Children {
			host.DestroyEntity(c)
		}
	}
	for _, childSpec := range bp.Children() {
		childBP, ok := e.blueprints.Lookup(childSpec.BlueprintID)
		if !ok {
			e.logger.Warn("promotion failure: unknown child blueprint", "entity", g.entity, "blueprint_id", childSpec.BlueprintID)
			destroyChildren()
			e.destroyGhost(host, attrs, g.entity)
			return false
		}
		child := host.CreateEntity()
		attrs.Set(child, components.KeyPartMetadata, components.PartMetadata{
			Parent: g.entity, InstanceID: childSpec.InstanceID, DescriptorOrdinal: 0,
		})
		childBP.ApplyBase(child, cmd)
		childMap.Children[childSpec.InstanceID] = child
	}
	if len(childMap.Children) > 0 {
		attrs.Set(g.entity, components.KeyChildMap, childMap)
	}

	// 3. apply stashed descriptors
	for key, raw := range g.stash {
		ordinal, instanceID := messages.UnpackKey(key)
		desc, ok := e.descriptors.Lookup(ordinal)
		if !ok {
			e.logger.Debug("dropping stashed descriptor: unknown ordinal", "entity", g.entity, "ordinal", ordinal)
			continue
		}
		value, err := desc.Decode(raw)
		if err != nil {
			e.logger.Warn("promotion failure: codec error on stashed descriptor", "entity", g.entity, "ordinal", ordinal, "error", err)
			destroyChildren()
			e.destroyGhost(host, attrs, g.entity)
			return false
		}
		if instanceID == 0 {
			desc.ApplyToEntity(g.entity, value, cmd)
			continue
		}
		child, ok := childMap.Children[instanceID]
		if !ok {
			e.logger.Debug("dropping stashed descriptor: no such child", "entity", g.entity, "instance_id", instanceID)
			continue
		}
		desc.ApplyToEntity(child, value, cmd)
	}

	// 4. remove ghost attributes
	attrs.Remove(g.entity, components.KeyGhostStore)
	attrs.Remove(g.entity, components.KeySpawnRequest)

	e.mu.Lock()
	delete(e.ghosts, g.entity)
	e.mu.Unlock()

	// 5. begin construction
	var initiator *uint32
	if g.initiator != 0 {
		init := g.initiator
		initiator = &init
	}
	if e.lifecycleCoord != nil {
		if err := e.lifecycleCoord.BeginConstruction(g.entity, g.blueprintID, currentTick, initiator); err != nil {
			e.logger.Warn("begin_construction failed after promotion", "entity", g.entity, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.GhostsPromoted.Inc()
	}
	e.logger.Debug("ghost promoted", "entity", g.entity, "blueprint_id", g.blueprintID)
	return true
}

// PruneStale destroys any ghost whose age exceeds cfg.MaxAgeTicks (§4.D,
// §8.1 "stale-ghost pruning").
func (e *Engine) PruneStale(host ecs.Host, attrs ecs.Attributes, currentTick int64) []ecs.Entity {
	e.mu.Lock()
	var stale []*ghostRecord
	for _, g := range e.ghosts {
		if currentTick-g.firstSeenTick > e.cfg.MaxAgeTicks {
			stale = append(stale, g)
		}
	}
	e.mu.Unlock()

	var destroyed []ecs.Entity
	for _, g := range stale {
		e.logger.Debug("pruning stale ghost", "entity", g.entity, "id", g.networkID, "age", currentTick-g.firstSeenTick)
		e.destroyGhost(host, attrs, g.entity)
		destroyed = append(destroyed, g.entity)
	}
	if e.metrics != nil && len(destroyed) > 0 {
		for range destroyed {
			e.metrics.GhostsPruned.Inc()
		}
	}
	return destroyed
}

// destroyGhost removes bookkeeping and the host entity; all pending
// stash bytes are dropped with it (§4.D "Failures").
func (e *Engine) destroyGhost(host ecs.Host, attrs ecs.Attributes, entity ecs.Entity) {
	e.mu.Lock()
	delete(e.ghosts, entity)
	e.mu.Unlock()
	attrs.Remove(entity, components.KeyGhostStore)
	attrs.Remove(entity, components.KeySpawnRequest)
	host.DestroyEntity(entity)
}

// GhostCount reports the number of tracked ghosts, for diagnostics/tests.
func (e *Engine) GhostCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ghosts)
}

// PendingPromotions reports ghosts identified and awaiting promotion,
// regardless of readiness, for the fdp_ghost_promotions_queued gauge.
func (e *Engine) PendingPromotions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, g := range e.ghosts {
		if g.identifiedTick != nil {
			n++
		}
	}
	return n
}
