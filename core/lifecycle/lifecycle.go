// Package lifecycle implements the LifecycleCoordinator (spec §4.C): the
// multi-party ACK protocol that brings an entity from Ghost to Active and
// back to Destroyed only once every registered participant has
// acknowledged, patterned after the teacher's pending/remaining-set
// bookkeeping in kernel/threads/supervisor/coordinator.go (peer tracking
// keyed by a mutex-guarded map) generalized to per-entity ACK sets.
package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/fdperr"
	"github.com/pjanec/fastdataplane/metrics"
)

// ModuleID identifies a participant in the ACK protocol (an application
// system that must initialize/clean up before an entity may become
// Active/Destroyed).
type ModuleID string

// State is LifecycleState from spec §3.
type State int

const (
	StateGhost State = iota
	StateConstructing
	StateActive
	StateTearingDown
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateGhost:
		return "Ghost"
	case StateConstructing:
		return "Constructing"
	case StateActive:
		return "Active"
	case StateTearingDown:
		return "TearingDown"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Config is the slice of spec §6.3 this package cares about.
type Config struct {
	TimeoutTicks int64
}

// DefaultConfig matches spec §6.3 ("lifecycle.timeout_ticks" = 300).
func DefaultConfig() Config { return Config{TimeoutTicks: 300} }

// ConstructionAck mirrors §4.C's event payload.
type ConstructionAck struct {
	Entity   ecs.Entity
	Module   ModuleID
	Success  bool
	Error    string
}

// DestructionAck mirrors §4.C's event payload.
type DestructionAck struct {
	Entity ecs.Entity
	Module ModuleID
}

// OrderPublisher emits ConstructionOrder/DestructionOrder onto the wire
// (or, for a single-process host, directly to application systems).
type OrderPublisher interface {
	PublishConstructionOrder(entity ecs.Entity, blueprintID uint64, tick int64, initiator *uint32)
	PublishDestructionOrder(entity ecs.Entity, tick int64, reason string)
}

type pendingConstruct struct {
	blueprintID uint64
	startTick   int64
	remaining   map[ModuleID]struct{}
}

type pendingDestruct struct {
	startTick int64
	reason    string
	remaining map[ModuleID]struct{}
}

// Stats exposes the counters named in §4.C.
type Stats struct {
	Constructed int64
	Destructed  int64
	Timeouts    int64
}

// StateSetter lets the coordinator update LifecycleState on the host
// without owning the attribute representation itself.
type StateSetter interface {
	SetLifecycleState(ecs.Entity, State)
}

// Coordinator is the LifecycleCoordinator.
type Coordinator struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	states  StateSetter
	orders  OrderPublisher
	metrics *metrics.Registry

	globalModules  map[ModuleID]struct{}
	requirements   map[uint64]map[ModuleID]struct{} // blueprintID -> modules

	pendingConstruct map[ecs.Entity]*pendingConstruct
	pendingDestruct  map[ecs.Entity]*pendingDestruct

	constructAcks []ConstructionAck
	destructAcks  []DestructionAck

	stats Stats
}

// New constructs a Coordinator. orders and states may be nil in tests
// that only exercise bookkeeping; metrics may be nil to skip
// instrumentation entirely.
func New(cfg Config, states StateSetter, orders OrderPublisher, metricsReg *metrics.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:              cfg,
		logger:           logger.With("component", "lifecycle"),
		states:           states,
		orders:           orders,
		metrics:          metricsReg,
		globalModules:    make(map[ModuleID]struct{}),
		requirements:     make(map[uint64]map[ModuleID]struct{}),
		pendingConstruct: make(map[ecs.Entity]*pendingConstruct),
		pendingDestruct:  make(map[ecs.Entity]*pendingDestruct),
	}
}

// RegisterGlobal enrolls module in every entity's lifecycle.
func (c *Coordinator) RegisterGlobal(module ModuleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalModules[module] = struct{}{}
}

// UnregisterGlobal removes module from global participation.
func (c *Coordinator) UnregisterGlobal(module ModuleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.globalModules, module)
}

// RegisterRequirement enrolls module in blueprintID's lifecycle only.
func (c *Coordinator) RegisterRequirement(blueprintID uint64, module ModuleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.requirements[blueprintID]
	if !ok {
		set = make(map[ModuleID]struct{})
		c.requirements[blueprintID] = set
	}
	set[module] = struct{}{}
}

// UnregisterRequirement removes module from blueprintID's participation.
func (c *Coordinator) UnregisterRequirement(blueprintID uint64, module ModuleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.requirements[blueprintID]; ok {
		delete(set, module)
	}
}

func (c *Coordinator) participants(blueprintID uint64) map[ModuleID]struct{} {
	out := make(map[ModuleID]struct{}, len(c.globalModules))
	for m := range c.globalModules {
		out[m] = struct{}{}
	}
	for m := range c.requirements[blueprintID] {
		out[m] = struct{}{}
	}
	return out
}

// BeginConstruction starts the construction ACK protocol. Fails with
// ErrDuplicatePending if entity already has a pending transition — a
// fatal programmer error per §7 that callers in debug builds should
// treat as an assertion failure.
func (c *Coordinator) BeginConstruction(entity ecs.Entity, blueprintID uint64, tick int64, initiator *uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pendingConstruct[entity]; ok {
		return fdperr.Wrapf(fdperr.ErrDuplicatePending, "begin_construction entity=%d", entity)
	}
	if _, ok := c.pendingDestruct[entity]; ok {
		return fdperr.Wrapf(fdperr.ErrDuplicatePending, "begin_construction entity=%d (pending destruct)", entity)
	}

	participants := c.participants(blueprintID)
	c.pendingConstruct[entity] = &pendingConstruct{
		blueprintID: blueprintID,
		startTick:   tick,
		remaining:   participants,
	}
	if c.states != nil {
		c.states.SetLifecycleState(entity, StateConstructing)
	}
	if c.orders != nil {
		c.orders.PublishConstructionOrder(entity, blueprintID, tick, initiator)
	}
	c.logger.Debug("construction begun", "entity", entity, "blueprint_id", blueprintID, "participants", len(participants))
	return nil
}

// BeginDestruction starts the destruction ACK protocol. Idempotent: a
// second call while already pending destroy is a silent no-op (§4.C).
func (c *Coordinator) BeginDestruction(entity ecs.Entity, tick int64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pendingDestruct[entity]; ok {
		return
	}

	// Begin_destruction enrolls the global modules registered at the
	// moment of teardown plus the requirement modules of the entity's
	// blueprint. The blueprint id is known only while a construction is
	// still pending; once construction has completed it is no longer
	// held, so an Active entity is enrolled with the global modules plus
	// any requirements registered under blueprint id 0, and its own
	// blueprint's requirement modules are not enrolled.
	var blueprintID uint64
	if pc, ok := c.pendingConstruct[entity]; ok {
		blueprintID = pc.blueprintID
		delete(c.pendingConstruct, entity)
	}
	participants := c.participants(blueprintID)

	c.pendingDestruct[entity] = &pendingDestruct{
		startTick: tick,
		reason:    reason,
		remaining: participants,
	}
	if c.states != nil {
		c.states.SetLifecycleState(entity, StateTearingDown)
	}
	if c.orders != nil {
		c.orders.PublishDestructionOrder(entity, tick, reason)
	}
	c.logger.Debug("destruction begun", "entity", entity, "reason", reason, "participants", len(participants))
}

// AcknowledgeConstruction is a convenience emitter queuing a
// ConstructionAck for the next Process call.
func (c *Coordinator) AcknowledgeConstruction(entity ecs.Entity, module ModuleID, success bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructAcks = append(c.constructAcks, ConstructionAck{Entity: entity, Module: module, Success: success, Error: errMsg})
}

// AcknowledgeDestruction is a convenience emitter queuing a
// DestructionAck for the next Process call.
func (c *Coordinator) AcknowledgeDestruction(entity ecs.Entity, module ModuleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destructAcks = append(c.destructAcks, DestructionAck{Entity: entity, Module: module})
}

// Destroyer destroys entities outright (used for NACK/timeout/completed
// destruct paths); normally the host ECS via a command buffer.
type Destroyer interface {
	DestroyEntity(ecs.Entity)
}

// Process drains queued ACKs, runs the timeout sweep, and applies state
// transitions. Call once per frame in Pre-Sim (§5).
func (c *Coordinator) Process(tick int64, host Destroyer) {
	c.mu.Lock()
	constructAcks := c.constructAcks
	c.constructAcks = nil
	destructAcks := c.destructAcks
	c.destructAcks = nil
	c.mu.Unlock()

	for _, ack := range constructAcks {
		c.processConstructAck(ack, host)
	}
	for _, ack := range destructAcks {
		c.processDestructAck(ack, host)
	}
	c.sweepTimeouts(tick, host)
}

func (c *Coordinator) processConstructAck(ack ConstructionAck, host Destroyer) {
	c.mu.Lock()
	pc, ok := c.pendingConstruct[ack.Entity]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("construction ack for unknown entity", "entity", ack.Entity, "module", ack.Module)
		return
	}

	if !ack.Success {
		delete(c.pendingConstruct, ack.Entity)
		c.mu.Unlock()
		c.logger.Warn("construction NACK, destroying entity", "entity", ack.Entity, "module", ack.Module, "error", ack.Error)
		if host != nil {
			host.DestroyEntity(ack.Entity)
		}
		return
	}

	delete(pc.remaining, ack.Module)
	done := len(pc.remaining) == 0
	if done {
		delete(c.pendingConstruct, ack.Entity)
		c.stats.Constructed++
		if c.metrics != nil {
			c.metrics.Constructed.Inc()
		}
	}
	c.mu.Unlock()

	if done {
		if c.states != nil {
			c.states.SetLifecycleState(ack.Entity, StateActive)
		}
		c.logger.Debug("entity active", "entity", ack.Entity)
	}
}

func (c *Coordinator) processDestructAck(ack DestructionAck, host Destroyer) {
	c.mu.Lock()
	pd, ok := c.pendingDestruct[ack.Entity]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("destruction ack for unknown entity", "entity", ack.Entity, "module", ack.Module)
		return
	}
	delete(pd.remaining, ack.Module)
	done := len(pd.remaining) == 0
	if done {
		delete(c.pendingDestruct, ack.Entity)
		c.stats.Destructed++
		if c.metrics != nil {
			c.metrics.Destructed.Inc()
		}
	}
	c.mu.Unlock()

	if done {
		if host != nil {
			host.DestroyEntity(ack.Entity)
		}
		c.logger.Debug("entity destroyed", "entity", ack.Entity)
	}
}

func (c *Coordinator) sweepTimeouts(tick int64, host Destroyer) {
	c.mu.Lock()
	var timedOutConstruct []ecs.Entity
	var missingConstruct [][]ModuleID
	for e, pc := range c.pendingConstruct {
		if tick-pc.startTick > c.cfg.TimeoutTicks {
			timedOutConstruct = append(timedOutConstruct, e)
			missingConstruct = append(missingConstruct, keys(pc.remaining))
			delete(c.pendingConstruct, e)
		}
	}
	var timedOutDestruct []ecs.Entity
	var missingDestruct [][]ModuleID
	for e, pd := range c.pendingDestruct {
		if tick-pd.startTick > c.cfg.TimeoutTicks {
			timedOutDestruct = append(timedOutDestruct, e)
			missingDestruct = append(missingDestruct, keys(pd.remaining))
			delete(c.pendingDestruct, e)
		}
	}
	c.stats.Timeouts += int64(len(timedOutConstruct) + len(timedOutDestruct))
	c.mu.Unlock()

	if c.metrics != nil {
		for i := 0; i < len(timedOutConstruct)+len(timedOutDestruct); i++ {
			c.metrics.Timeouts.Inc()
		}
	}

	for i, e := range timedOutConstruct {
		c.logger.Warn("construction timeout", "entity", e, "missing_modules", missingConstruct[i])
		if host != nil {
			host.DestroyEntity(e)
		}
	}
	for i, e := range timedOutDestruct {
		c.logger.Warn("destruction timeout", "entity", e, "missing_modules", missingDestruct[i])
		if host != nil {
			host.DestroyEntity(e)
		}
	}
}

func keys(m map[ModuleID]struct{}) []ModuleID {
	out := make([]ModuleID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// IsPendingConstruct reports whether entity still has construction ACKs
// outstanding.
func (c *Coordinator) IsPendingConstruct(entity ecs.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendingConstruct[entity]
	return ok
}

// IsPendingDestruct reports whether entity still has destruction ACKs
// outstanding.
func (c *Coordinator) IsPendingDestruct(entity ecs.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendingDestruct[entity]
	return ok
}

// Stats returns a snapshot of the constructed/destructed/timeouts
// counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
