// Package egress implements SmartEgress (spec §4.F): the bandwidth
// decision of whether a descriptor should be published this tick.
//
// Authority is not checked here — per §4.F, "the transport adapter must
// consult AuthorityStore.has_authority(entity, key) before invoking
// SmartEgress; SmartEgress itself does not check authority."
package egress

import (
	"github.com/pjanec/fastdataplane/core/components"
	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/metrics"
)

// Config holds the salted-refresh tunables (§6.3 egress.*).
type Config struct {
	RefreshIntervalTicks uint64
}

// DefaultConfig mirrors spec §6.3 defaults.
func DefaultConfig() Config {
	return Config{RefreshIntervalTicks: 600}
}

// Decider is SmartEgress.
type Decider struct {
	cfg     Config
	metrics *metrics.Registry
}

// New constructs a Decider. metricsReg may be nil to skip instrumentation.
func New(cfg Config, metricsReg *metrics.Registry) *Decider {
	return &Decider{cfg: cfg, metrics: metricsReg}
}

func stateOf(attrs ecs.Attributes, entity ecs.Entity) *components.EgressPublicationState {
	v, ok := attrs.Get(entity, components.KeyEgressPublicationState)
	if !ok {
		state := components.NewEgressPublicationState()
		attrs.Set(entity, components.KeyEgressPublicationState, state)
		return state
	}
	return v.(*components.EgressPublicationState)
}

// ShouldPublish decides whether key's descriptor on entity should be
// published this tick, in the order specified by §4.F:
//  1. chunk-version early-out: if entity's archetype chunk hasn't moved
//     since the last publish of this key and the descriptor is not
//     unreliable, nothing could have changed, so answer false
//     immediately without touching the dirty set or the refresh
//     schedule. An unreliable descriptor (spec.md:55, e.g. a
//     continuously-changing position) always falls through to rules
//     2-3 even when its chunk hasn't moved, since a stationary chunk
//     version doesn't guarantee delivery over an unreliable channel.
//  2. dirty bit: an explicit MarkDirty call always wins.
//  3. salted rolling refresh: publish unconditionally once every
//     RefreshIntervalTicks, staggered by entity id so not all entities
//     refresh on the same tick.
//  4. default: false.
func (d *Decider) ShouldPublish(host ecs.Host, attrs ecs.Attributes, entity ecs.Entity, id uint64, key uint64, isUnreliable bool, currentTick uint64) bool {
	state := stateOf(attrs, entity)

	chunkVer := host.ChunkVersion(entity)
	_, hasPublished := state.LastTick[key]
	if hasPublished && !isUnreliable && chunkVer == state.LastChunkVersion {
		d.observe(false)
		return false
	}
	state.LastChunkVersion = chunkVer

	if _, dirty := state.Dirty[key]; dirty {
		d.observe(true)
		return true
	}

	if d.cfg.RefreshIntervalTicks > 0 {
		salt := id % d.cfg.RefreshIntervalTicks
		if (currentTick+salt)%d.cfg.RefreshIntervalTicks == 0 {
			d.observe(true)
			return true
		}
	}

	d.observe(false)
	return false
}

func (d *Decider) observe(published bool) {
	if d.metrics == nil {
		return
	}
	if published {
		d.metrics.EgressPublished.Inc()
	} else {
		d.metrics.EgressSuppressed.Inc()
	}
}

// MarkDirty flags key on entity for publication on the next decision.
func MarkDirty(attrs ecs.Attributes, entity ecs.Entity, key uint64) {
	state := stateOf(attrs, entity)
	state.Dirty[key] = struct{}{}
}

// OnPublished clears the dirty bit and records the publish tick, to be
// called by the transport adapter immediately after it actually sends
// key's bytes for entity.
func OnPublished(attrs ecs.Attributes, entity ecs.Entity, key uint64, tick uint64) {
	state := stateOf(attrs, entity)
	delete(state.Dirty, key)
	state.LastTick[key] = tick
}
