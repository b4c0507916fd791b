// Package testecs is an in-memory host-ECS test double implementing the
// core/ecs contract, used by the core packages' own test suites in place
// of hand-rolled mocks — the teacher's tests build a real (if scaled
// down) SAB/Protocol rather than mocking them; this does the same for the
// host-ECS boundary.
package testecs

import (
	"sync"
	"sync/atomic"

	"github.com/pjanec/fastdataplane/core/ecs"
)

// Host is a minimal, goroutine-safe in-memory implementation of
// ecs.Host + ecs.Attributes + ecs.EventBus, sufficient to drive the core
// component test suites.
type Host struct {
	mu       sync.RWMutex
	nextID   atomic.Uint64
	alive    map[ecs.Entity]bool
	attrs    map[ecs.Entity]map[string]any
	chunkVer map[ecs.Entity]uint64

	eventsMu sync.Mutex
	events   map[string][]any
}

// New returns an empty Host.
func New() *Host {
	return &Host{
		alive:    make(map[ecs.Entity]bool),
		attrs:    make(map[ecs.Entity]map[string]any),
		chunkVer: make(map[ecs.Entity]uint64),
		events:   make(map[string][]any),
	}
}

func (h *Host) CreateEntity() ecs.Entity {
	id := ecs.Entity(h.nextID.Add(1))
	h.mu.Lock()
	h.alive[id] = true
	h.attrs[id] = make(map[string]any)
	h.mu.Unlock()
	return id
}

func (h *Host) DestroyEntity(e ecs.Entity) {
	h.mu.Lock()
	delete(h.alive, e)
	delete(h.attrs, e)
	delete(h.chunkVer, e)
	h.mu.Unlock()
}

func (h *Host) IsAlive(e ecs.Entity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.alive[e]
}

func (h *Host) ChunkVersion(e ecs.Entity) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.chunkVer[e]
}

// BumpChunkVersion simulates a host-ECS archetype mutation, as domain
// systems would trigger in Sim phase.
func (h *Host) BumpChunkVersion(e ecs.Entity) {
	h.mu.Lock()
	h.chunkVer[e]++
	h.mu.Unlock()
}

func (h *Host) Get(e ecs.Entity, key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.attrs[e]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (h *Host) Set(e ecs.Entity, key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.attrs[e]
	if !ok {
		m = make(map[string]any)
		h.attrs[e] = m
	}
	m[key] = value
	h.chunkVer[e]++
}

func (h *Host) Remove(e ecs.Entity, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.attrs[e]; ok {
		delete(m, key)
		h.chunkVer[e]++
	}
}

func (h *Host) Has(e ecs.Entity, key string) bool {
	_, ok := h.Get(e, key)
	return ok
}

func (h *Host) Emit(tag string, payload any) {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	h.events[tag] = append(h.events[tag], payload)
}

func (h *Host) Drain(tag string) []any {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	out := h.events[tag]
	delete(h.events, tag)
	return out
}

// CommandBuffer is a trivial synchronous buffer: Defer runs immediately
// against the bound Host. Real hosts would batch and play back at a safe
// point (§6.1); the core never depends on that timing within a single
// test step.
type CommandBuffer struct {
	host *Host
}

// NewCommandBuffer binds a CommandBuffer to host.
func NewCommandBuffer(host *Host) *CommandBuffer {
	return &CommandBuffer{host: host}
}

func (c *CommandBuffer) Defer(fn func(ecs.Host)) {
	fn(c.host)
}

// Flush is a no-op for this synchronous buffer; kept for symmetry with
// hosts that actually queue.
func (c *CommandBuffer) Flush() {}
