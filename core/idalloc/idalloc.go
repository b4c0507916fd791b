// Package idalloc implements the NetworkIdAllocator (spec §4.A):
// block-based unique id allocation with low-water refill via
// request/response messages. No teacher/pack file implements this
// block-pool/low-water shape; see DESIGN.md for the grounding search.
package idalloc

import (
	"log/slog"
	"sync"

	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/fdperr"
	"github.com/pjanec/fastdataplane/metrics"
)

// Config is the slice of spec §6.3 this package cares about.
type Config struct {
	LowWater          int
	RequestTimeoutTicks int64
	// MaxBackoffAttempts bounds exponential retry (§4.A "cap 3 attempts").
	MaxBackoffAttempts int
}

// DefaultConfig matches spec §6.3 defaults.
func DefaultConfig() Config {
	return Config{LowWater: 10, RequestTimeoutTicks: 60, MaxBackoffAttempts: 3}
}

type block struct {
	start uint64
	count uint64
}

func (b block) contains(id uint64) bool { return id >= b.start && id < b.start+b.count }

// GraveyardChecker reports whether an id is currently withheld by the
// EntityIdRegistry's graveyard (§4.A "Adding a block that intersects the
// graveyard is rejected").
type GraveyardChecker interface {
	IsGraveyard(id uint64) bool
}

// Publisher emits IdBlockRequest messages onto the wire; a transport
// adapter implements this.
type Publisher interface {
	PublishIdBlockRequest(messages.IdBlockRequest)
}

// Allocator is the local per-client id pool plus its in-flight refill
// protocol state.
type Allocator struct {
	mu sync.Mutex

	clientID string
	cfg      Config
	graveyard GraveyardChecker
	publisher Publisher
	logger   *slog.Logger
	metrics  *metrics.Registry

	blocks  []block
	cursor  uint64 // next id to hand out, 0 means "no block"
	remain  uint64 // ids remaining in the block cursor currently sits in

	lowWaterFired bool
	onLowWater    []func()

	pendingSince   int64 // tick the current outstanding request was (re)issued
	pendingAttempt int   // attempts made for the outstanding request, 0 = none
	pendingSize    uint32
}

// New constructs an Allocator for clientID. metricsReg may be nil to
// skip instrumentation.
func New(clientID string, cfg Config, graveyard GraveyardChecker, publisher Publisher, metricsReg *metrics.Registry, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		clientID:  clientID,
		cfg:       cfg,
		graveyard: graveyard,
		publisher: publisher,
		metrics:   metricsReg,
		logger:    logger.With("component", "idalloc", "client_id", clientID),
	}
}

// OnLowWater registers a callback fired once per drain below cfg.LowWater.
// Per §5 it may be invoked from any thread; it must only enqueue a
// deferred action.
func (a *Allocator) OnLowWater(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLowWater = append(a.onLowWater, fn)
}

// AddBlock grows the pool with [start, start+count). Rejected if it
// intersects the graveyard or an existing block.
func (a *Allocator) AddBlock(start, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for off := uint64(0); off < count; off++ {
		if a.graveyard != nil && a.graveyard.IsGraveyard(start+off) {
			return fdperr.Wrapf(fdperr.ErrBlockConflict, "block [%d,%d) intersects graveyard at id %d", start, start+count, start+off)
		}
	}
	if a.remain > 0 && overlaps(block{a.cursor, a.remain}, block{start, count}) {
		return fdperr.Wrapf(fdperr.ErrBlockConflict, "block [%d,%d) overlaps active block [%d,%d)", start, start+count, a.cursor, a.cursor+a.remain)
	}
	for _, b := range a.blocks {
		if overlaps(b, block{start, count}) {
			return fdperr.Wrapf(fdperr.ErrBlockConflict, "block [%d,%d) overlaps existing block [%d,%d)", start, start+count, b.start, b.start+b.count)
		}
	}

	if a.remain == 0 {
		a.cursor = start
		a.remain = count
	} else {
		a.blocks = append(a.blocks, block{start, count})
	}
	a.lowWaterFired = false
	a.logger.Debug("block added", "start", start, "count", count)
	return nil
}

func overlaps(a, b block) bool {
	return a.start < b.start+b.count && b.start < a.start+a.count
}

// Reset discards all pooled ids and restarts the cursor at start with an
// empty pool.
func (a *Allocator) Reset(start uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = nil
	a.cursor = start
	a.remain = 0
	a.lowWaterFired = false
	a.pendingSince = 0
	a.pendingAttempt = 0
}

// Allocate yields a previously-unused id, or ok=false if the pool is
// exhausted. The caller never blocks (§4.A "the core never stalls for an
// id"); on exhaustion the caller should retry next frame once a refill
// has landed.
func (a *Allocator) Allocate() (id uint64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remain == 0 {
		if len(a.blocks) == 0 {
			return 0, false
		}
		next := a.blocks[0]
		a.blocks = a.blocks[1:]
		a.cursor = next.start
		a.remain = next.count
	}

	id = a.cursor
	a.cursor++
	a.remain--

	if a.poolSize() < uint64(a.cfg.LowWater) && !a.lowWaterFired {
		a.lowWaterFired = true
		if a.metrics != nil {
			a.metrics.IDLowWaterHits.Inc()
		}
		callbacks := append([]func(){}, a.onLowWater...)
		// Invoked synchronously here since Allocate always runs on the
		// main scheduled phase (§4.A); callbacks themselves must still
		// only enqueue deferred work per §5.
		for _, cb := range callbacks {
			cb()
		}
	}
	return id, true
}

func (a *Allocator) poolSize() uint64 {
	total := a.remain
	for _, b := range a.blocks {
		total += b.count
	}
	return total
}

// RequestRefill publishes an IdBlockRequest for requestSize more ids,
// idempotently: calling it again before a response lands is a no-op (the
// first call's requestSize stands) rather than issuing a duplicate that
// corrupts state (§4.A "Requests are idempotent").
func (a *Allocator) RequestRefill(currentTick int64, requestSize uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingAttempt != 0 {
		return
	}
	a.pendingSince = currentTick
	a.pendingAttempt = 1
	a.pendingSize = requestSize
	if a.publisher != nil {
		a.publisher.PublishIdBlockRequest(messages.IdBlockRequest{ClientID: a.clientID, RequestSize: requestSize})
	}
	if a.metrics != nil {
		a.metrics.IDBlockRequests.Inc()
	}
	a.logger.Debug("id block requested", "tick", currentTick, "size", requestSize)
}

// OnResponse handles an IdBlockResponse; responses for non-matching
// ClientID are ignored (§4.A).
func (a *Allocator) OnResponse(resp messages.IdBlockResponse) error {
	if resp.ClientID != a.clientID {
		return nil
	}
	a.mu.Lock()
	a.pendingSince = 0
	a.pendingAttempt = 0
	a.mu.Unlock()
	return a.AddBlock(resp.StartID, uint64(resp.Count))
}

// Sweep retries the outstanding request with exponential backoff if
// T_idreq ticks have elapsed, capped at MaxBackoffAttempts (§4.A
// "Failures"). Call once per frame.
func (a *Allocator) Sweep(currentTick int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingAttempt == 0 {
		return
	}
	backoff := a.cfg.RequestTimeoutTicks << (a.pendingAttempt - 1)
	if currentTick-a.pendingSince < backoff {
		return
	}
	if a.pendingAttempt >= a.cfg.MaxBackoffAttempts {
		a.logger.Warn("id block request exhausted retries", "client_id", a.clientID, "attempts", a.pendingAttempt)
		a.pendingSince = 0
		a.pendingAttempt = 0
		return
	}
	a.pendingAttempt++
	a.pendingSince = currentTick
	if a.publisher != nil {
		a.publisher.PublishIdBlockRequest(messages.IdBlockRequest{ClientID: a.clientID, RequestSize: a.pendingSize})
	}
	if a.metrics != nil {
		a.metrics.IDBlockRequests.Inc()
	}
	a.logger.Warn("id block request retry", "attempt", a.pendingAttempt, "tick", currentTick)
}

// PoolSize reports ids currently held, for tests and diagnostics.
func (a *Allocator) PoolSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poolSize()
}
