// Package timecoord implements the TimeCoordinator (spec §4.G): dual-mode
// time distribution across a federation of nodes, continuous (PLL-style
// jitter correction) or deterministic lockstep, with future-barrier mode
// switching.
package timecoord

import (
	"log/slog"
	"sort"
	"time"

	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/metrics"
)

// Role is this node's place in the federation (§4.G).
type Role int

const (
	RoleStandalone Role = iota
	RoleMaster
	RoleSlave
)

// Mode mirrors messages.Mode.
type Mode = messages.Mode

const (
	ModeContinuous    = messages.ModeContinuous
	ModeDeterministic = messages.ModeDeterministic
)

// Config holds the §6.3 time.* tunables.
type Config struct {
	PLLGain            float64
	MaxSlew            float64
	SnapThresholdMs     float64
	JitterWindow       int
	AvgLatency         time.Duration
	FixedDeltaS        float64
	PauseBarrierFrames int64
	PulseInterval      time.Duration
}

// DefaultConfig mirrors spec §6.3 defaults.
func DefaultConfig() Config {
	return Config{
		PLLGain:            0.1,
		MaxSlew:            0.05,
		SnapThresholdMs:     500,
		JitterWindow:       5,
		AvgLatency:         2 * time.Millisecond,
		FixedDeltaS:        1.0 / 60,
		PauseBarrierFrames: 10,
		PulseInterval:      time.Second,
	}
}

// TickInfo is the per-tick output every role produces (§4.G).
type TickInfo struct {
	FrameNumber uint64
	TotalTimeS  float64
	DeltaS      float32
	Scale       float32
}

// Clock is a monotonic time source, abstracted for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Publisher is the wire-facing side a transport adapter implements.
type Publisher interface {
	PublishTimePulse(messages.TimePulse)
	PublishFrameOrder(messages.FrameOrder)
	PublishFrameAck(messages.FrameAck)
	PublishSwitchMode(messages.SwitchMode)
}

// Coordinator is the TimeCoordinator.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	clock   Clock
	pub     Publisher
	metrics *metrics.Registry
	nodeID  uint32
	role    Role
	mode    Mode

	// shared
	frameNumber uint64
	totalTimeS  float64
	scale       float32

	// master continuous
	lastPulse     time.Time
	pulseSequence int64

	// slave continuous
	virtualClock  time.Time
	haveVirtual   bool
	jitterWindow  []float64
	lastNow       time.Time

	// master lockstep
	slaveNodes   []uint32
	pendingAcks  map[uint32]struct{}
	sequence     int64
	ackWaitStart time.Time

	// slave lockstep
	nextFrameID    int64
	bufferedOrder  *messages.FrameOrder

	// mode switching
	switching    bool
	targetMode   Mode
	barrierFrame int64
	nextDelta    *float32
}

// New constructs a Coordinator in Standalone/Continuous by default.
// metricsReg may be nil to skip instrumentation.
func New(cfg Config, nodeID uint32, pub Publisher, metricsReg *metrics.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		logger:      logger.With("component", "timecoord"),
		clock:       realClock{},
		pub:         pub,
		metrics:     metricsReg,
		nodeID:      nodeID,
		role:        RoleStandalone,
		mode:        ModeContinuous,
		scale:       1.0,
		pendingAcks: make(map[uint32]struct{}),
	}
}

// SetClock overrides the monotonic source, for tests.
func (c *Coordinator) SetClock(clk Clock) { c.clock = clk }

// BecomeMaster configures this node as federation master over slaveNodes.
func (c *Coordinator) BecomeMaster(slaveNodes []uint32) {
	c.role = RoleMaster
	c.slaveNodes = append([]uint32(nil), slaveNodes...)
	c.nextFrameID = 0
}

// BecomeSlave configures this node as a federation slave.
func (c *Coordinator) BecomeSlave() {
	c.role = RoleSlave
}

// SetInitialMode sets the starting mode directly, bypassing the
// future-barrier handshake (§4.G.3 applies only to a live switch
// mid-federation; a node may simply start in either mode).
func (c *Coordinator) SetInitialMode(mode Mode) {
	c.applySwitch(mode, nil)
}

// Role reports the current role.
func (c *Coordinator) Role() Role { return c.role }

// Mode reports the current mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// SetScale changes the continuous-mode playback scale. A change forces
// an immediate pulse on the next Tick (§4.G.1 "changes to scale force an
// immediate pulse").
func (c *Coordinator) SetScale(scale float32) {
	c.scale = scale
	if c.role == RoleMaster && c.mode == ModeContinuous {
		c.lastPulse = time.Time{}
	}
}

// RequestSwitch queues a future-barrier mode switch; master-only (§4.G.3).
func (c *Coordinator) RequestSwitch(target Mode, fixedDelta *float32) {
	barrier := int64(0)
	if target == ModeDeterministic {
		barrier = int64(c.frameNumber) + c.cfg.PauseBarrierFrames
	}
	c.switching = true
	c.targetMode = target
	c.barrierFrame = barrier
	c.nextDelta = fixedDelta
	if c.pub != nil {
		c.pub.PublishSwitchMode(messages.SwitchMode{TargetMode: target, BarrierFrame: barrier, FixedDelta: fixedDelta})
	}
}

// OnSwitchMode is the ingress handler for a received SwitchMode (slave
// side, §4.G.3). If the barrier is already behind current_frame, it
// swaps immediately and logs a latency warning.
func (c *Coordinator) OnSwitchMode(msg messages.SwitchMode) {
	if msg.BarrierFrame == 0 || int64(c.frameNumber) >= msg.BarrierFrame {
		if msg.BarrierFrame != 0 && int64(c.frameNumber) > msg.BarrierFrame {
			c.logger.Warn("emergency mode swap: barrier already passed",
				"barrier_frame", msg.BarrierFrame, "current_frame", c.frameNumber)
		}
		c.applySwitch(msg.TargetMode, msg.FixedDelta)
		return
	}
	c.switching = true
	c.targetMode = msg.TargetMode
	c.barrierFrame = msg.BarrierFrame
	c.nextDelta = msg.FixedDelta
}

func (c *Coordinator) applySwitch(target Mode, fixedDelta *float32) {
	c.mode = target
	c.switching = false
	if fixedDelta != nil {
		c.cfg.FixedDeltaS = float64(*fixedDelta)
	}
	if target == ModeContinuous {
		c.haveVirtual = false
		c.jitterWindow = nil
	} else {
		c.bufferedOrder = nil
		c.pendingAcks = make(map[uint32]struct{})
	}
}

func (c *Coordinator) checkBarrier() {
	if c.switching && int64(c.frameNumber) >= c.barrierFrame {
		c.applySwitch(c.targetMode, c.nextDelta)
	}
}

// Tick advances the coordinator by one frame and returns this frame's
// TickInfo, dispatching to the active role+mode combination.
func (c *Coordinator) Tick() TickInfo {
	c.checkBarrier()
	switch c.mode {
	case ModeDeterministic:
		return c.tickLockstep()
	default:
		return c.tickContinuous()
	}
}

// --- Continuous mode (§4.G.1) ---

func (c *Coordinator) tickContinuous() TickInfo {
	now := c.clock.Now()
	if c.lastNow.IsZero() {
		c.lastNow = now
	}
	raw := now.Sub(c.lastNow).Seconds()
	c.lastNow = now

	correction := 0.0
	if c.role == RoleSlave && c.haveVirtual {
		correction = c.slaveCorrection()
	}
	adj := raw * (1 + correction)
	c.totalTimeS += adj * float64(c.scale)
	c.frameNumber++

	// V += adj_delta (spec.md:193 step 5): advance the slave's virtual
	// clock every frame, not just on pulse receipt, so the error OnTimePulse
	// measures against a fresh TimePulse reflects actual clock divergence
	// rather than elapsed wall time since the last pulse.
	if c.role == RoleSlave && c.haveVirtual {
		c.virtualClock = c.virtualClock.Add(time.Duration(adj * float64(time.Second)))
	}

	if c.role == RoleMaster {
		c.maybePulse(now)
	}

	return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS, DeltaS: float32(adj), Scale: c.scale}
}

func (c *Coordinator) maybePulse(now time.Time) {
	if c.lastPulse.IsZero() || now.Sub(c.lastPulse) >= c.cfg.PulseInterval {
		c.lastPulse = now
		c.pulseSequence++
		if c.pub != nil {
			c.pub.PublishTimePulse(messages.TimePulse{
				MasterWallTicks: now.UnixNano(),
				SimTimeS:        c.totalTimeS,
				Scale:           c.scale,
				Sequence:        c.pulseSequence,
			})
		}
	}
}

// OnTimePulse is the slave ingress handler (§4.G.1 steps 1-3).
func (c *Coordinator) OnTimePulse(p messages.TimePulse) {
	nowLocal := c.clock.Now()
	masterLocal := time.Unix(0, p.MasterWallTicks)
	targetLocal := nowLocal.Add(c.cfg.AvgLatency)

	if !c.haveVirtual {
		c.virtualClock = targetLocal
		c.haveVirtual = true
		c.totalTimeS = p.SimTimeS
		c.lastNow = nowLocal
		c.scale = p.Scale
		return
	}

	errS := targetLocal.Sub(c.virtualClock).Seconds()
	c.jitterWindow = append(c.jitterWindow, errS)
	if len(c.jitterWindow) > c.cfg.JitterWindow {
		c.jitterWindow = c.jitterWindow[1:]
	}

	if absMs(errS*1000) > c.cfg.SnapThresholdMs {
		c.virtualClock = targetLocal
		c.totalTimeS = p.SimTimeS + nowLocal.Sub(masterLocal).Seconds() - c.cfg.AvgLatency.Seconds()
		c.lastNow = nowLocal
		c.jitterWindow = nil
		if c.metrics != nil {
			c.metrics.PLLSnaps.Inc()
		}
		c.logger.Info("time pulse hard snap", "error_ms", errS*1000)
	}
	c.scale = p.Scale
}

func absMs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// slaveCorrection computes the clamped PLL correction from the median of
// the jitter window (§4.G.1 step 4). It does not touch the virtual clock;
// tickContinuous applies the correction to the frame's raw delta and
// advances the virtual clock by the result (step 5).
func (c *Coordinator) slaveCorrection() float64 {
	if len(c.jitterWindow) == 0 {
		return 0
	}
	med := median(c.jitterWindow)
	corr := med * c.cfg.PLLGain
	if corr > c.cfg.MaxSlew {
		corr = c.cfg.MaxSlew
	} else if corr < -c.cfg.MaxSlew {
		corr = -c.cfg.MaxSlew
	}
	return corr
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// --- Deterministic lockstep (§4.G.2) ---

func (c *Coordinator) tickLockstep() TickInfo {
	switch c.role {
	case RoleMaster:
		return c.tickLockstepMaster()
	case RoleSlave:
		return c.tickLockstepSlave()
	default:
		// Standalone lockstep: no federation to wait on, advance freely.
		c.frameNumber++
		c.totalTimeS += c.cfg.FixedDeltaS
		return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS, DeltaS: float32(c.cfg.FixedDeltaS), Scale: c.scale}
	}
}

func (c *Coordinator) tickLockstepMaster() TickInfo {
	if len(c.pendingAcks) > 0 {
		// Block the next frame until every slave has acked (§4.G.2).
		return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS}
	}

	c.frameNumber++
	c.totalTimeS += c.cfg.FixedDeltaS
	c.sequence++
	frameID := int64(c.frameNumber)

	c.pendingAcks = make(map[uint32]struct{}, len(c.slaveNodes))
	for _, n := range c.slaveNodes {
		c.pendingAcks[n] = struct{}{}
	}
	c.nextFrameID = frameID
	if len(c.pendingAcks) > 0 {
		c.ackWaitStart = c.clock.Now()
	}

	if c.pub != nil {
		c.pub.PublishFrameOrder(messages.FrameOrder{FrameID: frameID, FixedDelta: float32(c.cfg.FixedDeltaS), Sequence: c.sequence})
	}

	return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS, DeltaS: float32(c.cfg.FixedDeltaS), Scale: c.scale}
}

// OnFrameAck processes an acknowledgement; stale frame_ids are discarded
// (§4.G.2).
func (c *Coordinator) OnFrameAck(ack messages.FrameAck) {
	if ack.FrameID != c.nextFrameID {
		return
	}
	delete(c.pendingAcks, ack.NodeID)
	if len(c.pendingAcks) == 0 && !c.ackWaitStart.IsZero() {
		if c.metrics != nil {
			c.metrics.LockstepStall.Observe(c.clock.Now().Sub(c.ackWaitStart).Seconds())
		}
		c.ackWaitStart = time.Time{}
	}
}

// PendingAckCount reports how many slaves have yet to ack the current
// frame (0 means the master is free to advance).
func (c *Coordinator) PendingAckCount() int { return len(c.pendingAcks) }

// BufferFrameOrder stages a received FrameOrder for the slave's next
// tick (§4.G.2).
func (c *Coordinator) BufferFrameOrder(order messages.FrameOrder) {
	c.bufferedOrder = &order
}

func (c *Coordinator) tickLockstepSlave() TickInfo {
	if c.bufferedOrder == nil || c.bufferedOrder.FrameID != c.nextFrameID+1 {
		// Nothing executable yet: idle zero-delta tick (§4.G.2).
		return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS, Scale: c.scale}
	}

	order := c.bufferedOrder
	c.bufferedOrder = nil
	c.nextFrameID = order.FrameID
	c.frameNumber++
	c.totalTimeS += float64(order.FixedDelta)

	if c.pub != nil {
		c.pub.PublishFrameAck(messages.FrameAck{FrameID: order.FrameID, NodeID: c.nodeID})
	}

	return TickInfo{FrameNumber: c.frameNumber, TotalTimeS: c.totalTimeS, DeltaS: order.FixedDelta, Scale: c.scale}
}
