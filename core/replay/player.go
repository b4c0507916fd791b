package replay

// Handlers is how a Player injects a decoded frame back into the live
// systems, re-using the same ingress paths transport traffic would use
// (§4.H "re-using GhostEngine stash/identify, AuthorityStore ingress,
// etc."). Ghost systems are disabled during pure replay: a recorded
// entity is restored directly by id, not reconstructed from a stash.
type Handlers interface {
	RestoreClock(frameNumber uint64, totalTimeS float64, rngSeed uint64)
	RestoreEntity(id uint64, components []ComponentRecord)
	InjectNetworkInput(sourceNode uint32, channel string, bytes []byte)
	InjectUserInput(bytes []byte)
	PublishEvent(tag string, bytes []byte)
}

// Speed is a playback rate (§4.H Controls: set_speed).
type Speed float64

const (
	SpeedPaused Speed = 0
	Speed0_25x  Speed = 0.25
	Speed1x     Speed = 1
	Speed4x     Speed = 4
)

// Player drives deterministic, fixed-delta playback of a Reader's
// frames through Handlers (§4.H Playback).
type Player struct {
	reader   *Reader
	handlers Handlers
	speed    Speed
	paused   bool
	accum    float64
	current  int
	last     Snapshot
}

// NewPlayer builds a Player over reader at 1x speed.
func NewPlayer(reader *Reader, handlers Handlers) *Player {
	return &Player{reader: reader, handlers: handlers, speed: Speed1x, current: -1}
}

// Pause stops frame advancement until Resume or Step.
func (p *Player) Pause() { p.paused = true }

// Resume clears Pause.
func (p *Player) Resume() { p.paused = false }

// SetSpeed changes the playback rate; SpeedPaused is equivalent to Pause.
func (p *Player) SetSpeed(s Speed) {
	p.speed = s
	p.paused = s == SpeedPaused
}

// CurrentFrame reports the last applied frame index, or -1 before any
// frame has been applied.
func (p *Player) CurrentFrame() int { return p.current }

// LastSnapshot returns the most recently applied snapshot, for
// divergence comparison against live re-simulation output (§4.H).
func (p *Player) LastSnapshot() Snapshot { return p.last }

// Seek restores the nearest frame at or before target and repositions
// the player there; the next Tick/Step continues forward from it.
func (p *Player) Seek(target int) error {
	snap, err := p.reader.Seek(target)
	if err != nil {
		return err
	}
	p.apply(snap)
	p.current = target
	p.accum = 0
	return nil
}

// Step applies exactly one frame regardless of pause/speed, for
// frame-by-frame stepping while paused.
func (p *Player) Step() (bool, error) {
	snap, err := p.reader.ReadFrame()
	if err != nil {
		return false, err
	}
	p.apply(snap)
	p.current++
	return true, nil
}

// Tick advances playback by one host frame's worth of wall time at the
// current speed: Speed0_25x applies one recorded frame every four
// calls, Speed4x applies four per call, SpeedPaused applies none.
func (p *Player) Tick() (applied bool, err error) {
	if p.paused || p.speed == SpeedPaused {
		return false, nil
	}
	p.accum += float64(p.speed)
	for p.accum >= 1.0 {
		snap, err := p.reader.ReadFrame()
		if err != nil {
			return applied, err
		}
		p.apply(snap)
		p.current++
		p.accum -= 1.0
		applied = true
	}
	return applied, nil
}

func (p *Player) apply(snap Snapshot) {
	p.last = snap
	if p.handlers == nil {
		return
	}
	p.handlers.RestoreClock(snap.FrameNumber, snap.TotalTimeS, snap.RNGSeed)
	for _, e := range snap.Entities {
		p.handlers.RestoreEntity(e.ID, e.Components)
	}
	for _, n := range snap.NetworkInputs {
		p.handlers.InjectNetworkInput(n.SourceNode, n.Channel, n.Bytes)
	}
	for _, u := range snap.UserInputs {
		p.handlers.InjectUserInput(u.Bytes)
	}
	for _, ev := range snap.Events {
		p.handlers.PublishEvent(ev.Tag, ev.Bytes)
	}
}
