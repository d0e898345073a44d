package speedcurve

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrBadPeriod is returned when the trigger period is not positive.
	ErrBadPeriod = errors.New("trigger period must be > 0")

	// ErrUnmappedCode is returned when a matched event code has no axis assigned.
	ErrUnmappedCode = errors.New("event code has no axis mapping")
)

// Config describes one speed-curve processor instance.
// It is copied by NewProcessor and never mutated afterwards.
type Config struct {
	// Type is the event type to match (normally EV_REL).
	Type uint16

	// Codes is the set of event codes to reshape. Every code must appear in Axes.
	Codes []uint16

	// Axes maps each event code to the axis whose stroke state it drives.
	// If nil, DefaultAxes is used.
	Axes map[uint16]Axis

	Curve Curve

	// TriggerPeriodMS is the nominal time between two events from the device.
	TriggerPeriodMS int32

	// TrackRemainders carries the sub-pixel part of each movement into the next
	// event of the same stroke instead of flooring slow speeds to 1px.
	TrackRemainders bool
}

// DefaultAxes maps REL_X and REL_Y onto the X and Y axes.
func DefaultAxes() map[uint16]Axis {
	return map[uint16]Axis{
		REL_X: AxisX,
		REL_Y: AxisY,
	}
}

// ResetReason says why a stroke timer was (re)started or cleared by an event.
type ResetReason string

const (
	ResetNone     ResetReason = ""
	ResetStarted  ResetReason = "started"
	ResetReversed ResetReason = "reversed"
	ResetStopped  ResetReason = "stopped"
)

// Shaped describes what the processor did with one event.
type Shaped struct {
	Axis        Axis        `json:"-"`
	Code        uint16      `json:"code"`
	Original    int32       `json:"original"`
	Value       int32       `json:"value"`
	ElapsedMS   int64       `json:"elapsed_ms"`
	SpeedPxPerS int32       `json:"speed_px_s"`
	Reset       ResetReason `json:"reset,omitempty"`
}

// axisState is the per-axis stroke state machine.
// active is false exactly when direction is Zero.
type axisState struct {
	startedAt  time.Time
	lastMotion time.Time
	lastCode   uint16
	direction  Direction
	active     bool
	remainder  int64 // milli-pixels, only with TrackRemainders
}

// strokeCoordinator joins the two axis state machines into one conceptual stroke:
// the device is "in motion" until both axes have reported a stop.
type strokeCoordinator struct {
	idle     [numAxes]bool
	inMotion bool
}

func newStrokeCoordinator() strokeCoordinator {
	var c strokeCoordinator
	for i := range c.idle {
		c.idle[i] = true
	}
	return c
}

func (c *strokeCoordinator) axisWentActive(a Axis) {
	c.idle[a] = false
	c.inMotion = true
}

// axisWentIdle marks a as stopped and reports whether that ended the stroke.
func (c *strokeCoordinator) axisWentIdle(a Axis) bool {
	c.idle[a] = true
	if c.bothIdle() && c.inMotion {
		c.inMotion = false
		return true
	}
	return false
}

func (c *strokeCoordinator) bothIdle() bool {
	for _, idle := range c.idle {
		if !idle {
			return false
		}
	}
	return true
}

// Processor rewrites relative motion events according to a speed curve.
//
// A Processor is not safe for concurrent use. Callers that feed it from more than
// one goroutine must hold one lock around each Handle call, since both axes share
// the stroke coordinator.
type Processor struct {
	cfg    Config
	axisOf map[uint16]Axis

	axes   [numAxes]axisState
	stroke strokeCoordinator

	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor validates cfg and returns a Processor with both axes idle.
// A nil logger discards debug output.
func NewProcessor(cfg Config, logger *slog.Logger) (*Processor, error) {
	if cfg.Curve.Len() == 0 {
		return nil, ErrEmptyCurve
	}
	if cfg.TriggerPeriodMS <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadPeriod, cfg.TriggerPeriodMS)
	}

	axes := cfg.Axes
	if axes == nil {
		axes = DefaultAxes()
	}

	axisOf := make(map[uint16]Axis, len(cfg.Codes))
	for _, code := range cfg.Codes {
		a, ok := axes[code]
		if !ok {
			return nil, fmt.Errorf("%w: code %d", ErrUnmappedCode, code)
		}
		if a != AxisX && a != AxisY {
			return nil, fmt.Errorf("code %d mapped to invalid axis %d", code, a)
		}
		axisOf[code] = a
	}

	codes := make([]uint16, len(cfg.Codes))
	copy(codes, cfg.Codes)
	cfg.Codes = codes
	cfg.Axes = nil

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Processor{
		cfg:    cfg,
		axisOf: axisOf,
		logger: logger,
		now:    time.Now,
	}
	p.Reset()
	return p, nil
}

// Reset returns both axes to idle, as if no event had been processed yet.
func (p *Processor) Reset() {
	p.axes = [numAxes]axisState{}
	p.stroke = newStrokeCoordinator()
}

// Config returns the processor's configuration.
func (p *Processor) Config() Config {
	cfg := p.cfg
	cfg.Codes = append([]uint16(nil), p.cfg.Codes...)
	cfg.Axes = make(map[uint16]Axis, len(p.axisOf))
	for code, a := range p.axisOf {
		cfg.Axes[code] = a
	}
	return cfg
}

// SpeedAt evaluates the configured curve.
func (p *Processor) SpeedAt(elapsedMS int64) int32 {
	return p.cfg.Curve.SpeedAt(elapsedMS)
}

// InMotion reports whether a stroke is in progress on either axis.
func (p *Processor) InMotion() bool {
	return p.stroke.inMotion
}

// Matches reports whether ev is one this processor reshapes.
func (p *Processor) Matches(ev Event) bool {
	if ev.Type != p.cfg.Type {
		return false
	}
	_, ok := p.axisOf[ev.Code]
	return ok
}

// Handle reshapes ev in place using the processor's clock.
// It returns false and leaves ev untouched if ev does not match.
func (p *Processor) Handle(ev *Event) (Shaped, bool) {
	return p.HandleAt(ev, p.now())
}

// HandleAt is Handle with an explicit timestamp from a monotonic clock.
func (p *Processor) HandleAt(ev *Event, now time.Time) (Shaped, bool) {
	if ev == nil || !p.Matches(*ev) {
		return Shaped{}, false
	}

	axis := p.axisOf[ev.Code]
	res := p.ProcessEvent(axis, ev.Value, now)
	res.Code = ev.Code
	p.axes[axis].lastCode = ev.Code
	ev.Value = res.Value
	return res, true
}

// ProcessEvent runs one raw value through the axis state machine and returns the
// reshaped per-event movement. An unknown axis yields a zero Shaped and changes nothing.
func (p *Processor) ProcessEvent(axis Axis, raw int32, now time.Time) Shaped {
	if axis < 0 || axis >= numAxes {
		return Shaped{Axis: axis, Original: raw}
	}
	st := &p.axes[axis]
	dir := directionOf(raw)
	res := Shaped{Axis: axis, Original: raw}

	if dir == Zero {
		if st.active {
			res.Reset = ResetStopped
		}
		st.direction = Zero
		st.active = false
		st.remainder = 0
		if p.stroke.axisWentIdle(axis) {
			p.logger.Debug("movement stopped, resetting timing")
		}
		return res
	}

	switch {
	case !st.active:
		res.Reset = ResetStarted
	case st.direction != dir:
		res.Reset = ResetReversed
		p.logger.Debug("direction changed, resetting timing", "axis", axis, "direction", dir)
	}

	if res.Reset != ResetNone {
		st.startedAt = now
		st.active = true
		st.remainder = 0
		p.stroke.axisWentActive(axis)
		if res.Reset == ResetStarted {
			p.logger.Debug("movement started", "axis", axis, "at", now)
		}
	}
	st.direction = dir
	st.lastMotion = now

	res.ElapsedMS = now.Sub(st.startedAt).Milliseconds()
	res.SpeedPxPerS = p.cfg.Curve.SpeedAt(res.ElapsedMS)
	res.Value = int32(dir) * p.movement(st, res.SpeedPxPerS)

	p.logger.Debug("speed curve",
		"axis", axis,
		"elapsed_ms", res.ElapsedMS,
		"speed_px_s", res.SpeedPxPerS,
		"movement", res.Value,
		"original", raw)

	return res
}

// Expire stops every active axis that has seen no motion for at least idle,
// as if a zero value had been read for it. It returns one Shaped per stopped axis.
func (p *Processor) Expire(now time.Time, idle time.Duration) []Shaped {
	var stopped []Shaped
	for i := range p.axes {
		st := &p.axes[i]
		if !st.active || now.Sub(st.lastMotion) < idle {
			continue
		}
		code := st.lastCode
		res := p.ProcessEvent(Axis(i), 0, now)
		res.Code = code
		stopped = append(stopped, res)
	}
	return stopped
}

// movement converts a px/s speed into a per-event pixel delta, assuming one event
// every TriggerPeriodMS.
func (p *Processor) movement(st *axisState, speed int32) int32 {
	if !p.cfg.TrackRemainders {
		return Movement(speed, p.cfg.TriggerPeriodMS)
	}

	scaled := int64(speed)*int64(p.cfg.TriggerPeriodMS) + st.remainder
	movement := scaled / 1000
	if movement == 0 && speed > 0 {
		// The floor pixel is paid back from later events, at most one pixel's worth.
		st.remainder = max(scaled-1000, -999)
		return 1
	}
	st.remainder = scaled % 1000
	return int32(movement)
}

// Movement converts speed (px/s) into a pixel delta for one event period,
// truncating toward zero. A positive speed always moves at least one pixel.
func Movement(speed, periodMS int32) int32 {
	movement := int32(int64(speed) * int64(periodMS) / 1000)
	if movement == 0 && speed > 0 {
		movement = 1
	}
	return movement
}

// AxisSnapshot is a copy of one axis' stroke state.
type AxisSnapshot struct {
	Axis      string    `json:"axis"`
	Direction Direction `json:"direction"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at"`
	Remainder int64     `json:"remainder_millipx,omitempty"`
}

// Snapshot is a copy of the processor's runtime state.
type Snapshot struct {
	InMotion bool           `json:"in_motion"`
	Axes     []AxisSnapshot `json:"axes"`
}

// Snapshot returns the current runtime state.
func (p *Processor) Snapshot() Snapshot {
	s := Snapshot{
		InMotion: p.stroke.inMotion,
		Axes:     make([]AxisSnapshot, 0, numAxes),
	}
	for i, st := range p.axes {
		as := AxisSnapshot{
			Axis:      Axis(i).String(),
			Direction: st.direction,
			Active:    st.active,
			Remainder: st.remainder,
		}
		if st.active {
			as.StartedAt = st.startedAt
		}
		s.Axes = append(s.Axes, as)
	}
	return s
}
