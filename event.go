// Package speedcurve reshapes relative pointer motion with a speed curve: the
// magnitude of each REL_X/REL_Y report is replaced by a speed taken from how long
// the current stroke has been running, keeping the sign.
package speedcurve

// Linux input event types and codes (from <linux/input-event-codes.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
	EV_MSC = 0x04

	SYN_REPORT = 0x00

	REL_X      = 0x00
	REL_Y      = 0x01
	REL_Z      = 0x02
	REL_HWHEEL = 0x06
	REL_DIAL   = 0x07
	REL_WHEEL  = 0x08
	REL_MISC   = 0x09

	BTN_LEFT   = 0x110
	BTN_RIGHT  = 0x111
	BTN_MIDDLE = 0x112
	BTN_SIDE   = 0x113
	BTN_EXTRA  = 0x114
)

// Event is the part of an input event the processor looks at.
// Timestamps are owned by the caller and never touched here.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// Axis identifies one of the two tracked motion axes.
type Axis int

const (
	AxisX Axis = iota
	AxisY

	numAxes = 2
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "unknown"
	}
}

// Direction is the sign of the last observed motion on an axis.
type Direction int8

const (
	Negative Direction = -1
	Zero     Direction = 0
	Positive Direction = 1
)

// directionOf returns the sign of v.
func directionOf(v int32) Direction {
	switch {
	case v > 0:
		return Positive
	case v < 0:
		return Negative
	default:
		return Zero
	}
}

func (d Direction) String() string {
	switch d {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	default:
		return "zero"
	}
}
