package speedcurve

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCurve is returned when a curve has no control points.
	ErrEmptyCurve = errors.New("curve has no control points")

	// ErrUnsortedCurve is returned by ValidatePoints when control point times are not ascending.
	ErrUnsortedCurve = errors.New("curve control points are not sorted by time")
)

// ControlPoint is one vertex of the acceleration curve: after ElapsedMS milliseconds
// of continuous motion the cursor should travel at Speed pixels per second.
type ControlPoint struct {
	ElapsedMS int32 `json:"elapsed_ms" yaml:"ms"`
	Speed     int32 `json:"speed" yaml:"speed"`
}

// Curve is an immutable piecewise-linear mapping from elapsed stroke time to speed.
//
// The zero Curve evaluates to 0 everywhere.
type Curve struct {
	points []ControlPoint
}

// NewCurve copies points into a new Curve. Only emptiness is rejected here;
// ordering is checked by ValidatePoints so callers can decide how strict to be.
func NewCurve(points []ControlPoint) (Curve, error) {
	if len(points) == 0 {
		return Curve{}, ErrEmptyCurve
	}
	cp := make([]ControlPoint, len(points))
	copy(cp, points)
	return Curve{points: cp}, nil
}

// MustCurve is like NewCurve but panics on error. Intended for package-level defaults and tests.
func MustCurve(points ...ControlPoint) Curve {
	c, err := NewCurve(points)
	if err != nil {
		panic(err)
	}
	return c
}

// ValidatePoints reports whether points form a usable curve: non-empty and
// non-decreasing in ElapsedMS.
func ValidatePoints(points []ControlPoint) error {
	if len(points) == 0 {
		return ErrEmptyCurve
	}
	for i := 1; i < len(points); i++ {
		if points[i].ElapsedMS < points[i-1].ElapsedMS {
			return fmt.Errorf("%w: point %d (%d ms) is before point %d (%d ms)",
				ErrUnsortedCurve, i, points[i].ElapsedMS, i-1, points[i-1].ElapsedMS)
		}
	}
	return nil
}

// Len returns the number of control points.
func (c Curve) Len() int { return len(c.points) }

// Points returns a copy of the control points.
func (c Curve) Points() []ControlPoint {
	out := make([]ControlPoint, len(c.points))
	copy(out, c.points)
	return out
}

// SpeedAt returns the speed in pixels per second after elapsedMS milliseconds of motion.
//
// Values before the first point and after the last point are clamped to those points'
// speeds. In between, the first bracketing segment is linearly interpolated with
// truncating integer division.
func (c Curve) SpeedAt(elapsedMS int64) int32 {
	n := len(c.points)
	if n == 0 {
		return 0
	}

	first := c.points[0]
	if elapsedMS <= int64(first.ElapsedMS) {
		return first.Speed
	}

	last := c.points[n-1]
	if elapsedMS >= int64(last.ElapsedMS) {
		return last.Speed
	}

	for i := 0; i < n-1; i++ {
		t0, s0 := int64(c.points[i].ElapsedMS), int64(c.points[i].Speed)
		t1, s1 := int64(c.points[i+1].ElapsedMS), int64(c.points[i+1].Speed)

		if elapsedMS < t0 || elapsedMS > t1 {
			continue
		}
		if t1 == t0 {
			return int32(s0)
		}
		// Go's integer division truncates toward zero; curve tuning depends on that.
		return int32(s0 + (s1-s0)*(elapsedMS-t0)/(t1-t0))
	}

	// Only reachable with unsorted points.
	return last.Speed
}
