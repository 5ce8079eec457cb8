// Package spline fits the per-agent interpolants used to bridge trajectory
// gaps. Curves are cubic through the samples and keep their end polynomials
// beyond the sample range, so a gap at the edge of the data is still covered.
package spline

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/trackfix/internal/trajectory"
)

// ErrNoSamples is returned when there is nothing to fit.
var ErrNoSamples = errors.New("no valid samples to fit")

// MinCubicSamples is the smallest sample count fitted with a cubic. Fewer
// samples fall back to linear (two or three) or constant (one).
const MinCubicSamples = 4

// Curve maps a frame index to a position.
type Curve struct {
	frames  []float64
	samples []trajectory.Position
	x, y    axis
}

type axis interface {
	at(t float64) float64
}

// Fit builds a curve through the given samples. frames must be strictly
// increasing and the same length as samples.
func Fit(frames []float64, samples []trajectory.Position) (*Curve, error) {
	if len(frames) != len(samples) {
		return nil, fmt.Errorf("fit: %d frames for %d samples", len(frames), len(samples))
	}
	if len(frames) == 0 {
		return nil, ErrNoSamples
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] <= frames[i-1] {
			return nil, fmt.Errorf("fit: frames not strictly increasing at index %d", i)
		}
	}

	ts := append([]float64(nil), frames...)
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, p := range samples {
		xs[i], ys[i] = p.X, p.Y
	}

	cx, err := fitAxis(ts, xs)
	if err != nil {
		return nil, fmt.Errorf("fit x: %w", err)
	}
	cy, err := fitAxis(ts, ys)
	if err != nil {
		return nil, fmt.Errorf("fit y: %w", err)
	}
	return &Curve{
		frames:  ts,
		samples: append([]trajectory.Position(nil), samples...),
		x:       cx,
		y:       cy,
	}, nil
}

// At evaluates the curve at frame. Frames outside the sample range are
// extrapolated with the nearest end piece.
func (c *Curve) At(frame float64) trajectory.Position {
	return trajectory.Position{X: c.x.at(frame), Y: c.y.at(frame)}
}

// AtFrames evaluates the curve on integer frames [from, to).
func (c *Curve) AtFrames(from, to int) []trajectory.Position {
	if from >= to {
		return nil
	}
	out := make([]trajectory.Position, 0, to-from)
	for f := from; f < to; f++ {
		out = append(out, c.At(float64(f)))
	}
	return out
}

// Sweep evaluates the curve from from (inclusive) to to (exclusive) in
// increments of step.
func (c *Curve) Sweep(from, to, step float64) []trajectory.Position {
	if step <= 0 || from >= to {
		return nil
	}
	n := int((to - from) / step)
	if from+float64(n)*step < to {
		n++
	}
	out := make([]trajectory.Position, 0, n)
	for i := range n {
		out = append(out, c.At(from+float64(i)*step))
	}
	return out
}

// Knots returns the frames and samples the curve was fitted through.
func (c *Curve) Knots() ([]float64, []trajectory.Position) {
	return c.frames, c.samples
}

func fitAxis(ts, vs []float64) (axis, error) {
	switch n := len(ts); {
	case n == 1:
		return constant(vs[0]), nil
	case n < MinCubicSamples:
		pl := new(interp.PiecewiseLinear)
		if err := pl.Fit(ts, vs); err != nil {
			return nil, err
		}
		return &linearAxis{
			pl: pl,
			lo: line{t0: ts[0], v0: vs[0], slope: (vs[1] - vs[0]) / (ts[1] - ts[0])},
			hi: line{t0: ts[n-1], v0: vs[n-1], slope: (vs[n-1] - vs[n-2]) / (ts[n-1] - ts[n-2])},
			t0: ts[0],
			t1: ts[n-1],
		}, nil
	default:
		nak := new(interp.NotAKnotCubic)
		if err := nak.Fit(ts, vs); err != nil {
			return nil, err
		}
		return &cubicAxis{
			nak: nak,
			lo:  endPiece(nak, ts[0], ts[1]),
			hi:  endPiece(nak, ts[n-2], ts[n-1]),
			t0:  ts[0],
			t1:  ts[n-1],
		}, nil
	}
}

type constant float64

func (c constant) at(float64) float64 { return float64(c) }

type line struct {
	t0, v0, slope float64
}

func (l line) at(t float64) float64 { return l.v0 + (t-l.t0)*l.slope }

type linearAxis struct {
	pl     *interp.PiecewiseLinear
	lo, hi line
	t0, t1 float64
}

func (a *linearAxis) at(t float64) float64 {
	switch {
	case t < a.t0:
		return a.lo.at(t)
	case t > a.t1:
		return a.hi.at(t)
	default:
		return a.pl.Predict(t)
	}
}

type cubicAxis struct {
	nak    *interp.NotAKnotCubic
	lo, hi cubicPiece
	t0, t1 float64
}

func (a *cubicAxis) at(t float64) float64 {
	switch {
	case t < a.t0:
		return a.lo.at(t)
	case t > a.t1:
		return a.hi.at(t)
	default:
		return a.nak.Predict(t)
	}
}

// cubicPiece is one segment of the spline held in Lagrange form so it can be
// evaluated outside its own interval.
type cubicPiece struct {
	nodes  [4]float64
	values [4]float64
}

// endPiece samples the spline segment [t0, t1] at four points. A cubic is
// fully determined by them, so the piece continues the segment exactly.
func endPiece(p interp.Predictor, t0, t1 float64) cubicPiece {
	h := t1 - t0
	var cp cubicPiece
	for i := range 4 {
		cp.nodes[i] = t0 + h*float64(i)/3
	}
	cp.nodes[3] = t1
	for i, n := range cp.nodes {
		cp.values[i] = p.Predict(n)
	}
	return cp
}

func (cp cubicPiece) at(t float64) float64 {
	var sum float64
	for i := range 4 {
		w := cp.values[i]
		for j := range 4 {
			if j != i {
				w *= (t - cp.nodes[j]) / (cp.nodes[i] - cp.nodes[j])
			}
		}
		sum += w
	}
	return sum
}
