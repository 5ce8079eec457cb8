// Package trajectory holds the multi-agent position table and the gap scanner
// that finds the runs of missing samples to repair.
package trajectory

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Position is a 2-D sample. A NaN X marks "no detection".
type Position struct {
	X float64
	Y float64
}

// Missing is the sentinel stored for frames without a detection.
var Missing = Position{X: math.NaN(), Y: math.NaN()}

// Valid reports whether p holds a detection.
func (p Position) Valid() bool {
	return !math.IsNaN(p.X)
}

// Table is a dense frames × agents × (x, y) array. Frame and agent counts are
// fixed at construction.
type Table struct {
	frames int
	agents int
	data   []float64 // row-major: (frame*agents + agent)*2 + {0,1}
}

// NewTable allocates a table with every sample missing.
func NewTable(frames, agents int) *Table {
	if frames < 0 || agents < 0 {
		panic(fmt.Sprintf("trajectory: negative table shape %dx%d", frames, agents))
	}
	data := make([]float64, frames*agents*2)
	for i := range data {
		data[i] = math.NaN()
	}
	return &Table{frames: frames, agents: agents, data: data}
}

// TableFromData wraps a flat row-major slice of length frames*agents*2.
// The slice is used directly, not copied.
func TableFromData(frames, agents int, data []float64) (*Table, error) {
	if frames < 0 || agents < 0 {
		return nil, fmt.Errorf("negative table shape %dx%d", frames, agents)
	}
	if len(data) != frames*agents*2 {
		return nil, fmt.Errorf("table data has %d values, want %d (%d frames x %d agents x 2)",
			len(data), frames*agents*2, frames, agents)
	}
	return &Table{frames: frames, agents: agents, data: data}, nil
}

// Frames returns the number of frames.
func (t *Table) Frames() int { return t.frames }

// Agents returns the number of agents.
func (t *Table) Agents() int { return t.agents }

// Data exposes the flat backing slice for serialisation.
func (t *Table) Data() []float64 { return t.data }

func (t *Table) offset(frame, agent int) int {
	if frame < 0 || frame >= t.frames || agent < 0 || agent >= t.agents {
		panic(fmt.Sprintf("trajectory: index (%d, %d) out of range %dx%d", frame, agent, t.frames, t.agents))
	}
	return (frame*t.agents + agent) * 2
}

// At returns the sample of agent at frame.
func (t *Table) At(frame, agent int) Position {
	o := t.offset(frame, agent)
	return Position{X: t.data[o], Y: t.data[o+1]}
}

// Set stores p for agent at frame.
func (t *Table) Set(frame, agent int, p Position) {
	o := t.offset(frame, agent)
	t.data[o] = p.X
	t.data[o+1] = p.Y
}

// IsMissing reports whether agent has no detection at frame.
func (t *Table) IsMissing(frame, agent int) bool {
	return math.IsNaN(t.data[t.offset(frame, agent)])
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Table{frames: t.frames, agents: t.agents, data: data}
}

// ClampFrame limits frame to [0, Frames()-1].
func (t *Table) ClampFrame(frame int) int {
	return max(0, min(t.frames-1, frame))
}

// Centroid returns the mean position of the valid samples at frame, skipping
// the excluded agent. ok is false when no other agent is valid there.
func (t *Table) Centroid(frame, exclude int) (p Position, ok bool) {
	xs := make([]float64, 0, t.agents)
	ys := make([]float64, 0, t.agents)
	for a := range t.agents {
		if a == exclude {
			continue
		}
		s := t.At(frame, a)
		if !s.Valid() {
			continue
		}
		xs = append(xs, s.X)
		ys = append(ys, s.Y)
	}
	if len(xs) == 0 {
		return Missing, false
	}
	n := float64(len(xs))
	return Position{X: floats.Sum(xs) / n, Y: floats.Sum(ys) / n}, true
}

// History returns agent's samples over [from, to), clamped to the table.
// Missing samples are kept so callers can break drawn trails on them.
func (t *Table) History(agent, from, to int) []Position {
	from = max(0, from)
	to = min(t.frames, to)
	if from >= to {
		return nil
	}
	out := make([]Position, 0, to-from)
	for f := from; f < to; f++ {
		out = append(out, t.At(f, agent))
	}
	return out
}
