package trajectory

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Gap is a maximal run of missing samples for one agent over [Start, End).
type Gap struct {
	Agent    int
	Start    int
	End      int
	Duration int
}

// Contains reports whether frame lies inside the gap.
func (g Gap) Contains(frame int) bool {
	return frame >= g.Start && frame < g.End
}

// Cell addresses one sample of the table.
type Cell struct {
	Frame int
	Agent int
}

// SortKey selects the queue ordering produced by Scan.
type SortKey string

const (
	SortByStart    SortKey = "start"
	SortByDuration SortKey = "duration"
)

// ScanOptions controls a scan. The zero value finds plain NaN runs sorted by
// start frame.
type ScanOptions struct {
	// JumpSigma enables the impossible-jump filter when non-nil.
	JumpSigma *float64
	// Suspects are cells treated as missing in addition to the NaN samples.
	Suspects []Cell
	SortBy   SortKey
}

// Scan returns the gaps of every agent, sorted by opts.SortBy. Jump masking and
// suspects are applied to a private copy; t is never modified.
func Scan(t *Table, opts ScanOptions) []Gap {
	work := t
	if opts.JumpSigma != nil || len(opts.Suspects) > 0 {
		work = t.Clone()
		if opts.JumpSigma != nil {
			jumps, _ := DetectJumps(t, *opts.JumpSigma)
			Mask(work, jumps)
		}
		Mask(work, opts.Suspects)
	}
	gaps := FindGaps(work)
	SortGaps(gaps, opts.SortBy)
	return gaps
}

// FindGaps walks every agent's frame axis and collects the maximal runs where
// x is NaN, in agent then frame order.
func FindGaps(t *Table) []Gap {
	var gaps []Gap
	for a := range t.agents {
		start := -1
		for f := range t.frames {
			missing := t.IsMissing(f, a)
			switch {
			case missing && start < 0:
				start = f
			case !missing && start >= 0:
				gaps = append(gaps, Gap{Agent: a, Start: start, End: f, Duration: f - start})
				start = -1
			}
		}
		if start >= 0 {
			gaps = append(gaps, Gap{Agent: a, Start: start, End: t.frames, Duration: t.frames - start})
		}
	}
	return gaps
}

// SortGaps orders gaps in place. Ties fall back to start frame, then agent, so
// the order is deterministic.
func SortGaps(gaps []Gap, key SortKey) {
	slices.SortStableFunc(gaps, func(a, b Gap) int {
		if key == SortByDuration {
			if c := cmp.Compare(a.Duration, b.Duration); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Agent, b.Agent)
	})
}

// Displacements returns the per-step Euclidean displacement of every agent,
// indexed [step*agents + agent] for steps 0..frames-2. Steps touching a missing
// sample are NaN.
func Displacements(t *Table) []float64 {
	if t.frames < 2 {
		return nil
	}
	out := make([]float64, (t.frames-1)*t.agents)
	for f := 0; f < t.frames-1; f++ {
		for a := range t.agents {
			p, q := t.At(f, a), t.At(f+1, a)
			out[f*t.agents+a] = math.Hypot(q.X-p.X, q.Y-p.Y)
		}
	}
	return out
}

// DetectJumps flags every step whose displacement exceeds
// mean + sigma*std, with both statistics taken over all valid steps of all
// agents. The returned cells are the later sample of each flagged step.
func DetectJumps(t *Table, sigma float64) (cells []Cell, threshold float64) {
	steps := Displacements(t)
	valid := make([]float64, 0, len(steps))
	for _, v := range steps {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return nil, math.NaN()
	}

	mean, std := stat.PopMeanStdDev(valid, nil)
	threshold = JumpThreshold(mean, std, sigma)
	return JumpsAbove(t, threshold), threshold
}

// JumpsAbove returns the later sample of every step longer than threshold.
// Masking its result and calling it again with the same threshold finds
// nothing: masking only removes steps. A second DetectJumps would instead
// recompute the statistics over the cleaned table and flag ordinary steps.
func JumpsAbove(t *Table, threshold float64) []Cell {
	var cells []Cell
	for i, v := range Displacements(t) {
		if v > threshold {
			cells = append(cells, Cell{Frame: i/t.agents + 1, Agent: i % t.agents})
		}
	}
	return cells
}

// JumpThreshold is the displacement above which a step is impossible.
func JumpThreshold(mean, std, sigma float64) float64 {
	return mean + sigma*std
}

// Mask sets every listed cell to Missing.
func Mask(t *Table, cells []Cell) {
	for _, c := range cells {
		t.Set(c.Frame, c.Agent, Missing)
	}
}
