package session

import (
	"fmt"

	"github.com/banshee-data/trackfix/internal/trajectory"
)

// Override writes p at the cursor, bypassing the interpolant, records the
// previous sample for Undo, and refits.
func (s *Session) Override(p trajectory.Position) error {
	if s.done {
		return ErrCommitted
	}
	s.history = append(s.history, Edit{Frame: s.cursor, Prior: s.table.At(s.cursor, s.gap.Agent)})
	s.table.Set(s.cursor, s.gap.Agent, p)
	return s.Fit()
}

// Undo restores the most recent override verbatim and refits. It reports
// false, and changes nothing, when there is nothing to undo.
func (s *Session) Undo() (bool, error) {
	if s.done {
		return false, ErrCommitted
	}
	if len(s.history) == 0 {
		return false, nil
	}
	e := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.table.Set(e.Frame, s.gap.Agent, e.Prior)
	return true, s.Fit()
}

// MarkInvalid clears samples around the cursor.
//
// On the frame before the gap it clears step frames ending at the cursor and
// moves the start back over every missing sample it uncovers; on the frame
// after the gap it clears step frames starting at the cursor and moves the end
// forward likewise. The cursor follows the moved boundary. Inside the gap only
// the cursor's sample is cleared. Anywhere else the call is rejected with
// ErrNotAtBoundary and nothing changes.
func (s *Session) MarkInvalid() error {
	if s.done {
		return ErrCommitted
	}
	total, agent, c := s.table.Frames(), s.gap.Agent, s.cursor

	switch {
	case c == s.gap.Start-1:
		for f := max(0, c-s.step+1); f <= c; f++ {
			s.table.Set(f, agent, trajectory.Missing)
		}
		for s.gap.Start > 0 && s.table.IsMissing(s.gap.Start-1, agent) {
			s.gap.Start--
		}
		s.cursor = max(0, s.gap.Start-1)
	case c == s.gap.End:
		for f := c; f < min(total, c+s.step); f++ {
			s.table.Set(f, agent, trajectory.Missing)
		}
		for s.gap.End < total && s.table.IsMissing(s.gap.End, agent) {
			s.gap.End++
		}
		s.cursor = min(s.gap.End, total-1)
	case s.gap.Contains(c):
		s.table.Set(c, agent, trajectory.Missing)
		return s.Fit()
	default:
		return fmt.Errorf("%w: cursor at %d, gap is [%d, %d)", ErrNotAtBoundary, c, s.gap.Start, s.gap.End)
	}

	s.gap.Duration = s.gap.End - s.gap.Start
	logf("Gap for agent %d is now [%d, %d)", agent, s.gap.Start, s.gap.End)
	return s.Fit()
}

// Commit writes the interpolant over every frame of the gap and returns the
// repaired range. It fails when the last fit failed.
func (s *Session) Commit() (trajectory.Gap, error) {
	if s.done {
		return s.gap, ErrCommitted
	}
	if s.curve == nil {
		return s.gap, s.fitErr
	}
	logf("Writing interpolation for agent %d from %d to %d", s.gap.Agent, s.gap.Start, s.gap.End)
	for f, p := range s.curve.AtFrames(s.gap.Start, s.gap.End) {
		s.table.Set(s.gap.Start+f, s.gap.Agent, p)
	}
	s.done = true
	return s.gap, nil
}
