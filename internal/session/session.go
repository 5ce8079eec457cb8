// Package session implements the per-gap editing state: the fitted interpolant,
// the operator's cursor and step size, the window padding, and the undo history
// of manual overrides. A Session owns its agent's column of the table while it
// is open; nothing else may write to the table meanwhile.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/banshee-data/trackfix/internal/config"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/spline"
	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

var logf = monitoring.Component("Session")

// MaxStepExponent bounds SetStep: steps run from 1 to 2^(MaxStepExponent-1).
const MaxStepExponent = 9

var (
	// ErrNotAtBoundary rejects MarkInvalid away from the gap.
	ErrNotAtBoundary = errors.New("cursor is not on a gap boundary or inside the gap")
	// ErrInvalidStep rejects a step exponent outside 1..MaxStepExponent.
	ErrInvalidStep = errors.New("step exponent out of range")
	// ErrUnknownPreset rejects a padding preset that is not configured.
	ErrUnknownPreset = errors.New("unknown padding preset")
	// ErrOutsideRegion rejects blob location outside the region of interest.
	ErrOutsideRegion = errors.New("position is outside the region of interest")
	// ErrNoBlob reports a blob window without foreground mass.
	ErrNoBlob = errors.New("no blob found near position")
	// ErrCursorOutsideGap rejects operations that need the cursor inside the gap.
	ErrCursorOutsideGap = errors.New("cursor is outside the gap")
	// ErrInvalidGap rejects a gap that does not fit the table.
	ErrInvalidGap = errors.New("gap does not fit the table")
	// ErrCommitted rejects edits after the session has been committed.
	ErrCommitted = errors.New("session already committed")
)

// Frames supplies the preprocessed frame at an index and the crop it was
// taken with. *framecache.Cache satisfies it.
type Frames interface {
	Get(ctx context.Context, frame int) (*image.Gray, error)
	Region() video.Region
}

// Options configures a Session.
type Options struct {
	FixedPad       int
	PaddingPresets []int
	// Padding is the variable padding in effect when the session opens.
	Padding int
	// Step is the navigation step in frames in effect when the session opens.
	Step       int
	BodyLength float64
	// BlobRadius is the blob search radius in body lengths.
	BlobRadius float64
	// AutoAccept commits gaps of at most AutoAcceptMaxDuration frames on open.
	AutoAccept            bool
	AutoAcceptMaxDuration int
}

// OptionsFromConfig builds Options from the tuning config.
func OptionsFromConfig(cfg *config.TuningConfig, bodyLength float64) Options {
	opts := Options{
		FixedPad:       cfg.GetFixedPad(),
		PaddingPresets: cfg.GetPaddingPresets(),
		Padding:        cfg.GetInitialPadding(),
		Step:           1,
		BodyLength:     bodyLength,
		BlobRadius:     cfg.GetBlobRadiusBodyLengths(),
	}
	opts.AutoAcceptMaxDuration, opts.AutoAccept = cfg.GetAutoAcceptMaxDuration()
	return opts
}

// Edit is one undoable override.
type Edit struct {
	Frame int
	Prior trajectory.Position
}

// Session is the editing state for one gap.
type Session struct {
	table   *trajectory.Table
	frames  Frames
	opts    Options
	gap     trajectory.Gap
	cursor  int
	step    int
	padding int
	focal   trajectory.Position
	curve   *spline.Curve
	fitErr  error
	history []Edit
	done    bool
}

// Open starts a session on gap. The gap's cells are cleared so that samples
// flagged as impossible jumps are treated as missing, the cursor is placed on
// the last frame before the gap, and the interpolant is fitted. A failed fit
// does not prevent opening; see FitErr. Short gaps are committed immediately
// when auto-accept is enabled; see Committed.
func Open(table *trajectory.Table, gap trajectory.Gap, frames Frames, opts Options) (*Session, error) {
	if gap.Agent < 0 || gap.Agent >= table.Agents() || gap.Start < 0 || gap.End > table.Frames() || gap.Start >= gap.End {
		return nil, fmt.Errorf("%w: %+v on %dx%d table", ErrInvalidGap, gap, table.Frames(), table.Agents())
	}
	if opts.Step <= 0 {
		opts.Step = 1
	}

	s := &Session{
		table:   table,
		frames:  frames,
		opts:    opts,
		gap:     gap,
		cursor:  max(0, gap.Start-1),
		step:    opts.Step,
		padding: opts.Padding,
	}
	for f := gap.Start; f < gap.End; f++ {
		table.Set(f, gap.Agent, trajectory.Missing)
	}

	if p := table.At(s.cursor, gap.Agent); p.Valid() {
		s.focal = p
	} else if c, ok := table.Centroid(s.cursor, gap.Agent); ok {
		s.focal = c
	} else {
		s.focal = trajectory.Missing
	}

	logf("Episode for agent %d from %d to %d, %d missing", gap.Agent, gap.Start, gap.End, gap.Duration)
	if err := s.Fit(); err != nil {
		logf("Could not fit agent %d: %v", gap.Agent, err)
		return s, nil
	}
	if opts.AutoAccept && gap.Duration <= opts.AutoAcceptMaxDuration {
		logf("Auto-accepting %d frames for agent %d", gap.Duration, gap.Agent)
		if _, err := s.Commit(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Fit refits the interpolant to the valid samples of the agent inside the
// window [start-pad, end+pad), pad being the fixed plus the variable padding,
// clamped to the table.
func (s *Session) Fit() error {
	lo, hi := s.Window()
	var ts []float64
	var ps []trajectory.Position
	for f := lo; f < hi; f++ {
		if p := s.table.At(f, s.gap.Agent); p.Valid() {
			ts = append(ts, float64(f))
			ps = append(ps, p)
		}
	}

	curve, err := spline.Fit(ts, ps)
	if err != nil {
		s.curve = nil
		s.fitErr = fmt.Errorf("fit agent %d over [%d, %d): %w", s.gap.Agent, lo, hi, err)
		return s.fitErr
	}
	s.curve, s.fitErr = curve, nil
	return nil
}

// Window returns the frame range considered by Fit.
func (s *Session) Window() (lo, hi int) {
	pad := s.opts.FixedPad + s.padding
	return max(0, s.gap.Start-pad), min(s.table.Frames(), s.gap.End+pad)
}

// Gap returns the current gap, including any boundary growth.
func (s *Session) Gap() trajectory.Gap { return s.gap }

// Cursor returns the frame under edit.
func (s *Session) Cursor() int { return s.cursor }

// Step returns the navigation step in frames.
func (s *Session) Step() int { return s.step }

// Padding returns the variable padding of the fit window.
func (s *Session) Padding() int { return s.padding }

// Focal returns the point the view was centred on at open.
func (s *Session) Focal() trajectory.Position { return s.focal }

// Curve returns the fitted interpolant, or nil after a failed fit.
func (s *Session) Curve() *spline.Curve { return s.curve }

// Committed reports whether the interpolant has been written to the table.
func (s *Session) Committed() bool { return s.done }

// FitErr returns the error of the most recent fit.
func (s *Session) FitErr() error { return s.fitErr }

// History returns a copy of the undo stack, oldest first.
func (s *Session) History() []Edit { return slices.Clone(s.history) }

// InGap reports whether the cursor lies in [start, end).
func (s *Session) InGap() bool { return s.gap.Contains(s.cursor) }

// Position is the agent's position at the cursor: the interpolant's value
// inside the gap, the table's sample elsewhere.
func (s *Session) Position() trajectory.Position {
	if s.InGap() {
		if s.curve == nil {
			return trajectory.Missing
		}
		return s.curve.At(float64(s.cursor))
	}
	return s.table.At(s.cursor, s.gap.Agent)
}

// Advance moves the cursor forward by delta frames, stopping at the last frame.
func (s *Session) Advance(delta int) {
	s.cursor = s.table.ClampFrame(s.cursor + delta)
}

// Retreat moves the cursor back by delta frames, stopping at frame 0.
func (s *Session) Retreat(delta int) {
	s.cursor = s.table.ClampFrame(s.cursor - delta)
}

// SetStep sets the step to 2^(k-1) frames for k in 1..MaxStepExponent.
func (s *Session) SetStep(k int) error {
	if k < 1 || k > MaxStepExponent {
		return fmt.Errorf("%w: %d", ErrInvalidStep, k)
	}
	s.step = 1 << (k - 1)
	return nil
}

// TogglePadding switches the variable padding to preset, or back to zero when
// preset is already active, and refits.
func (s *Session) TogglePadding(preset int) error {
	if s.done {
		return ErrCommitted
	}
	if !slices.Contains(s.opts.PaddingPresets, preset) {
		return fmt.Errorf("%w: %d", ErrUnknownPreset, preset)
	}
	if s.padding == preset {
		s.padding = 0
	} else {
		s.padding = preset
	}
	logf("Fit window padding is now %d", s.padding)
	return s.Fit()
}
