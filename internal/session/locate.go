package session

import (
	"context"
	"fmt"

	"github.com/banshee-data/trackfix/internal/blob"
	"github.com/banshee-data/trackfix/internal/trajectory"
)

// LocateBlob searches the cached frame at the cursor for the animal near
// approx and applies the centroid it finds through Override. Positions are in
// frame pixels. Points outside the region of interest are rejected with
// ErrOutsideRegion before any frame is loaded.
func (s *Session) LocateBlob(ctx context.Context, approx trajectory.Position) (trajectory.Position, error) {
	if s.done {
		return trajectory.Missing, ErrCommitted
	}
	roi := s.frames.Region()
	if !approx.Valid() || !roi.Contains(approx.X, approx.Y) {
		return trajectory.Missing, fmt.Errorf("%w: (%.1f, %.1f)", ErrOutsideRegion, approx.X, approx.Y)
	}

	img, err := s.frames.Get(ctx, s.cursor)
	if err != nil {
		return trajectory.Missing, err
	}
	ox, oy := float64(roi.Xmin), float64(roi.Ymin)
	x, y, ok := blob.Locate(img, approx.X-ox, approx.Y-oy, s.opts.BlobRadius*s.opts.BodyLength)
	if !ok {
		return trajectory.Missing, fmt.Errorf("%w: frame %d at (%.1f, %.1f)", ErrNoBlob, s.cursor, approx.X, approx.Y)
	}

	p := trajectory.Position{X: x + ox, Y: y + oy}
	return p, s.Override(p)
}

// LocateAtCursor runs LocateBlob at the interpolant's value for the cursor.
// The cursor must be inside the gap.
func (s *Session) LocateAtCursor(ctx context.Context) (trajectory.Position, error) {
	if !s.InGap() {
		return trajectory.Missing, fmt.Errorf("%w: cursor at %d, gap is [%d, %d)", ErrCursorOutsideGap, s.cursor, s.gap.Start, s.gap.End)
	}
	if s.curve == nil {
		return trajectory.Missing, s.fitErr
	}
	return s.LocateBlob(ctx, s.curve.At(float64(s.cursor)))
}

// AdvanceAndLocate advances by one step and then runs LocateAtCursor.
func (s *Session) AdvanceAndLocate(ctx context.Context) (trajectory.Position, error) {
	s.Advance(s.step)
	return s.LocateAtCursor(ctx)
}
