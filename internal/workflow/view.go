package workflow

import (
	"context"
	"image"

	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

// View is everything a front end needs to draw the open session at the cursor.
// Positions are in frame pixels; subtract Region's origin to place them on
// Image.
type View struct {
	Frame  int
	Image  *image.Gray
	Region video.Region
	Gap    trajectory.Gap

	// Position is the repaired agent at the cursor.
	Position trajectory.Position
	Focal    trajectory.Position
	// Interpolated holds the curve on every gap frame.
	Interpolated []trajectory.Position
	// Curve samples the curve continuously over [start-1, end).
	Curve     []trajectory.Position
	KnotTimes []float64
	Knots     []trajectory.Position

	// Others maps every other agent to its sample at the cursor, and Trails
	// to its recent history ending at the cursor.
	Others map[int]trajectory.Position
	Trails map[int][]trajectory.Position

	Step    int
	Padding int
}

// View renders the open session. It returns ErrNoSession when nothing is open.
func (w *Workflow) View(ctx context.Context) (View, error) {
	s := w.current
	if s == nil {
		return View{}, ErrNoSession
	}
	frame := s.Cursor()
	img, err := w.frames.Get(ctx, frame)
	if err != nil {
		return View{}, err
	}

	g := s.Gap()
	v := View{
		Frame:    frame,
		Image:    img,
		Region:   w.frames.Region(),
		Gap:      g,
		Position: s.Position(),
		Focal:    s.Focal(),
		Others:   make(map[int]trajectory.Position),
		Trails:   make(map[int][]trajectory.Position),
		Step:     s.Step(),
		Padding:  s.Padding(),
	}
	if c := s.Curve(); c != nil {
		v.Interpolated = c.AtFrames(g.Start, g.End)
		v.Curve = c.Sweep(float64(g.Start-1), float64(g.End), w.opts.CurveStep)
		v.KnotTimes, v.Knots = c.Knots()
	}

	table := w.store.Table()
	for a := range table.Agents() {
		if a == g.Agent {
			continue
		}
		v.Others[a] = table.At(frame, a)
		v.Trails[a] = table.History(a, frame-w.opts.TrailLength, frame+1)
	}
	return v, nil
}
