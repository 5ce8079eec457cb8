package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

// Calibrator asks the operator to draw a named setup-point polygon on the
// video. It is implemented outside the core.
type Calibrator interface {
	Calibrate(ctx context.Context, videoPath, name string) ([]trajectory.Position, error)
}

// SetupPointNames returns the stored polygon names, sorted.
func (m *Manager) SetupPointNames() []string {
	names := make([]string, 0, len(m.snap.SetupPoints))
	for name := range m.snap.SetupPoints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetupPoints returns the polygon stored under name.
func (m *Manager) SetupPoints(name string) ([]trajectory.Position, error) {
	points, ok := m.snap.SetupPoints[name]
	if !ok || len(points) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingCalibration, name)
	}
	return slices.Clone(points), nil
}

// PutSetupPoints stores a polygon under name in the working copy, replacing
// any previous one. Points are truncated to whole pixels and ordered by angle
// around their mean.
func (m *Manager) PutSetupPoints(ctx context.Context, name string, points []trajectory.Position) error {
	points = NormalizePolygon(points)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM setup_points WHERE name = ?`, name); err != nil {
		return fmt.Errorf("clear setup points %q: %w", name, err)
	}
	if err := insertSetupPoints(ctx, tx, name, points); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.snap.SetupPoints[name] = points
	logf("Stored %d setup points as %q", len(points), name)
	return nil
}

// RenameSetupPoints moves the polygon stored under from to to.
func (m *Manager) RenameSetupPoints(ctx context.Context, from, to string) error {
	points, ok := m.snap.SetupPoints[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingCalibration, from)
	}
	if _, exists := m.snap.SetupPoints[to]; exists {
		return fmt.Errorf("setup points %q already exist", to)
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE setup_points SET name = ? WHERE name = ?`, to, from); err != nil {
		return fmt.Errorf("rename setup points %q: %w", from, err)
	}
	delete(m.snap.SetupPoints, from)
	m.snap.SetupPoints[to] = points
	return nil
}

// SetupRegion returns the crop derived from the polygon called name. When the
// polygon does not exist yet, cal is asked to draw it and the result is stored
// before use. An empty name selects the full width × height frame.
func (m *Manager) SetupRegion(ctx context.Context, name string, cal Calibrator, videoPath string, width, height int) (video.Region, error) {
	if name == "" {
		return video.FullFrame(width, height), nil
	}

	points, err := m.SetupPoints(name)
	if errors.Is(err, ErrMissingCalibration) && cal != nil {
		logf("Requesting setup points %q", name)
		drawn, cerr := cal.Calibrate(ctx, videoPath, name)
		if cerr != nil {
			return video.Region{}, fmt.Errorf("calibrate %q: %w", name, cerr)
		}
		if err := m.PutSetupPoints(ctx, name, drawn); err != nil {
			return video.Region{}, err
		}
		points, err = m.SetupPoints(name)
	}
	if err != nil {
		return video.Region{}, err
	}

	region, err := video.RegionFromPolygon(points)
	if err != nil {
		return video.Region{}, err
	}
	logf("xmin, xmax, ymin, ymax = %d, %d, %d, %d", region.Xmin, region.Xmax, region.Ymin, region.Ymax)
	return region, nil
}

// NormalizePolygon truncates points to whole pixels and sorts them by angle
// around their mean so they trace the polygon's outline.
func NormalizePolygon(points []trajectory.Position) []trajectory.Position {
	if len(points) == 0 {
		return nil
	}
	var cx, cy float64
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(points))
	cy /= float64(len(points))

	type polar struct {
		angle float64
		p     trajectory.Position
	}
	ps := make([]polar, len(points))
	for i, p := range points {
		ps[i] = polar{angle: math.Atan2(p.Y-cy, p.X-cx), p: p}
	}
	slices.SortStableFunc(ps, func(a, b polar) int { return cmp.Compare(a.angle, b.angle) })

	out := make([]trajectory.Position, len(ps))
	for i, q := range ps {
		out[i] = trajectory.Position{X: math.Trunc(q.p.X), Y: math.Trunc(q.p.Y)}
	}
	return out
}
