package session

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfix/internal/config"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/spline"
	"github.com/banshee-data/trackfix/internal/testutil"
	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

func init() {
	monitoring.SetLogger(nil)
}

// stubFrames serves the same image for every frame.
type stubFrames struct {
	img    *image.Gray
	region video.Region
	gets   int
	err    error
}

func (f *stubFrames) Get(ctx context.Context, frame int) (*image.Gray, error) {
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

func (f *stubFrames) Region() video.Region { return f.region }

func testOptions() Options {
	return Options{
		FixedPad:       7,
		PaddingPresets: []int{150, 1500},
		Padding:        150,
		Step:           1,
		BodyLength:     10,
		BlobRadius:     0.7,
	}
}

func openGap(t *testing.T, tbl *trajectory.Table, agent, start, end int, opts Options) *Session {
	t.Helper()
	s, err := Open(tbl, trajectory.Gap{Agent: agent, Start: start, End: end, Duration: end - start}, &stubFrames{}, opts)
	require.NoError(t, err)
	return s
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.EmptyTuningConfig()
	opts := OptionsFromConfig(cfg, 12)
	assert.Equal(t, 7, opts.FixedPad)
	assert.Equal(t, 150, opts.Padding)
	assert.Equal(t, 1, opts.Step)
	assert.Equal(t, 12.0, opts.BodyLength)
	assert.False(t, opts.AutoAccept)

	limit := 3
	cfg.AutoAcceptMaxDuration = &limit
	opts = OptionsFromConfig(cfg, 12)
	assert.True(t, opts.AutoAccept)
	assert.Equal(t, 3, opts.AutoAcceptMaxDuration)
}

func TestOpen(t *testing.T) {
	t.Run("cursor and focal on the frame before the gap", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 3, 1)
		testutil.Blank(tbl, 1, 10, 15)

		s := openGap(t, tbl, 1, 10, 15, testOptions())

		assert.Equal(t, 9, s.Cursor())
		assert.Equal(t, trajectory.Position{X: 9, Y: 10}, s.Focal())
		require.NoError(t, s.FitErr())
		assert.False(t, s.InGap())
		assert.Equal(t, trajectory.Position{X: 9, Y: 10}, s.Position())

		s.Advance(1)
		assert.True(t, s.InGap())
		assert.InDelta(t, 10, s.Position().X, 1e-9)
		assert.InDelta(t, 10, s.Position().Y, 1e-9)
	})

	t.Run("focal falls back to the other agents", func(t *testing.T) {
		tbl := testutil.LinearTable(20, 3, 1)
		testutil.Blank(tbl, 0, 0, 5)

		s := openGap(t, tbl, 0, 0, 5, testOptions())

		assert.Equal(t, 0, s.Cursor())
		assert.Equal(t, trajectory.Position{X: 0, Y: 15}, s.Focal())
	})

	t.Run("clears flagged samples inside the gap", func(t *testing.T) {
		tbl := testutil.LinearTable(20, 2, 1)

		openGap(t, tbl, 0, 10, 12, testOptions())

		assert.True(t, tbl.IsMissing(10, 0))
		assert.True(t, tbl.IsMissing(11, 0))
		assert.False(t, tbl.IsMissing(12, 0))
		assert.False(t, tbl.IsMissing(10, 1))
	})

	t.Run("rejects gaps outside the table", func(t *testing.T) {
		tbl := testutil.LinearTable(20, 2, 1)
		for _, g := range []trajectory.Gap{
			{Agent: 2, Start: 1, End: 2},
			{Agent: 0, Start: 15, End: 21},
			{Agent: 0, Start: 5, End: 5},
		} {
			_, err := Open(tbl, g, &stubFrames{}, testOptions())
			assert.ErrorIs(t, err, ErrInvalidGap, "%+v", g)
		}
	})

	t.Run("no samples leaves the session unfitted", func(t *testing.T) {
		tbl := testutil.LinearTable(20, 2, 1)
		testutil.Blank(tbl, 0, 0, 20)

		s := openGap(t, tbl, 0, 0, 20, testOptions())

		assert.ErrorIs(t, s.FitErr(), spline.ErrNoSamples)
		assert.Nil(t, s.Curve())
		assert.False(t, s.Position().Valid())
		_, err := s.Commit()
		assert.ErrorIs(t, err, spline.ErrNoSamples)

		require.NoError(t, s.Override(trajectory.Position{X: 3, Y: 4}))
		_, err = s.Commit()
		require.NoError(t, err)
		assert.Equal(t, trajectory.Position{X: 3, Y: 4}, tbl.At(19, 0))
	})
}

func TestAutoAccept(t *testing.T) {
	opts := testOptions()
	opts.AutoAccept = true
	opts.AutoAcceptMaxDuration = 3

	short := testutil.LinearTable(30, 2, 1)
	testutil.Blank(short, 0, 10, 13)
	s := openGap(t, short, 0, 10, 13, opts)
	assert.True(t, s.Committed())
	assert.Empty(t, trajectory.FindGaps(short))

	long := testutil.LinearTable(30, 2, 1)
	testutil.Blank(long, 0, 10, 14)
	s = openGap(t, long, 0, 10, 14, opts)
	assert.False(t, s.Committed())
	assert.Len(t, trajectory.FindGaps(long), 1)
}

func TestWindowAndTogglePadding(t *testing.T) {
	tbl := testutil.LinearTable(2000, 1, 1)
	testutil.Blank(tbl, 0, 500, 510)
	opts := testOptions()
	opts.Padding = 0
	s := openGap(t, tbl, 0, 500, 510, opts)

	lo, hi := s.Window()
	assert.Equal(t, []int{493, 517}, []int{lo, hi})

	require.NoError(t, s.TogglePadding(150))
	lo, hi = s.Window()
	assert.Equal(t, []int{343, 667}, []int{lo, hi})
	knots, _ := s.Curve().Knots()
	assert.Len(t, knots, 667-343-10)

	require.NoError(t, s.TogglePadding(1500))
	lo, hi = s.Window()
	assert.Equal(t, []int{0, 2000}, []int{lo, hi})

	require.NoError(t, s.TogglePadding(1500))
	assert.Equal(t, 0, s.Padding())

	assert.ErrorIs(t, s.TogglePadding(42), ErrUnknownPreset)
	assert.Equal(t, 0, s.Padding())
}

func TestNavigation(t *testing.T) {
	tbl := testutil.LinearTable(100, 1, 1)
	testutil.Blank(tbl, 0, 50, 55)
	s := openGap(t, tbl, 0, 50, 55, testOptions())

	tests := []struct {
		k    int
		step int
	}{
		{1, 1}, {2, 2}, {5, 16}, {9, 256},
	}
	for _, tt := range tests {
		require.NoError(t, s.SetStep(tt.k))
		assert.Equal(t, tt.step, s.Step())
	}
	assert.ErrorIs(t, s.SetStep(0), ErrInvalidStep)
	assert.ErrorIs(t, s.SetStep(10), ErrInvalidStep)
	assert.Equal(t, 256, s.Step())

	s.Advance(s.Step())
	assert.Equal(t, 99, s.Cursor())
	s.Retreat(10)
	assert.Equal(t, 89, s.Cursor())
	s.Retreat(s.Step())
	assert.Equal(t, 0, s.Cursor())
}

func TestOverrideUndo_RestoresExactSampleAndFit(t *testing.T) {
	tbl := testutil.LinearTable(40, 2, 1.5)
	testutil.Blank(tbl, 0, 8, 12)
	s := openGap(t, tbl, 0, 8, 12, testOptions())
	require.Equal(t, 7, s.Cursor())

	prior := tbl.At(7, 0)
	before := s.Curve().AtFrames(0, 40)

	require.NoError(t, s.Override(trajectory.Position{X: 12, Y: 34}))
	assert.Equal(t, trajectory.Position{X: 12, Y: 34}, tbl.At(7, 0))
	assert.Equal(t, []Edit{{Frame: 7, Prior: prior}}, s.History())
	assert.NotEqual(t, before, s.Curve().AtFrames(0, 40))

	undone, err := s.Undo()
	require.NoError(t, err)
	assert.True(t, undone)
	got := tbl.At(7, 0)
	assert.Equal(t, math.Float64bits(prior.X), math.Float64bits(got.X))
	assert.Equal(t, math.Float64bits(prior.Y), math.Float64bits(got.Y))
	if diff := cmp.Diff(before, s.Curve().AtFrames(0, 40)); diff != "" {
		t.Errorf("fit after undo differs (-before +after):\n%s", diff)
	}

	for range 3 {
		undone, err = s.Undo()
		require.NoError(t, err)
		assert.False(t, undone)
	}
	assert.Equal(t, prior, tbl.At(7, 0))
}

func TestUndo_RestoresMissingSample(t *testing.T) {
	tbl := testutil.LinearTable(40, 1, 1)
	testutil.Blank(tbl, 0, 10, 20)
	s := openGap(t, tbl, 0, 10, 20, testOptions())
	s.Advance(5)

	require.NoError(t, s.Override(trajectory.Position{X: 1, Y: 1}))
	_, err := s.Undo()
	require.NoError(t, err)

	assert.True(t, tbl.IsMissing(14, 0))
}

func TestMarkInvalid(t *testing.T) {
	t.Run("repeated calls before the gap grow the start one frame each", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 20, 25)
		s := openGap(t, tbl, 0, 20, 25, testOptions())

		for range 3 {
			require.NoError(t, s.MarkInvalid())
		}

		assert.Equal(t, trajectory.Gap{Agent: 0, Start: 17, End: 25, Duration: 8}, s.Gap())
		assert.Equal(t, 16, s.Cursor())
		assert.False(t, tbl.IsMissing(16, 0))
	})

	t.Run("growth absorbs missing samples already before the start", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 17, 25)
		s := openGap(t, tbl, 0, 20, 25, testOptions())

		require.NoError(t, s.MarkInvalid())

		assert.Equal(t, 17, s.Gap().Start)
		assert.Equal(t, 16, s.Cursor())
	})

	t.Run("step sized run after the gap", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 10, 15)
		testutil.Blank(tbl, 0, 19, 21)
		s := openGap(t, tbl, 0, 10, 15, testOptions())
		require.NoError(t, s.SetStep(3))
		s.Advance(6)
		require.Equal(t, 15, s.Cursor())

		require.NoError(t, s.MarkInvalid())

		// 15..18 cleared, then 19 and 20 were already missing
		assert.Equal(t, trajectory.Gap{Agent: 0, Start: 10, End: 21, Duration: 11}, s.Gap())
		assert.Equal(t, 21, s.Cursor())
	})

	t.Run("stops at the table edges", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 2, 5)
		s := openGap(t, tbl, 0, 2, 5, testOptions())
		require.NoError(t, s.SetStep(4))

		require.NoError(t, s.MarkInvalid())
		assert.Equal(t, 0, s.Gap().Start)
		assert.Equal(t, 0, s.Cursor())

		tbl = testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 30, 38)
		s = openGap(t, tbl, 0, 30, 38, testOptions())
		require.NoError(t, s.SetStep(4))
		s.Advance(9)
		require.Equal(t, 38, s.Cursor())

		require.NoError(t, s.MarkInvalid())
		assert.Equal(t, 40, s.Gap().End)
		assert.Equal(t, 39, s.Cursor())
	})

	t.Run("inside the gap clears only the cursor", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 10, 15)
		s := openGap(t, tbl, 0, 10, 15, testOptions())
		s.Advance(3)
		require.NoError(t, s.Override(trajectory.Position{X: 12, Y: 0}))
		require.NoError(t, s.SetStep(4))

		require.NoError(t, s.MarkInvalid())

		assert.True(t, tbl.IsMissing(12, 0))
		assert.False(t, tbl.IsMissing(16, 0))
		assert.Equal(t, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, s.Gap())
	})

	t.Run("rejected away from the gap", func(t *testing.T) {
		tbl := testutil.LinearTable(40, 1, 1)
		testutil.Blank(tbl, 0, 10, 15)
		s := openGap(t, tbl, 0, 10, 15, testOptions())
		s.Retreat(4)
		before := tbl.Clone()

		err := s.MarkInvalid()

		assert.ErrorIs(t, err, ErrNotAtBoundary)
		assert.Empty(t, cmp.Diff(before.Data(), tbl.Data(), cmpopts.EquateNaNs()))
		assert.Equal(t, 5, s.Cursor())
	})
}

func TestMarkInvalid_NeverShrinksGap(t *testing.T) {
	for step := 1; step <= 8; step++ {
		tbl := testutil.LinearTable(60, 2, 1)
		testutil.Blank(tbl, 1, 25, 30)
		testutil.Blank(tbl, 1, 18, 20)
		testutil.Blank(tbl, 1, 37, 39)
		s := openGap(t, tbl, 1, 25, 30, testOptions())
		require.NoError(t, s.SetStep(1))
		s.step = step

		for i := range 6 {
			prev := s.Gap()
			if i%2 == 1 {
				s.Advance(prev.End - s.Cursor())
			}
			require.NoError(t, s.MarkInvalid())
			got := s.Gap()
			assert.LessOrEqual(t, got.Start, prev.Start)
			assert.GreaterOrEqual(t, got.End, prev.End)
			assert.True(t, got.Start < prev.Start || got.End > prev.End || got.Start == 0 || got.End == 60,
				"step %d call %d did not grow %+v", step, i, prev)
			if i%2 == 1 {
				s.Retreat(s.Cursor() - (got.Start - 1))
			}
		}
	}
}

func TestCommit(t *testing.T) {
	tbl := testutil.LinearTable(50, 2, 2)
	testutil.Blank(tbl, 1, 20, 30)
	s := openGap(t, tbl, 1, 20, 30, testOptions())

	repaired, err := s.Commit()
	require.NoError(t, err)

	assert.Equal(t, trajectory.Gap{Agent: 1, Start: 20, End: 30, Duration: 10}, repaired)
	assert.True(t, s.Committed())
	assert.Empty(t, trajectory.FindGaps(tbl))
	for f := 20; f < 30; f++ {
		assert.InDelta(t, float64(2*f), tbl.At(f, 1).X, 1e-9)
		assert.InDelta(t, 10, tbl.At(f, 1).Y, 1e-9)
	}

	_, err = s.Commit()
	assert.ErrorIs(t, err, ErrCommitted)
	assert.ErrorIs(t, s.Override(trajectory.Position{}), ErrCommitted)
	assert.ErrorIs(t, s.MarkInvalid(), ErrCommitted)
	_, err = s.Undo()
	assert.ErrorIs(t, err, ErrCommitted)
}

func TestCommit_PassesThroughOverrides(t *testing.T) {
	tbl := testutil.LinearTable(50, 1, 1)
	testutil.Blank(tbl, 0, 20, 30)
	s := openGap(t, tbl, 0, 20, 30, testOptions())
	s.Advance(5)
	require.NoError(t, s.Override(trajectory.Position{X: 30, Y: 5}))

	_, err := s.Commit()
	require.NoError(t, err)

	assert.InDelta(t, 30, tbl.At(24, 0).X, 1e-9)
	assert.InDelta(t, 5, tbl.At(24, 0).Y, 1e-9)
	assert.Empty(t, trajectory.FindGaps(tbl))
}

// darkSquareFrames is a 80x60 crop at (10, 5) of a light frame with a dark
// 5x5 square whose centre is at frame pixel (42, 27).
func darkSquareFrames() *stubFrames {
	img := image.NewGray(image.Rect(0, 0, 80, 60))
	for i := range img.Pix {
		img.Pix[i] = 230
	}
	for y := 20; y < 25; y++ {
		for x := 30; x < 35; x++ {
			img.Pix[img.PixOffset(x, y)] = 20
		}
	}
	return &stubFrames{img: img, region: video.Region{Xmin: 10, Xmax: 90, Ymin: 5, Ymax: 65}}
}

func stationaryTable(frames int, at trajectory.Position) *trajectory.Table {
	tbl := trajectory.NewTable(frames, 1)
	for f := range frames {
		tbl.Set(f, 0, at)
	}
	return tbl
}

func TestLocateBlob(t *testing.T) {
	ctx := context.Background()

	t.Run("centroid mapped to frame coordinates", func(t *testing.T) {
		tbl := stationaryTable(30, trajectory.Position{X: 43, Y: 28})
		testutil.Blank(tbl, 0, 10, 15)
		frames := darkSquareFrames()
		s, err := Open(tbl, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, frames, testOptions())
		require.NoError(t, err)
		s.Advance(2)

		p, err := s.LocateBlob(ctx, trajectory.Position{X: 43, Y: 28})
		require.NoError(t, err)

		assert.InDelta(t, 42, p.X, 1e-9)
		assert.InDelta(t, 27, p.Y, 1e-9)
		assert.Equal(t, p, tbl.At(11, 0))
		assert.Len(t, s.History(), 1)
	})

	t.Run("outside the region loads nothing", func(t *testing.T) {
		tbl := stationaryTable(30, trajectory.Position{X: 43, Y: 28})
		testutil.Blank(tbl, 0, 10, 15)
		frames := darkSquareFrames()
		s, err := Open(tbl, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, frames, testOptions())
		require.NoError(t, err)

		_, err = s.LocateBlob(ctx, trajectory.Position{X: 5, Y: 28})
		assert.ErrorIs(t, err, ErrOutsideRegion)
		_, err = s.LocateBlob(ctx, trajectory.Missing)
		assert.ErrorIs(t, err, ErrOutsideRegion)
		assert.Zero(t, frames.gets)
		assert.Empty(t, s.History())
	})

	t.Run("empty window changes nothing", func(t *testing.T) {
		tbl := stationaryTable(30, trajectory.Position{X: 43, Y: 28})
		testutil.Blank(tbl, 0, 10, 15)
		frames := darkSquareFrames()
		for i := range frames.img.Pix {
			frames.img.Pix[i] = 255
		}
		s, err := Open(tbl, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, frames, testOptions())
		require.NoError(t, err)

		_, err = s.LocateBlob(ctx, trajectory.Position{X: 43, Y: 28})
		assert.ErrorIs(t, err, ErrNoBlob)
		assert.Empty(t, s.History())
	})

	t.Run("frame errors propagate", func(t *testing.T) {
		tbl := stationaryTable(30, trajectory.Position{X: 43, Y: 28})
		testutil.Blank(tbl, 0, 10, 15)
		frames := darkSquareFrames()
		frames.err = &video.DecodeError{Path: "v.mp4", Frame: 9, Err: errors.New("boom")}
		s, err := Open(tbl, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, frames, testOptions())
		require.NoError(t, err)

		_, err = s.LocateBlob(ctx, trajectory.Position{X: 43, Y: 28})
		var de *video.DecodeError
		assert.ErrorAs(t, err, &de)
	})
}

func TestLocateAtCursorAndAdvanceAndLocate(t *testing.T) {
	ctx := context.Background()
	tbl := stationaryTable(30, trajectory.Position{X: 43, Y: 28})
	testutil.Blank(tbl, 0, 10, 15)
	s, err := Open(tbl, trajectory.Gap{Agent: 0, Start: 10, End: 15, Duration: 5}, darkSquareFrames(), testOptions())
	require.NoError(t, err)

	_, err = s.LocateAtCursor(ctx)
	assert.ErrorIs(t, err, ErrCursorOutsideGap)

	p, err := s.AdvanceAndLocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Cursor())
	assert.InDelta(t, 42, p.X, 1e-9)
	assert.InDelta(t, 27, p.Y, 1e-9)

	p, err = s.AdvanceAndLocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, s.Cursor())
	assert.Equal(t, p, tbl.At(11, 0))
	assert.Len(t, s.History(), 2)
}
