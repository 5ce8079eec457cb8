package main

import (
	"context"
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfix/internal/config"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/session"
	"github.com/banshee-data/trackfix/internal/snapshot"
	"github.com/banshee-data/trackfix/internal/testutil"
	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
	"github.com/banshee-data/trackfix/internal/workflow"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestParsePolygon(t *testing.T) {
	points, err := parsePolygon("0,0 10,0  10,5.5 0,5.5")
	require.NoError(t, err)
	assert.Equal(t, []trajectory.Position{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 5.5}, {X: 0, Y: 5.5}}, points)

	for _, bad := range []string{"", "0,0 1,1", "0,0 1 2,2", "a,0 1,1 2,2"} {
		_, err := parsePolygon(bad)
		assert.Error(t, err, bad)
	}
}

func TestPolygonCalibrator(t *testing.T) {
	_, err := polygonCalibrator("").Calibrate(context.Background(), "v.mp4", "corners")
	assert.ErrorIs(t, err, snapshot.ErrMissingCalibration)

	points, err := polygonCalibrator("0,0 4,0 4,4").Calibrate(context.Background(), "v.mp4", "corners")
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

type memStore struct {
	table *trajectory.Table
	saves int
}

func (s *memStore) Table() *trajectory.Table { return s.table }

func (s *memStore) Save(ctx context.Context, gaps []trajectory.Gap) (snapshot.Revision, error) {
	s.saves++
	return snapshot.Revision{OpenGaps: len(gaps)}, nil
}

func (s *memStore) WriteReport([]trajectory.Gap) error { return nil }

type blankFrames struct{}

func (blankFrames) Get(ctx context.Context, frame int) (*image.Gray, error) {
	return image.NewGray(image.Rect(0, 0, 8, 8)), nil
}

func (blankFrames) Region() video.Region { return video.FullFrame(8, 8) }

func TestRunCommands(t *testing.T) {
	ctx := context.Background()
	tbl := testutil.LinearTable(30, 2, 1)
	testutil.Blank(tbl, 0, 10, 12)
	store := &memStore{table: tbl}
	wf, err := workflow.New(store, blankFrames{}, 30, workflow.Options{
		SortBy:    trajectory.SortByStart,
		Session:   session.Options{FixedPad: 7, PaddingPresets: []int{150}, Step: 1, BodyLength: 4, BlobRadius: 0.7},
		CurveStep: 0.5,
	})
	require.NoError(t, err)
	require.NoError(t, wf.Start(ctx))

	script := strings.Join([]string{
		"# walk into the gap and accept",
		"",
		"bogus",
		"d",
		"invalid",
		"z",
		"enter",
		"w",
	}, "\n")
	require.NoError(t, runCommands(ctx, wf, strings.NewReader(script)))

	assert.Equal(t, workflow.Done, wf.State())
	assert.Equal(t, 1, store.saves)
	assert.False(t, tbl.IsMissing(10, 0))
}

func TestPrefetchFramesIncludeJumps(t *testing.T) {
	tbl := testutil.LinearTable(100, 3, 1)
	testutil.Blank(tbl, 2, 80, 82)
	tbl.Set(40, 0, trajectory.Position{X: 40, Y: 300})
	cfg := config.EmptyTuningConfig()
	pad := 1
	cfg.PrefetchPad = &pad

	assert.Equal(t, []int{79, 80, 81, 82}, prefetchFrames(tbl, cfg, 100))

	sigma := 3.0
	cfg.JumpSigma = &sigma
	assert.Equal(t, []int{39, 40, 41, 42, 79, 80, 81, 82}, prefetchFrames(tbl, cfg, 100))
}
