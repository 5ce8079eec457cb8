// Package testutil provides shared fixtures for the repair engine's tests: a
// deterministic in-memory video source and trajectory table builders.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

// FakeSource is a video.Source whose frames are synthesised on demand.
// By default pixel (x, y) of frame f has value (f*7 + x + y) % 256 in every
// channel. Paint overrides that for selected frames.
type FakeSource struct {
	Frames int
	Width  int
	Height int
	// Fail lists frames whose Read returns an error.
	Fail map[int]bool
	// Paint, when set, fills frame f into pix (packed RGB24).
	Paint func(frame int, pix []byte)

	opens atomic.Int64
	reads atomic.Int64
	mu    sync.Mutex
	seen  map[int]int
}

// Opens reports how many handles have been opened.
func (s *FakeSource) Opens() int64 { return s.opens.Load() }

// Reads reports how many frames have been decoded.
func (s *FakeSource) Reads() int64 { return s.reads.Load() }

// ReadsOf reports how many times frame was decoded.
func (s *FakeSource) ReadsOf(frame int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[frame]
}

// Open implements video.Source.
func (s *FakeSource) Open(ctx context.Context, path string) (video.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.opens.Add(1)
	return &fakeReader{ctx: ctx, src: s, pos: -1}, nil
}

func (s *FakeSource) render(frame int) []byte {
	pix := make([]byte, s.Width*s.Height*3)
	if s.Paint != nil {
		s.Paint(frame, pix)
		return pix
	}
	for y := range s.Height {
		for x := range s.Width {
			v := byte((frame*7 + x + y) % 256)
			o := (y*s.Width + x) * 3
			pix[o], pix[o+1], pix[o+2] = v, v, v
		}
	}
	return pix
}

// fakeReader fails once the ctx it was opened with is done, as an ffmpeg
// child process tied to that ctx would.
type fakeReader struct {
	ctx context.Context
	src *FakeSource
	pos int
}

func (r *fakeReader) Seek(frame int) error {
	if frame < 0 || frame >= r.src.Frames {
		return video.ErrFrameOutOfRange
	}
	r.pos = frame
	return nil
}

func (r *fakeReader) Read() (*video.RawFrame, error) {
	if r.pos < 0 {
		r.pos = 0
	}
	frame := r.pos
	if err := r.ctx.Err(); err != nil {
		return nil, fmt.Errorf("decoder closed at frame %d: %w", frame, err)
	}
	if r.src.Fail[frame] {
		return nil, fmt.Errorf("synthetic decode failure at frame %d", frame)
	}
	r.src.reads.Add(1)
	r.src.mu.Lock()
	if r.src.seen == nil {
		r.src.seen = make(map[int]int)
	}
	r.src.seen[frame]++
	r.src.mu.Unlock()
	r.pos++
	return &video.RawFrame{Width: r.src.Width, Height: r.src.Height, Pix: r.src.render(frame)}, nil
}

func (r *fakeReader) Position() int { return r.pos }

func (r *fakeReader) FrameCount() int { return r.src.Frames }

func (r *fakeReader) FrameSize() (int, int) { return r.src.Width, r.src.Height }

func (r *fakeReader) Close() error { return nil }

// LinearTable returns a table where agent a sits at (f*speed, 10*a) on frame f.
func LinearTable(frames, agents int, speed float64) *trajectory.Table {
	t := trajectory.NewTable(frames, agents)
	for f := range frames {
		for a := range agents {
			t.Set(f, a, trajectory.Position{X: float64(f) * speed, Y: float64(10 * a)})
		}
	}
	return t
}

// Blank sets agent's samples on [from, to) to missing.
func Blank(t *trajectory.Table, agent, from, to int) {
	for f := from; f < to; f++ {
		t.Set(f, agent, trajectory.Missing)
	}
}
