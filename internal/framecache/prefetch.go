package framecache

import (
	"context"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/video"
)

var prefetchLogf = monitoring.Component("Prefetch")

// Prefetch tracks one batch of background workers.
type Prefetch struct {
	g      *errgroup.Group
	chunks [][]int
	done   atomic.Int64
}

// Chunks returns the frame ranges assigned to each worker.
func (p *Prefetch) Chunks() [][]int { return p.chunks }

// Done reports how many frames have been written so far.
func (p *Prefetch) Done() int64 { return p.done.Load() }

// Wait blocks until every worker has finished and returns the first error.
func (p *Prefetch) Wait() error { return p.g.Wait() }

// Prefetch decodes the frames that are not yet on disk in the background.
// The frames are sorted and split into contiguous chunks, one worker and one
// private decoder handle per chunk. Workers only write files; the memory cache
// is filled lazily by Get. Overlapping prefetches must not run concurrently.
func (c *Cache) Prefetch(ctx context.Context, frames []int) *Prefetch {
	todo := make([]int, 0, len(frames))
	for _, f := range frames {
		if !c.OnDisk(f) {
			todo = append(todo, f)
		}
	}
	slices.Sort(todo)
	todo = slices.Compact(todo)

	p := &Prefetch{g: new(errgroup.Group), chunks: Chunk(todo, c.workers, c.minChunk)}
	for _, chunk := range p.chunks {
		p.g.Go(func() error {
			return c.prefetchChunk(ctx, chunk, &p.done)
		})
	}
	return p
}

func (c *Cache) prefetchChunk(ctx context.Context, frames []int, done *atomic.Int64) error {
	r, err := c.source.Open(ctx, c.videoPath)
	if err != nil {
		prefetchLogf("Could not open %s for frames %d => %d: %v", c.videoPath, frames[0], frames[len(frames)-1], err)
		return &video.DecodeError{Path: c.videoPath, Frame: frames[0], Err: err}
	}
	defer r.Close()

	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := video.ReadFrame(r, c.videoPath, frame)
		if err != nil {
			prefetchLogf("Stopping chunk %d => %d: %v", frames[0], frames[len(frames)-1], err)
			return err
		}
		img, err := video.Preprocess(raw, c.region)
		if err != nil {
			return err
		}
		if err := c.store(frame, img); err != nil {
			return err
		}
		done.Add(1)
	}
	prefetchLogf("Preloaded frames %d => %d", frames[0], frames[len(frames)-1])
	return nil
}

// Chunk splits sorted frames into at most workers contiguous pieces of at
// least minChunk frames each (the last piece may be shorter).
func Chunk(frames []int, workers, minChunk int) [][]int {
	if len(frames) == 0 {
		return nil
	}
	workers = max(workers, 1)
	size := max(minChunk, (len(frames)+workers-1)/workers, 1)

	var chunks [][]int
	for start := 0; start < len(frames); start += size {
		chunks = append(chunks, frames[start:min(start+size, len(frames))])
	}
	return chunks
}

// GapWindows returns the sorted, de-duplicated frames near each gap that are
// worth decoding ahead of time: [start-p, end+p) clamped to [0, total), with
// p = min(pad, 1+duration).
func GapWindows(gaps []trajectory.Gap, pad, total int) []int {
	seen := make(map[int]struct{})
	for _, g := range gaps {
		p := min(pad, 1+g.Duration)
		for f := max(0, g.Start-p); f < min(total, g.End+p); f++ {
			seen[f] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}
