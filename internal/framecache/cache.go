// Package framecache serves preprocessed video frames from a bounded memory
// cache backed by one file per frame on disk, and fills the disk cache ahead of
// use with background prefetch workers.
package framecache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/banshee-data/trackfix/internal/fsutil"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/video"
)

// SentinelName is the file inside the cache directory that records which
// video the cached frames were decoded from.
const SentinelName = "video_path.txt"

var logf = monitoring.Component("FrameCache")

// Options configures a Cache.
type Options struct {
	Dir       string
	VideoPath string
	Region    video.Region
	Capacity  int
	Workers   int
	MinChunk  int
	// FS defaults to the OS filesystem.
	FS fsutil.FileSystem
}

// Cache maps frame indices to cropped grayscale images. Images returned by Get
// are shared with the cache and must not be modified.
type Cache struct {
	fs        fsutil.FileSystem
	source    video.Source
	dir       string
	videoPath string
	region    video.Region
	workers   int
	minChunk  int
	mem       *lru.Cache[int, *image.Gray]

	// mu guards the synchronous decoder handle used by Get. The handle is
	// opened with life, which ends at Close, not with the caller's ctx.
	mu     sync.Mutex
	reader video.Reader
	life   context.Context
	stop   context.CancelFunc
}

// New opens the cache for opts.VideoPath, rebuilding the cache directory when
// it belongs to a different video.
func New(source video.Source, opts Options) (*Cache, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MinChunk <= 0 {
		opts.MinChunk = 1
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	abs, err := filepath.Abs(opts.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve video path: %w", err)
	}
	mem, err := lru.New[int, *image.Gray](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	c := &Cache{
		fs:        opts.FS,
		source:    source,
		dir:       opts.Dir,
		videoPath: abs,
		region:    opts.Region,
		workers:   opts.Workers,
		minChunk:  opts.MinChunk,
		mem:       mem,
	}
	c.life, c.stop = context.WithCancel(context.Background())
	if _, err := c.InvalidateIfStale(abs); err != nil {
		c.stop()
		return nil, err
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Region returns the crop applied to every cached frame.
func (c *Cache) Region() video.Region { return c.region }

// InvalidateIfStale compares the sentinel with videoPath and, when it is
// missing or different, deletes and recreates the cache directory. It reports
// whether the directory was rebuilt.
func (c *Cache) InvalidateIfStale(videoPath string) (bool, error) {
	sentinel := filepath.Join(c.dir, SentinelName)
	if data, err := c.fs.ReadFile(sentinel); err == nil && strings.TrimSpace(string(data)) == videoPath {
		return false, nil
	}

	logf("Cache directory %s does not belong to %s, rebuilding", c.dir, videoPath)
	if err := c.fs.RemoveAll(c.dir); err != nil {
		return false, fmt.Errorf("remove stale cache: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return false, fmt.Errorf("create cache dir: %w", err)
	}
	if err := c.fs.WriteFile(sentinel, []byte(videoPath), 0o644); err != nil {
		return false, fmt.Errorf("write cache sentinel: %w", err)
	}
	c.mem.Purge()
	return true, nil
}

// Path returns the cache file for frame.
func (c *Cache) Path(frame int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.gray.gz", frame))
}

// OnDisk reports whether frame has a cache file.
func (c *Cache) OnDisk(frame int) bool {
	return c.fs.Exists(c.Path(frame))
}

// Get returns frame from memory, then disk, and otherwise decodes it on the
// calling goroutine and persists it. Get never starts a worker.
func (c *Cache) Get(ctx context.Context, frame int) (*image.Gray, error) {
	if img, ok := c.mem.Get(frame); ok {
		return img, nil
	}

	if data, err := c.fs.ReadFile(c.Path(frame)); err == nil {
		img, err := decodeGray(data)
		if err == nil {
			c.mem.Add(frame, img)
			return img, nil
		}
		logf("Discarding unreadable cache file for frame %d: %v", frame, err)
	}

	logf("Had to load frame %d", frame)
	img, err := c.decode(ctx, frame)
	if err != nil {
		return nil, err
	}
	if err := c.store(frame, img); err != nil {
		return nil, err
	}
	c.mem.Add(frame, img)
	return img, nil
}

func (c *Cache) decode(ctx context.Context, frame int) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader == nil {
		r, err := c.source.Open(c.life, c.videoPath)
		if err != nil {
			return nil, &video.DecodeError{Path: c.videoPath, Frame: frame, Err: err}
		}
		c.reader = r
	}
	raw, err := video.ReadFrame(c.reader, c.videoPath, frame)
	if err != nil {
		return nil, err
	}
	return video.Preprocess(raw, c.region)
}

func (c *Cache) store(frame int, img *image.Gray) error {
	data, err := encodeGray(img)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frame, err)
	}
	if err := fsutil.WriteFileAtomic(c.fs, c.Path(frame), data, 0o644); err != nil {
		return fmt.Errorf("write frame %d: %w", frame, err)
	}
	return nil
}

// Close releases the synchronous decoder handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	return err
}

// grayFile is the on-disk form of a cached frame.
type grayFile struct {
	Width  int
	Height int
	Pix    []byte
}

func encodeGray(img *image.Gray) ([]byte, error) {
	b := img.Bounds()
	f := grayFile{Width: b.Dx(), Height: b.Dy(), Pix: make([]byte, 0, b.Dx()*b.Dy())}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		f.Pix = append(f.Pix, img.Pix[start:start+b.Dx()]...)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(&f); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGray(data []byte) (*image.Gray, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var f grayFile
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return nil, err
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height {
		return nil, errors.New("corrupt frame dimensions")
	}
	return &image.Gray{Pix: f.Pix, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
}
