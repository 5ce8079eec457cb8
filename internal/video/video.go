// Package video defines the frame-decoder seam and the preprocessing applied
// to every decoded frame before it is cached: crop to the region of interest,
// average the colour channels, and stretch the intensities to 0-255.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/banshee-data/trackfix/internal/trajectory"
)

// RawFrame is one decoded frame in packed RGB24.
type RawFrame struct {
	Width  int
	Height int
	Pix    []byte
}

// Source opens decoder handles. Each handle is private to its caller.
type Source interface {
	Open(ctx context.Context, path string) (Reader, error)
}

// Reader is a decoder handle positioned on a frame index.
type Reader interface {
	// Seek positions the reader so the next Read returns frame.
	Seek(frame int) error
	// Read decodes the frame at the current position and advances by one.
	Read() (*RawFrame, error)
	// Position is the index the next Read will return.
	Position() int
	FrameCount() int
	FrameSize() (width, height int)
	Close() error
}

// ErrFrameOutOfRange is wrapped by DecodeError for indices outside the video.
var ErrFrameOutOfRange = errors.New("frame index out of range")

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Path  string
	Frame int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d of %s: %v", e.Frame, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadFrame seeks only when the reader is not already positioned on frame,
// then decodes it. Failures are returned as *DecodeError.
func ReadFrame(r Reader, path string, frame int) (*RawFrame, error) {
	if frame < 0 || frame >= r.FrameCount() {
		return nil, &DecodeError{Path: path, Frame: frame, Err: ErrFrameOutOfRange}
	}
	if r.Position() != frame {
		if err := r.Seek(frame); err != nil {
			return nil, &DecodeError{Path: path, Frame: frame, Err: err}
		}
	}
	raw, err := r.Read()
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DecodeError{Path: path, Frame: frame, Err: err}
	}
	if len(raw.Pix) != raw.Width*raw.Height*3 {
		return nil, &DecodeError{Path: path, Frame: frame,
			Err: fmt.Errorf("got %d bytes for %dx%d rgb24", len(raw.Pix), raw.Width, raw.Height)}
	}
	return raw, nil
}

// Region is the crop rectangle applied to every frame, in frame pixels.
// Xmax and Ymax are exclusive for cropping and inclusive for Contains.
type Region struct {
	Xmin, Xmax int
	Ymin, Ymax int
}

// FullFrame is the region covering a whole width × height frame.
func FullFrame(width, height int) Region {
	return Region{Xmin: 0, Xmax: width, Ymin: 0, Ymax: height}
}

// RegionFromPolygon returns the bounding box of a setup-point polygon,
// truncating the extremes to whole pixels.
func RegionFromPolygon(points []trajectory.Position) (Region, error) {
	if len(points) == 0 {
		return Region{}, errors.New("empty setup-point polygon")
	}
	xmin, xmax := math.Inf(1), math.Inf(-1)
	ymin, ymax := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		xmin, xmax = min(xmin, p.X), max(xmax, p.X)
		ymin, ymax = min(ymin, p.Y), max(ymax, p.Y)
	}
	return Region{Xmin: int(xmin), Xmax: int(xmax), Ymin: int(ymin), Ymax: int(ymax)}, nil
}

// Width of the region in pixels.
func (r Region) Width() int { return r.Xmax - r.Xmin }

// Height of the region in pixels.
func (r Region) Height() int { return r.Ymax - r.Ymin }

// Contains reports whether (x, y) lies inside the region.
func (r Region) Contains(x, y float64) bool {
	return x >= float64(r.Xmin) && x <= float64(r.Xmax) && y >= float64(r.Ymin) && y <= float64(r.Ymax)
}

// Clip intersects r with a width × height frame.
func (r Region) Clip(width, height int) Region {
	return Region{
		Xmin: max(0, min(width, r.Xmin)),
		Xmax: max(0, min(width, r.Xmax)),
		Ymin: max(0, min(height, r.Ymin)),
		Ymax: max(0, min(height, r.Ymax)),
	}
}

// Preprocess crops raw to roi, averages the three channels, subtracts the
// frame minimum, and rescales so the maximum becomes 255. A flat crop becomes
// all zeros. The result's bounds start at (0, 0).
func Preprocess(raw *RawFrame, roi Region) (*image.Gray, error) {
	c := roi.Clip(raw.Width, raw.Height)
	w, h := c.Width(), c.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("region %+v is empty on a %dx%d frame", roi, raw.Width, raw.Height)
	}

	mean := make([]float64, w*h)
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := range h {
		row := ((c.Ymin+y)*raw.Width + c.Xmin) * 3
		for x := range w {
			o := row + x*3
			v := (float64(raw.Pix[o]) + float64(raw.Pix[o+1]) + float64(raw.Pix[o+2])) / 3
			mean[y*w+x] = v
			lo, hi = min(lo, v), max(hi, v)
		}
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	if span := hi - lo; span > 0 {
		scale := 255 / span
		for i, v := range mean {
			img.Pix[i] = uint8((v - lo) * scale)
		}
	}
	return img, nil
}
