package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// FFmpeg decodes frames by streaming rgb24 from an ffmpeg child process.
// Sequential reads share one process; a seek to any other frame restarts it
// with a select filter starting at that frame.
type FFmpeg struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"
}

func (s FFmpeg) ffmpeg() string {
	if s.FFmpegPath == "" {
		return "ffmpeg"
	}
	return s.FFmpegPath
}

func (s FFmpeg) ffprobe() string {
	if s.FFprobePath == "" {
		return "ffprobe"
	}
	return s.FFprobePath
}

// Open probes the first video stream of path for its size and frame count.
func (s FFmpeg) Open(ctx context.Context, path string) (Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("video file %q: %w", path, err)
	}

	info, err := s.probe(ctx, path, false)
	if err != nil {
		return nil, err
	}
	if info.frames <= 0 {
		// Container carries no frame count; decode the stream to count.
		if info, err = s.probe(ctx, path, true); err != nil {
			return nil, err
		}
	}
	if info.width <= 0 || info.height <= 0 || info.frames <= 0 {
		return nil, fmt.Errorf("probe %q: unusable stream %dx%d with %d frames", path, info.width, info.height, info.frames)
	}

	return &ffmpegReader{
		ctx:    ctx,
		bin:    s.ffmpeg(),
		path:   path,
		width:  info.width,
		height: info.height,
		frames: info.frames,
	}, nil
}

type streamInfo struct {
	width, height, frames int
}

func probeArgs(path string, count bool) []string {
	args := []string{"-v", "error", "-select_streams", "v:0"}
	if count {
		args = append(args, "-count_frames", "-show_entries", "stream=width,height,nb_read_frames")
	} else {
		args = append(args, "-show_entries", "stream=width,height,nb_frames")
	}
	return append(args, "-of", "json", path)
}

func (s FFmpeg) probe(ctx context.Context, path string, count bool) (streamInfo, error) {
	out, err := exec.CommandContext(ctx, s.ffprobe(), probeArgs(path, count)...).Output()
	if err != nil {
		return streamInfo{}, fmt.Errorf("ffprobe %q: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (streamInfo, error) {
	var doc struct {
		Streams []struct {
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			NbFrames     string `json:"nb_frames"`
			NbReadFrames string `json:"nb_read_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return streamInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(doc.Streams) == 0 {
		return streamInfo{}, errors.New("ffprobe found no video stream")
	}
	st := doc.Streams[0]
	info := streamInfo{width: st.Width, height: st.Height}
	for _, s := range []string{st.NbReadFrames, st.NbFrames} {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			info.frames = n
			break
		}
	}
	return info, nil
}

func decodeArgs(path string, frame int) []string {
	return []string{
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("select=gte(n\\,%d)", frame),
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
}

type ffmpegReader struct {
	ctx    context.Context
	bin    string
	path   string
	width  int
	height int
	frames int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	next   int
}

func (r *ffmpegReader) FrameCount() int { return r.frames }

func (r *ffmpegReader) FrameSize() (int, int) { return r.width, r.height }

func (r *ffmpegReader) Position() int {
	if r.cmd == nil {
		return -1
	}
	return r.next
}

func (r *ffmpegReader) Seek(frame int) error {
	if frame < 0 || frame >= r.frames {
		return ErrFrameOutOfRange
	}
	if r.cmd != nil && r.next == frame {
		return nil
	}
	r.stop()

	cmd := exec.CommandContext(r.ctx, r.bin, decodeArgs(r.path, frame)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	r.cmd, r.stdout, r.next = cmd, stdout, frame
	return nil
}

func (r *ffmpegReader) Read() (*RawFrame, error) {
	if r.cmd == nil {
		if err := r.Seek(0); err != nil {
			return nil, err
		}
	}
	frame := r.next
	buf := make([]byte, r.width*r.height*3)
	if _, err := io.ReadFull(r.stdout, buf); err != nil {
		r.stop()
		return nil, &DecodeError{Path: r.path, Frame: frame, Err: err}
	}
	r.next++
	return &RawFrame{Width: r.width, Height: r.height, Pix: buf}, nil
}

func (r *ffmpegReader) stop() {
	if r.cmd == nil {
		return
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	r.cmd, r.stdout = nil, nil
}

func (r *ffmpegReader) Close() error {
	r.stop()
	return nil
}
