// Command trackfix repairs gaps in a tracker's trajectory file. It loads the
// file into a working copy, decodes and caches the video frames around every
// gap, and then applies editing commands read one per line from a script or
// from stdin until every gap is repaired.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/banshee-data/trackfix/internal/config"
	"github.com/banshee-data/trackfix/internal/framecache"
	"github.com/banshee-data/trackfix/internal/snapshot"
	"github.com/banshee-data/trackfix/internal/trajectory"
	"github.com/banshee-data/trackfix/internal/version"
	"github.com/banshee-data/trackfix/internal/video"
	"github.com/banshee-data/trackfix/internal/workflow"
)

var (
	videoPath   = flag.String("video", "", "Video the trajectories were tracked on")
	trajPath    = flag.String("traj", "", "Tracker output (SQLite trajectory file)")
	setupPoints = flag.String("setup-points", "", "Name of the setup-point polygon that crops the frames (empty: full frame)")
	roi         = flag.String("roi", "", "Polygon for -setup-points when the file has none, as \"x,y x,y x,y ...\"")
	configPath  = flag.String("config", "", "Tuning config JSON (defaults when empty)")
	forceFresh  = flag.Bool("force-fresh", false, "Discard an existing corrected copy and start again from the tracker output")
	fps         = flag.Float64("fps", 0, "Override the stored frame rate")
	scriptPath  = flag.String("script", "", "Read commands from this file instead of stdin")
	ffmpegPath  = flag.String("ffmpeg", "ffmpeg", "ffmpeg binary")
	ffprobePath = flag.String("ffprobe", "ffprobe", "ffprobe binary")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: "15:04:05",
		}),
	))

	if *videoPath == "" || *trajPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: trackfix -video VIDEO -traj TRAJECTORIES [-setup-points NAME] [-script FILE]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("trackfix: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			return err
		}
	}

	store, err := snapshot.Open(ctx, snapshot.Options{
		SourcePath:      *trajPath,
		ForceFresh:      *forceFresh,
		FramesPerSecond: *fps,
		ReportPath:      cfg.GetReportPath(),
	})
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("Working on %s", store.WorkingPath())

	source := video.FFmpeg{FFmpegPath: *ffmpegPath, FFprobePath: *ffprobePath}
	probe, err := source.Open(ctx, *videoPath)
	if err != nil {
		return err
	}
	videoFrames := probe.FrameCount()
	width, height := probe.FrameSize()
	probe.Close()

	region, err := store.SetupRegion(ctx, *setupPoints, polygonCalibrator(*roi), *videoPath, width, height)
	if err != nil {
		return err
	}
	region = region.Clip(width, height)

	cache, err := framecache.New(source, framecache.Options{
		Dir:       cfg.GetCacheDir(),
		VideoPath: *videoPath,
		Region:    region,
		Capacity:  cfg.GetCacheCapacity(),
		Workers:   cfg.GetPrefetchWorkers(),
		MinChunk:  cfg.GetPrefetchMinChunk(),
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	wf, err := workflow.New(store, cache, videoFrames, workflow.OptionsFromConfig(cfg, store.Snapshot().BodyLength))
	if err != nil {
		return err
	}

	// Windows are taken before Start so they cover every gap, including the
	// ones auto-accepted on the way to the first session.
	pf := cache.Prefetch(ctx, prefetchFrames(store.Table(), cfg, videoFrames))
	defer func() {
		if err := pf.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Prefetch failed: %v", err)
		}
	}()

	if err := wf.Start(ctx); err != nil {
		return err
	}
	printStatus(ctx, wf, workflow.Outcome{State: wf.State()})

	in := io.Reader(os.Stdin)
	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	return runCommands(ctx, wf, in)
}

// prefetchFrames lists the frames around every gap the workflow will visit,
// including the gaps the jump filter opens.
func prefetchFrames(table *trajectory.Table, cfg *config.TuningConfig, total int) []int {
	var opts trajectory.ScanOptions
	if sigma, ok := cfg.GetJumpSigma(); ok {
		opts.Suspects, _ = trajectory.DetectJumps(table, sigma)
	}
	gaps := trajectory.Scan(table, opts)
	return framecache.GapWindows(gaps, cfg.GetPrefetchPad(), total)
}

func runCommands(ctx context.Context, wf *workflow.Workflow, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if wf.State() == workflow.Done {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := workflow.ParseCommand(line)
		if err != nil {
			log.Printf("Ignoring %q: %v", line, err)
			continue
		}
		out, err := wf.Dispatch(ctx, cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Kind, err)
		}
		printStatus(ctx, wf, out)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if wf.State() != workflow.Done {
		log.Printf("Input ended with %d gaps left; use persist to keep edits", len(wf.Queue())+1)
	}
	return nil
}

func printStatus(ctx context.Context, wf *workflow.Workflow, out workflow.Outcome) {
	if out.Rejected {
		fmt.Printf("rejected: %s\n", out.Reason)
	}
	if out.Revision != nil {
		fmt.Printf("saved revision %s with %d open gaps\n", out.Revision.ID, out.Revision.OpenGaps)
	}
	if out.State == workflow.Done {
		fmt.Printf("done: %d gaps repaired\n", len(wf.Repaired()))
		return
	}
	v, err := wf.View(ctx)
	if err != nil {
		log.Printf("View: %v", err)
		return
	}
	fmt.Printf("agent %d gap [%d, %d) frame %d step %d padding %d at (%.2f, %.2f)\n",
		v.Gap.Agent, v.Gap.Start, v.Gap.End, v.Frame, v.Step, v.Padding, v.Position.X, v.Position.Y)
}

// polygonCalibrator stands in for the interactive setup-point tool with a
// polygon given on the command line.
type polygonCalibrator string

func (p polygonCalibrator) Calibrate(ctx context.Context, videoPath, name string) ([]trajectory.Position, error) {
	if p == "" {
		return nil, fmt.Errorf("%w: %q has no polygon; pass -roi", snapshot.ErrMissingCalibration, name)
	}
	return parsePolygon(string(p))
}

func parsePolygon(s string) ([]trajectory.Position, error) {
	var points []trajectory.Position
	for _, pair := range strings.Fields(s) {
		xs, ys, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("roi point %q is not x,y", pair)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, fmt.Errorf("roi point %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, fmt.Errorf("roi point %q: %w", pair, err)
		}
		points = append(points, trajectory.Position{X: x, Y: y})
	}
	if len(points) < 3 {
		return nil, fmt.Errorf("roi needs at least 3 points, got %d", len(points))
	}
	return points, nil
}
