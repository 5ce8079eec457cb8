// Package workflow drives a correction run: it scans the table for gaps, opens
// one editing session at a time from the end of the queue, applies operator
// commands to it, and rescans the whole table after every commit until no gap
// is left.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/trackfix/internal/config"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/session"
	"github.com/banshee-data/trackfix/internal/snapshot"
	"github.com/banshee-data/trackfix/internal/trajectory"
)

var logf = monitoring.Component("Workflow")

// State is the workflow's position in its lifecycle.
type State int

const (
	Idle State = iota
	SessionOpen
	Committed
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionOpen:
		return "session-open"
	case Committed:
		return "committed"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrFrameCountMismatch is returned at load when the video and the table
	// disagree on the number of frames.
	ErrFrameCountMismatch = errors.New("video and trajectory frame counts differ")
	// ErrNoSession rejects session commands while no session is open.
	ErrNoSession = errors.New("no gap is open")
	// ErrAlreadyStarted rejects a second Start.
	ErrAlreadyStarted = errors.New("workflow already started")
)

// Store persists the table being corrected. *snapshot.Manager satisfies it.
type Store interface {
	Table() *trajectory.Table
	Save(ctx context.Context, gaps []trajectory.Gap) (snapshot.Revision, error)
	WriteReport(gaps []trajectory.Gap) error
}

// Options configures a Workflow.
type Options struct {
	SortBy trajectory.SortKey
	// JumpSigma enables the impossible-jump filter when non-nil.
	JumpSigma *float64
	Session   session.Options
	// CurveStep and TrailLength shape the View.
	CurveStep   float64
	TrailLength int
}

// OptionsFromConfig builds Options from the tuning config.
func OptionsFromConfig(cfg *config.TuningConfig, bodyLength float64) Options {
	opts := Options{
		SortBy:      trajectory.SortKey(cfg.GetSortBy()),
		Session:     session.OptionsFromConfig(cfg, bodyLength),
		CurveStep:   cfg.GetCurveStep(),
		TrailLength: cfg.GetTrailLength(),
	}
	if sigma, ok := cfg.GetJumpSigma(); ok {
		opts.JumpSigma = &sigma
	}
	return opts
}

// Workflow owns the queue and the open session. It is not safe for concurrent
// use.
type Workflow struct {
	store  Store
	frames session.Frames
	opts   Options

	state    State
	queue    []trajectory.Gap
	suspects []trajectory.Cell
	current  *session.Session
	repaired []trajectory.Gap
}

// New checks that the table matches a video of videoFrames frames and returns
// an idle workflow.
func New(store Store, frames session.Frames, videoFrames int, opts Options) (*Workflow, error) {
	if err := CheckFrameCount(store.Table().Frames(), videoFrames); err != nil {
		return nil, err
	}
	return &Workflow{store: store, frames: frames, opts: opts}, nil
}

// CheckFrameCount returns ErrFrameCountMismatch unless both counts agree.
func CheckFrameCount(tableFrames, videoFrames int) error {
	if tableFrames != videoFrames {
		return fmt.Errorf("%w: table has %d, video has %d", ErrFrameCountMismatch, tableFrames, videoFrames)
	}
	return nil
}

// State returns the current lifecycle state.
func (w *Workflow) State() State { return w.state }

// Session returns the open session, or nil.
func (w *Workflow) Session() *session.Session { return w.current }

// Queue returns the gaps still waiting, in scan order. The next one opened is
// the last.
func (w *Workflow) Queue() []trajectory.Gap { return slices.Clone(w.queue) }

// Repaired returns every committed range in commit order.
func (w *Workflow) Repaired() []trajectory.Gap { return slices.Clone(w.repaired) }

// Suspects returns the impossible-jump cells not yet repaired.
func (w *Workflow) Suspects() []trajectory.Cell { return slices.Clone(w.suspects) }

// Start scans the table, writes the initial gap report, and opens the first
// session. With nothing to repair it goes straight to Done.
func (w *Workflow) Start(ctx context.Context) error {
	if w.state != Idle {
		return ErrAlreadyStarted
	}
	table := w.store.Table()
	if w.opts.JumpSigma != nil {
		var threshold float64
		w.suspects, threshold = trajectory.DetectJumps(table, *w.opts.JumpSigma)
		logf("Number of impossible jumps: %d (threshold %.3f)", len(w.suspects), threshold)
	}
	w.rescan()
	if err := w.store.WriteReport(w.queue); err != nil {
		return err
	}
	if len(w.queue) == 0 {
		logf("There are no gaps to correct")
		w.state = Done
		return nil
	}
	return w.openNext(ctx)
}

// CommitCurrent writes the open session's interpolant into the table, rescans
// the whole table, and opens the next gap. When none is left the snapshot is
// saved and the workflow is Done.
func (w *Workflow) CommitCurrent(ctx context.Context) (trajectory.Gap, error) {
	if w.current == nil {
		return trajectory.Gap{}, ErrNoSession
	}
	g, err := w.current.Commit()
	if err != nil {
		return g, err
	}
	w.committed(g)
	return g, w.openNext(ctx)
}

// Persist saves the snapshot and the report of the gaps still in the table.
func (w *Workflow) Persist(ctx context.Context) (snapshot.Revision, error) {
	return w.store.Save(ctx, w.scan())
}

func (w *Workflow) committed(g trajectory.Gap) {
	w.state = Committed
	w.repaired = append(w.repaired, g)
	w.suspects = slices.DeleteFunc(w.suspects, func(c trajectory.Cell) bool {
		return c.Agent == g.Agent && g.Contains(c.Frame)
	})
	w.rescan()
}

// openNext pops sessions off the queue until one needs the operator.
// Auto-accepted gaps are committed and rescanned on the way.
func (w *Workflow) openNext(ctx context.Context) error {
	for len(w.queue) > 0 {
		g := w.queue[len(w.queue)-1]
		w.queue = w.queue[:len(w.queue)-1]

		opts := w.opts.Session
		if w.current != nil {
			opts.Step = w.current.Step()
			opts.Padding = w.current.Padding()
		}
		s, err := session.Open(w.store.Table(), g, w.frames, opts)
		if err != nil {
			return err
		}
		w.current = s
		if s.Committed() {
			w.committed(s.Gap())
			continue
		}
		w.state = SessionOpen
		return nil
	}

	w.current = nil
	w.state = Done
	logf("All gaps corrected, %d repaired", len(w.repaired))
	if _, err := w.Persist(ctx); err != nil {
		return fmt.Errorf("save final snapshot: %w", err)
	}
	return nil
}

func (w *Workflow) rescan() {
	w.queue = w.scan()
}

func (w *Workflow) scan() []trajectory.Gap {
	return trajectory.Scan(w.store.Table(), trajectory.ScanOptions{
		Suspects: w.suspects,
		SortBy:   w.opts.SortBy,
	})
}
