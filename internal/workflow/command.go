package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/trackfix/internal/session"
	"github.com/banshee-data/trackfix/internal/snapshot"
	"github.com/banshee-data/trackfix/internal/spline"
	"github.com/banshee-data/trackfix/internal/trajectory"
)

// Kind enumerates the operator commands.
type Kind int

const (
	Navigate Kind = iota + 1
	SetStep
	TogglePadding
	MarkInvalid
	Undo
	Override
	LocateBlob
	LocateAtCursor
	AdvanceAndLocate
	Commit
	Persist
)

var kindNames = map[Kind]string{
	Navigate:         "navigate",
	SetStep:          "step",
	TogglePadding:    "padding",
	MarkInvalid:      "invalid",
	Undo:             "undo",
	Override:         "override",
	LocateBlob:       "locate",
	LocateAtCursor:   "locate-here",
	AdvanceAndLocate: "advance-locate",
	Commit:           "commit",
	Persist:          "persist",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is one operator action.
type Command struct {
	Kind Kind
	// Direction is +1 or -1 for Navigate; the distance is the session's step.
	Direction int
	// Value is the step exponent for SetStep and the preset index for
	// TogglePadding.
	Value int
	// Position is the target of Override and LocateBlob, in frame pixels.
	Position trajectory.Position
}

// Outcome reports the effect of a dispatched command.
type Outcome struct {
	// Rejected is set when the command was refused and changed nothing.
	Rejected bool
	Reason   string
	State    State
	Cursor   int
	// Position is the located or overridden position.
	Position trajectory.Position
	Undone   bool
	Repaired trajectory.Gap
	Revision *snapshot.Revision
}

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("unknown command")

// rejections are errors that leave the workflow unchanged.
var rejections = []error{
	ErrNoSession,
	session.ErrNotAtBoundary,
	session.ErrInvalidStep,
	session.ErrUnknownPreset,
	session.ErrOutsideRegion,
	session.ErrNoBlob,
	session.ErrCursorOutsideGap,
	session.ErrCommitted,
	spline.ErrNoSamples,
}

func isRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// Dispatch applies cmd. Refused commands come back as a Rejected outcome with
// a nil error; a non-nil error (a frame that cannot be decoded, a failed
// save) is fatal for the command.
func (w *Workflow) Dispatch(ctx context.Context, cmd Command) (Outcome, error) {
	out, err := w.dispatch(ctx, cmd)
	if err != nil && isRejection(err) {
		logf("Rejected %s: %v", cmd.Kind, err)
		out = Outcome{Rejected: true, Reason: err.Error()}
		err = nil
	}
	out.State = w.state
	if w.current != nil {
		out.Cursor = w.current.Cursor()
	}
	return out, err
}

func (w *Workflow) dispatch(ctx context.Context, cmd Command) (Outcome, error) {
	if cmd.Kind == Persist {
		rev, err := w.Persist(ctx)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Revision: &rev}, nil
	}

	s := w.current
	if s == nil {
		return Outcome{}, ErrNoSession
	}

	switch cmd.Kind {
	case Navigate:
		switch {
		case cmd.Direction > 0:
			s.Advance(s.Step())
		case cmd.Direction < 0:
			s.Retreat(s.Step())
		}
		return Outcome{Position: s.Position()}, nil
	case SetStep:
		return Outcome{}, s.SetStep(cmd.Value)
	case TogglePadding:
		presets := w.opts.Session.PaddingPresets
		if cmd.Value < 0 || cmd.Value >= len(presets) {
			return Outcome{}, fmt.Errorf("%w: index %d of %d", session.ErrUnknownPreset, cmd.Value, len(presets))
		}
		return Outcome{}, s.TogglePadding(presets[cmd.Value])
	case MarkInvalid:
		return Outcome{}, s.MarkInvalid()
	case Undo:
		undone, err := s.Undo()
		return Outcome{Undone: undone}, err
	case Override:
		return Outcome{Position: cmd.Position}, s.Override(cmd.Position)
	case LocateBlob:
		p, err := s.LocateBlob(ctx, cmd.Position)
		return Outcome{Position: p}, err
	case LocateAtCursor:
		p, err := s.LocateAtCursor(ctx)
		return Outcome{Position: p}, err
	case AdvanceAndLocate:
		p, err := s.AdvanceAndLocate(ctx)
		return Outcome{Position: p}, err
	case Commit:
		g, err := w.CommitCurrent(ctx)
		return Outcome{Repaired: g}, err
	}
	return Outcome{}, fmt.Errorf("%w: %v", ErrUnknownCommand, cmd.Kind)
}

// ParseCommand reads one command line. Besides the command names it accepts
// the single-key shortcuts of the interactive tool: d/a to move, 1-9 to set
// the step, p/P for the padding presets, n, z, x, g, enter and w.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrUnknownCommand)
	}
	name, args := fields[0], fields[1:]

	if len(name) == 1 && name[0] >= '1' && name[0] <= '9' {
		return Command{Kind: SetStep, Value: int(name[0] - '0')}, nil
	}

	switch name {
	case "d", "right", "next":
		return Command{Kind: Navigate, Direction: 1}, nil
	case "a", "left", "prev":
		return Command{Kind: Navigate, Direction: -1}, nil
	case "navigate":
		if len(args) != 1 || (args[0] != "+" && args[0] != "-") {
			return Command{}, fmt.Errorf("navigate takes + or -")
		}
		if args[0] == "+" {
			return Command{Kind: Navigate, Direction: 1}, nil
		}
		return Command{Kind: Navigate, Direction: -1}, nil
	case "p":
		return Command{Kind: TogglePadding, Value: 0}, nil
	case "P":
		return Command{Kind: TogglePadding, Value: 1}, nil
	case "step", "padding":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%s takes one integer", name)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("%s: %w", name, err)
		}
		kind := SetStep
		if name == "padding" {
			kind = TogglePadding
		}
		return Command{Kind: kind, Value: v}, nil
	case "n", "invalid":
		return Command{Kind: MarkInvalid}, nil
	case "z", "undo":
		return Command{Kind: Undo}, nil
	case "override", "locate":
		if name == "locate" && len(args) == 0 {
			return Command{Kind: LocateAtCursor}, nil
		}
		p, err := parsePosition(args)
		if err != nil {
			return Command{}, fmt.Errorf("%s: %w", name, err)
		}
		kind := Override
		if name == "locate" {
			kind = LocateBlob
		}
		return Command{Kind: kind, Position: p}, nil
	case "x", "locate-here":
		return Command{Kind: LocateAtCursor}, nil
	case "g", "advance-locate":
		return Command{Kind: AdvanceAndLocate}, nil
	case "enter", "commit":
		return Command{Kind: Commit}, nil
	case "w", "persist":
		return Command{Kind: Persist}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func parsePosition(args []string) (trajectory.Position, error) {
	if len(args) != 2 {
		return trajectory.Position{}, fmt.Errorf("want x and y, got %d values", len(args))
	}
	x, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return trajectory.Position{}, err
	}
	y, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return trajectory.Position{}, err
	}
	return trajectory.Position{X: x, Y: y}, nil
}
