// Package snapshot persists a correction run: the trajectory table and its
// auxiliary fields in an SQLite working copy of the tracker's output, and the
// list of remaining gaps as a CSV report.
//
// The tracker's file is never written. On first open it is duplicated to
// <name>_corrected<ext> and every later read and write targets that copy.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackfix/internal/fsutil"
	"github.com/banshee-data/trackfix/internal/monitoring"
	"github.com/banshee-data/trackfix/internal/timeutil"
	"github.com/banshee-data/trackfix/internal/trajectory"
)

var logf = monitoring.Component("Snapshot")

var (
	// ErrNoSnapshot reports a working copy without a stored table.
	ErrNoSnapshot = errors.New("file holds no trajectory snapshot")
	// ErrMissingCalibration reports a setup-point set that has not been drawn.
	ErrMissingCalibration = errors.New("setup points not found")
)

// Snapshot is everything stored in a trajectory file.
type Snapshot struct {
	Table           *trajectory.Table
	FramesPerSecond float64
	// BodyLength sizes the blob search window, in pixels.
	BodyLength float64
	// SetupPoints maps a name to a polygon in frame pixels.
	SetupPoints map[string][]trajectory.Position
}

// Options configures Open.
type Options struct {
	// SourcePath is the tracker's output; it is only ever read.
	SourcePath string
	// ForceFresh replaces an existing working copy with a new duplicate.
	ForceFresh bool
	// FramesPerSecond, when positive, replaces the stored frame rate.
	FramesPerSecond float64
	ReportPath      string
	// Clock stamps the save history; defaults to the wall clock.
	Clock timeutil.Clock
}

// Manager owns the working copy and the loaded snapshot.
type Manager struct {
	db         *sql.DB
	fs         fsutil.FileSystem
	source     string
	working    string
	reportPath string
	clock      timeutil.Clock
	snap       *Snapshot
}

// WorkingPath returns the working copy for source: the same name with
// "_corrected" before the extension.
func WorkingPath(source string) string {
	ext := filepath.Ext(source)
	return strings.TrimSuffix(source, ext) + "_corrected" + ext
}

// Open duplicates the source into its working copy unless one exists (or
// opts.ForceFresh is set), migrates the copy's schema, and loads it.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	source, err := filepath.Abs(opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	working := WorkingPath(source)

	// sqlite opens the working copy by path, so it lives on the OS filesystem.
	osfs := fsutil.OSFileSystem{}
	if opts.ForceFresh || !osfs.Exists(working) {
		logf("Duplicating %s to %s", source, working)
		if err := fsutil.CopyFile(osfs, source, working); err != nil {
			return nil, fmt.Errorf("create working copy: %w", err)
		}
	}

	db, err := openDB(working)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		db:         db,
		fs:         osfs,
		source:     source,
		working:    working,
		reportPath: opts.ReportPath,
		clock:      opts.Clock,
	}

	snap, err := m.load(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	logf("Loaded %s: %d frames, %d agents", working, snap.Table.Frames(), snap.Table.Agents())

	if opts.FramesPerSecond > 0 && opts.FramesPerSecond != snap.FramesPerSecond {
		snap.FramesPerSecond = opts.FramesPerSecond
		logf("Frames per second updated to %g", opts.FramesPerSecond)
	}
	m.snap = snap
	return m, nil
}

// Create writes snap as a new trajectory file at path, replacing any file
// there.
func Create(ctx context.Context, path string, snap *Snapshot) error {
	if err := (fsutil.OSFileSystem{}).RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := writeSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Snapshot returns the loaded snapshot. Its table is the one being edited.
func (m *Manager) Snapshot() *Snapshot { return m.snap }

// Table returns the trajectory table being edited.
func (m *Manager) Table() *trajectory.Table { return m.snap.Table }

// SourcePath returns the tracker's original file.
func (m *Manager) SourcePath() string { return m.source }

// WorkingPath returns the file all reads and writes go to.
func (m *Manager) WorkingPath() string { return m.working }

// Close releases the working copy.
func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) load(ctx context.Context) (*Snapshot, error) {
	var frames, agents int
	var blob []byte
	snap := &Snapshot{SetupPoints: make(map[string][]trajectory.Position)}

	err := m.db.QueryRowContext(ctx, `
		SELECT frames, agents, frames_per_second, body_length, trajectories
		FROM snapshot_meta
		WHERE id = 1
	`).Scan(&frames, &agents, &snap.FramesPerSecond, &snap.BodyLength, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", m.working, ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	table, err := decodeTable(blob)
	if err != nil {
		return nil, fmt.Errorf("decode trajectories: %w", err)
	}
	if table.Frames() != frames || table.Agents() != agents {
		return nil, fmt.Errorf("trajectories are %dx%d, metadata says %dx%d",
			table.Frames(), table.Agents(), frames, agents)
	}
	snap.Table = table

	rows, err := m.db.QueryContext(ctx, `SELECT name, x, y FROM setup_points ORDER BY name, seq`)
	if err != nil {
		return nil, fmt.Errorf("read setup points: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var p trajectory.Position
		if err := rows.Scan(&name, &p.X, &p.Y); err != nil {
			return nil, fmt.Errorf("scan setup point: %w", err)
		}
		snap.SetupPoints[name] = append(snap.SetupPoints[name], p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// writeSnapshot replaces the stored table, metadata, and setup points.
func writeSnapshot(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	blob, err := encodeTable(snap.Table)
	if err != nil {
		return fmt.Errorf("encode trajectories: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, frames, agents, frames_per_second, body_length, trajectories)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			frames = excluded.frames,
			agents = excluded.agents,
			frames_per_second = excluded.frames_per_second,
			body_length = excluded.body_length,
			trajectories = excluded.trajectories
	`, snap.Table.Frames(), snap.Table.Agents(), snap.FramesPerSecond, snap.BodyLength, blob)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM setup_points`); err != nil {
		return fmt.Errorf("clear setup points: %w", err)
	}
	for name, points := range snap.SetupPoints {
		if err := insertSetupPoints(ctx, tx, name, points); err != nil {
			return err
		}
	}
	return nil
}

func insertSetupPoints(ctx context.Context, tx *sql.Tx, name string, points []trajectory.Position) error {
	for seq, p := range points {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO setup_points (name, seq, x, y) VALUES (?, ?, ?, ?)`,
			name, seq, p.X, p.Y,
		); err != nil {
			return fmt.Errorf("insert setup point %s/%d: %w", name, seq, err)
		}
	}
	return nil
}

// tableFile is the serialised form of a trajectory table.
type tableFile struct {
	Frames int
	Agents int
	Data   []float64
}

func encodeTable(t *trajectory.Table) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(tableFile{Frames: t.Frames(), Agents: t.Agents(), Data: t.Data()}); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTable(blob []byte) (*trajectory.Table, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var f tableFile
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return nil, err
	}
	return trajectory.TableFromData(f.Frames, f.Agents, f.Data)
}
