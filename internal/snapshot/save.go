package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trackfix/internal/fsutil"
	"github.com/banshee-data/trackfix/internal/trajectory"
)

// ReportHeader is the first row of the gap report.
var ReportHeader = []string{"fish_id", "start", "end", "duration"}

// Revision is one entry of the save history.
type Revision struct {
	ID       uuid.UUID
	SavedAt  time.Time
	OpenGaps int
}

// Save writes the whole snapshot to the working copy, records a revision, and
// rewrites the gap report with gaps. The returned revision identifies the save.
func (m *Manager) Save(ctx context.Context, gaps []trajectory.Gap) (Revision, error) {
	rev := Revision{ID: uuid.New(), SavedAt: m.clock.Now(), OpenGaps: len(gaps)}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if err := writeSnapshot(ctx, tx, m.snap); err != nil {
		return Revision{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO save_history (revision, saved_unix_nanos, open_gaps) VALUES (?, ?, ?)`,
		rev.ID.String(), rev.SavedAt.UnixNano(), rev.OpenGaps,
	); err != nil {
		return Revision{}, fmt.Errorf("record revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit save: %w", err)
	}
	logf("Saved data to %s in %s (revision %s)", m.working, m.clock.Since(rev.SavedAt), rev.ID)

	if err := m.WriteReport(gaps); err != nil {
		return rev, err
	}
	return rev, nil
}

// History returns the save history, oldest first.
func (m *Manager) History(ctx context.Context) ([]Revision, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT revision, saved_unix_nanos, open_gaps
		FROM save_history
		ORDER BY saved_unix_nanos, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query save history: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var id string
		var nanos int64
		var r Revision
		if err := rows.Scan(&id, &nanos, &r.OpenGaps); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse revision %q: %w", id, err)
		}
		r.SavedAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// WriteReport overwrites the gap report with one row per gap, in order.
func (m *Manager) WriteReport(gaps []trajectory.Gap) error {
	if m.reportPath == "" {
		return nil
	}
	data, err := EncodeReport(gaps)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.fs, m.reportPath, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logf("List of gaps saved at %s", m.reportPath)
	return nil
}

// ReportPath returns where the gap report is written.
func (m *Manager) ReportPath() string { return m.reportPath }

// EncodeReport renders gaps as the CSV gap report.
func EncodeReport(gaps []trajectory.Gap) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ReportHeader); err != nil {
		return nil, err
	}
	for _, g := range gaps {
		row := []string{
			strconv.Itoa(g.Agent),
			strconv.Itoa(g.Start),
			strconv.Itoa(g.End),
			strconv.Itoa(g.Duration),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
