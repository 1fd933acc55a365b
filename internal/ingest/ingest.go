// Package ingest loads registration exports, session catalogs and historical
// attendance records into the graph store from CSV artifacts.
package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/store"
)

// VisitorImportOptions configures one registration-export import. The first
// CSV row is the header; the id and badge columns are consumed and every
// remaining column becomes a visitor attribute.
type VisitorImportOptions struct {
	Path     string
	ShowCode string
	Cohort   string

	IDColumn    string // default "id"
	BadgeColumn string // default "badge_id"

	LimitRows int // 0 = no limit
	DryRun    bool
}

// VisitorImportResult reports the import counters.
type VisitorImportResult struct {
	RowsSeen    int
	Imported    int
	RowsSkipped int
	Duration    time.Duration
}

func (o VisitorImportOptions) withDefaults() VisitorImportOptions {
	if o.Cohort == "" {
		o.Cohort = store.CohortThisYear
	}
	if o.IDColumn == "" {
		o.IDColumn = "id"
	}
	if o.BadgeColumn == "" {
		o.BadgeColumn = "badge_id"
	}
	return o
}

// ImportVisitors streams a registration CSV into the store. Rows without an
// id are skipped and counted rather than aborting the import; attribute
// values are normalized so "NA" markers never reach scoring.
func ImportVisitors(ctx context.Context, st *store.Store, opts VisitorImportOptions) (VisitorImportResult, error) {
	start := time.Now()
	opts = opts.withDefaults()
	var out VisitorImportResult

	if strings.TrimSpace(opts.ShowCode) == "" {
		return out, fmt.Errorf("ingest: ShowCode is required")
	}

	header, rows, closeFn, err := openCSV(opts.Path)
	if err != nil {
		return out, err
	}
	defer closeFn()

	idCol, ok := header[opts.IDColumn]
	if !ok {
		return out, fmt.Errorf("ingest: %s has no %q column", opts.Path, opts.IDColumn)
	}
	badgeCol, hasBadge := header[opts.BadgeColumn]

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		record, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("ingest: read %s: %w", opts.Path, err)
		}
		out.RowsSeen++

		id := strings.TrimSpace(field(record, idCol))
		if id == "" {
			out.RowsSkipped++
			continue
		}

		attrs := make(map[string]string)
		for name, col := range header {
			if col == idCol || (hasBadge && col == badgeCol) {
				continue
			}
			if value := config.NormalizeAttr(field(record, col)); value != "" {
				attrs[name] = value
			}
		}

		if !opts.DryRun {
			v := store.Visitor{
				ID:       id,
				ShowCode: opts.ShowCode,
				Cohort:   opts.Cohort,
				Attrs:    attrs,
			}
			if hasBadge {
				v.BadgeID = strings.TrimSpace(field(record, badgeCol))
			}
			if err := st.UpsertVisitor(ctx, v); err != nil {
				return out, err
			}
		}
		out.Imported++

		if opts.LimitRows > 0 && out.RowsSeen >= opts.LimitRows {
			break
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}

// SessionImportOptions configures one session-catalog import. Expected
// columns: id, title, synopsis, theatre, sponsored, streams. The streams
// column holds ";"-separated names.
type SessionImportOptions struct {
	Path     string
	ShowCode string
	Cohort   string

	LimitRows int
	DryRun    bool
}

// SessionImportResult reports the import counters.
type SessionImportResult struct {
	RowsSeen       int
	Imported       int
	RowsSkipped    int
	MissingStreams int
	Duration       time.Duration
}

// ImportSessions streams a session catalog CSV into the store. Sessions
// arriving without stream labels are counted; the backfill subsystem handles
// them later.
func ImportSessions(ctx context.Context, st *store.Store, opts SessionImportOptions) (SessionImportResult, error) {
	start := time.Now()
	if opts.Cohort == "" {
		opts.Cohort = store.CohortThisYear
	}
	var out SessionImportResult

	if strings.TrimSpace(opts.ShowCode) == "" {
		return out, fmt.Errorf("ingest: ShowCode is required")
	}

	header, rows, closeFn, err := openCSV(opts.Path)
	if err != nil {
		return out, err
	}
	defer closeFn()

	idCol, ok := header["id"]
	if !ok {
		return out, fmt.Errorf("ingest: %s has no %q column", opts.Path, "id")
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		record, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("ingest: read %s: %w", opts.Path, err)
		}
		out.RowsSeen++

		id := strings.TrimSpace(field(record, idCol))
		if id == "" {
			out.RowsSkipped++
			continue
		}

		sess := store.Session{
			ID:       id,
			ShowCode: opts.ShowCode,
			Cohort:   opts.Cohort,
			Title:    strings.TrimSpace(field(record, column(header, "title"))),
			Synopsis: strings.TrimSpace(field(record, column(header, "synopsis"))),
			Theatre:  strings.TrimSpace(field(record, column(header, "theatre"))),
			Streams:  splitStreams(field(record, column(header, "streams"))),
		}
		switch strings.ToLower(strings.TrimSpace(field(record, column(header, "sponsored")))) {
		case "1", "true", "yes", "y":
			sess.Sponsored = true
		}
		if len(sess.Streams) == 0 {
			out.MissingStreams++
		}

		if !opts.DryRun {
			if err := st.UpsertSession(ctx, sess); err != nil {
				return out, err
			}
		}
		out.Imported++

		if opts.LimitRows > 0 && out.RowsSeen >= opts.LimitRows {
			break
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}

// AttendanceImportResult reports the attendance-import counters.
type AttendanceImportResult struct {
	RowsSeen    int
	Imported    int
	RowsSkipped int
	Duration    time.Duration
}

// ImportAttendance streams historical visitor_id,session_id pairs into the
// attended edge set. Duplicate pairs are absorbed by the store.
func ImportAttendance(ctx context.Context, st *store.Store, path string) (AttendanceImportResult, error) {
	start := time.Now()
	var out AttendanceImportResult

	header, rows, closeFn, err := openCSV(path)
	if err != nil {
		return out, err
	}
	defer closeFn()

	visitorCol, ok := header["visitor_id"]
	if !ok {
		return out, fmt.Errorf("ingest: %s has no %q column", path, "visitor_id")
	}
	sessionCol, ok := header["session_id"]
	if !ok {
		return out, fmt.Errorf("ingest: %s has no %q column", path, "session_id")
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		record, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("ingest: read %s: %w", path, err)
		}
		out.RowsSeen++

		visitorID := strings.TrimSpace(field(record, visitorCol))
		sessionID := strings.TrimSpace(field(record, sessionCol))
		if visitorID == "" || sessionID == "" {
			out.RowsSkipped++
			continue
		}
		if err := st.AddAttendance(ctx, visitorID, sessionID); err != nil {
			return out, err
		}
		out.Imported++
	}

	out.Duration = time.Since(start)
	return out, nil
}

// openCSV opens a CSV file and maps header names to column indices.
func openCSV(path string) (map[string]int, *csv.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	headerRow, err := r.Read()
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("ingest: read header of %s: %w", path, err)
	}

	header := make(map[string]int, len(headerRow))
	for i, name := range headerRow {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return header, r, func() { f.Close() }, nil
}

// column returns a header's index, or -1 when the column is absent.
func column(header map[string]int, name string) int {
	if i, ok := header[name]; ok {
		return i
	}
	return -1
}

// field returns the column value, tolerating ragged rows.
func field(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return record[col]
}

func splitStreams(s string) []string {
	var streams []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			streams = append(streams, part)
		}
	}
	return streams
}
