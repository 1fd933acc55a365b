package ingest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/camlane/agendas/internal/db"
	"github.com/camlane/agendas/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if _, err := sqlDB.Exec(db.Schema()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.New(sqlDB)
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestImportVisitors(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, `id,badge_id,job_role,practice_type
v1,B-1,Vet,Small Animal
v2,B-2,NA,Equine
,B-3,Vet,
`)

	result, err := ImportVisitors(context.Background(), st, VisitorImportOptions{
		Path:     path,
		ShowCode: "vetlon25",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.RowsSeen != 3 || result.Imported != 2 || result.RowsSkipped != 1 {
		t.Errorf("result = %+v", result)
	}

	v, err := st.GetVisitor(context.Background(), "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.BadgeID != "B-1" || v.Cohort != store.CohortThisYear || v.Attrs["job_role"] != "Vet" {
		t.Errorf("visitor = %+v", v)
	}

	// NA values never become attributes.
	v2, _ := st.GetVisitor(context.Background(), "v2")
	if _, ok := v2.Attrs["job_role"]; ok {
		t.Errorf("NA attribute stored: %+v", v2.Attrs)
	}
}

func TestImportVisitorsDryRun(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, "id,job_role\nv1,Vet\n")

	result, err := ImportVisitors(context.Background(), st, VisitorImportOptions{
		Path: path, ShowCode: "x", DryRun: true,
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d", result.Imported)
	}
	if visitors, _ := st.ListVisitors(context.Background(), "x", store.CohortThisYear); len(visitors) != 0 {
		t.Errorf("dry run wrote %d visitors", len(visitors))
	}
}

func TestImportVisitorsMissingIDColumn(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, "name,job_role\nAlice,Vet\n")
	if _, err := ImportVisitors(context.Background(), st, VisitorImportOptions{Path: path, ShowCode: "x"}); err == nil {
		t.Fatal("expected error for missing id column")
	}
}

func TestImportSessions(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, `id,title,synopsis,theatre,sponsored,streams
s1,Wound care,Managing wounds,Hall A,false,Nursing;Surgery
s2,Mystery talk,,Hall B,yes,
`)

	result, err := ImportSessions(context.Background(), st, SessionImportOptions{
		Path:     path,
		ShowCode: "vetlon25",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 2 || result.MissingStreams != 1 {
		t.Errorf("result = %+v", result)
	}

	sessions, err := st.ListSessions(context.Background(), "vetlon25", store.CohortThisYear)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if len(sessions[0].Streams) != 2 || sessions[0].Theatre != "Hall A" {
		t.Errorf("s1 = %+v", sessions[0])
	}
	if !sessions[1].Sponsored {
		t.Errorf("s2 sponsored flag not parsed")
	}
}

func TestImportSessionsPastCohort(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, "id,title,streams\np1,Old talk,Surgery\n")

	if _, err := ImportSessions(context.Background(), st, SessionImportOptions{
		Path: path, ShowCode: "vetlon24", Cohort: store.CohortPastYear,
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	sessions, _ := st.ListSessions(context.Background(), "vetlon24", store.CohortPastYear)
	if len(sessions) != 1 {
		t.Errorf("sessions = %d", len(sessions))
	}
}

func TestImportAttendance(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, `visitor_id,session_id
v1,s1
v1,s1
v1,
v2,s2
`)

	result, err := ImportAttendance(context.Background(), st, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.RowsSeen != 4 || result.Imported != 3 || result.RowsSkipped != 1 {
		t.Errorf("result = %+v", result)
	}

	ids, err := st.AttendedSessions(context.Background(), "v1")
	if err != nil {
		t.Fatalf("attended: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("attended = %v (duplicates must collapse)", ids)
	}
}
