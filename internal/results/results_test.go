package results

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/user/reportd/internal/state"
	"github.com/user/reportd/internal/store/storetest"
	"github.com/user/reportd/internal/types"
)

func newTestStore(t *testing.T) (*Store, *storetest.Memory, string) {
	t.Helper()
	db := storetest.NewMemory()
	tmp := t.TempDir()
	return New(db, state.NewDocumentStore(t.TempDir()), tmp), db, tmp
}

func putDocument(t *testing.T, s *Store, db *storetest.Memory) *types.FilledDocument {
	t.Helper()
	doc := &types.FilledDocument{
		ReportID:    uuid.New(),
		JobID:       uuid.New(),
		Title:       "Events/Weekly",
		Columns:     []types.Column{{Name: "ts", Label: "Time"}, {Name: "message", Label: "Message", Width: 120}},
		Rows:        [][]any{{"2024-01-01T00:00:00Z", "boot"}, {"2024-01-02T00:00:00Z", "Grüße"}},
		GeneratedAt: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
	}
	if err := s.docs.Put(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertResult(context.Background(), &types.ReportResult{
		ReportID: doc.ReportID, JobID: doc.JobID, UserID: 1, ExecutionTime: doc.GeneratedAt, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	return doc
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %d", len(entries))
	}
}

func TestSheetName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"A/B*C", "A B C"},
		{`x\y?z[1]`, "x y z 1 "},
		{strings.Repeat("a", 40), strings.Repeat("a", 31)},
		{"'quoted'", "quoted"},
		{"'" + strings.Repeat("b", 30) + "'", strings.Repeat("b", 30)},
		{"", "Report"},
		{"///", "Report"},
		{"Alarms: daily summary", "Alarms  daily summary"},
	}
	for _, tt := range tests {
		if got := SheetName(tt.in); got != tt.want {
			t.Errorf("SheetName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderPDFIsRepeatable(t *testing.T) {
	s, db, tmp := newTestStore(t)
	doc := putDocument(t, s, db)
	ctx := context.Background()

	first, err := s.Render(ctx, doc.ReportID, doc.JobID, types.FormatPDF)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	second, err := s.Render(ctx, doc.ReportID, doc.JobID, types.FormatPDF)
	if err != nil {
		t.Fatalf("second Render failed: %v", err)
	}
	if first == second {
		t.Fatal("each render must produce a fresh file")
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.HasPrefix(a, []byte("%PDF-")) {
		t.Fatal("output is not a PDF")
	}
	if !bytes.Equal(a, b) {
		t.Error("rendering the same result twice produced different bytes")
	}
	os.Remove(first)
	os.Remove(second)
	assertEmptyDir(t, tmp)
}

func TestRenderXLSX(t *testing.T) {
	s, db, _ := newTestStore(t)
	doc := putDocument(t, s, db)

	path, err := s.Render(context.Background(), doc.ReportID, doc.JobID, types.FormatXLSX)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	defer os.Remove(path)
	if !strings.HasSuffix(path, ".xlsx") {
		t.Errorf("unexpected extension: %s", path)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if name := f.GetSheetName(0); name != "Events Weekly" {
		t.Fatalf("unexpected sheet name %q", name)
	}
	rows, err := f.GetRows("Events Weekly")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "Time" || rows[2][1] != "Grüße" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestRenderXLSXColonTitle(t *testing.T) {
	s, db, _ := newTestStore(t)
	doc := putDocument(t, s, db)
	doc.Title = "Alarms: 2024-01-03 12:00"
	if err := s.docs.Put(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	path, err := s.Render(context.Background(), doc.ReportID, doc.JobID, types.FormatXLSX)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	defer os.Remove(path)

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if name := f.GetSheetName(0); name != "Alarms  2024-01-03 12 00" {
		t.Errorf("unexpected sheet name %q", name)
	}
}

func TestRenderMissingDocument(t *testing.T) {
	s, _, tmp := newTestStore(t)
	_, err := s.Render(context.Background(), uuid.New(), uuid.New(), types.FormatPDF)
	if !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestRenderUnsupportedFormat(t *testing.T) {
	s, db, _ := newTestStore(t)
	doc := putDocument(t, s, db)
	if _, err := s.Render(context.Background(), doc.ReportID, doc.JobID, types.FormatNone); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

type failingExporter struct{}

func (failingExporter) Export(_ *types.FilledDocument, w io.Writer) error {
	w.Write([]byte("partial"))
	return errors.New("exporter crashed")
}

func TestRenderFailureRemovesPartialOutput(t *testing.T) {
	s, db, tmp := newTestStore(t)
	doc := putDocument(t, s, db)
	s.exporters[types.FormatPDF] = failingExporter{}

	if _, err := s.Render(context.Background(), doc.ReportID, doc.JobID, types.FormatPDF); err == nil {
		t.Fatal("expected export error")
	}
	assertEmptyDir(t, tmp)
}

func TestListAndDelete(t *testing.T) {
	s, db, _ := newTestStore(t)
	ctx := context.Background()
	doc := putDocument(t, s, db)

	list, err := s.List(ctx, doc.ReportID, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 result, got %d (%v)", len(list), err)
	}

	removed, err := s.Delete(ctx, doc.ReportID, doc.JobID)
	if err != nil || !removed {
		t.Fatalf("expected clean delete, got removed=%v err=%v", removed, err)
	}
	if db.Len() != 0 {
		t.Error("metadata row should be gone")
	}
	if _, err := s.Render(ctx, doc.ReportID, doc.JobID, types.FormatPDF); !errors.Is(err, ErrNoDocument) {
		t.Errorf("document should be gone, got %v", err)
	}

	removed, err = s.Delete(ctx, doc.ReportID, doc.JobID)
	if !errors.Is(err, types.ErrNotFound) || removed {
		t.Errorf("second delete should report not found, got removed=%v err=%v", removed, err)
	}
}

func TestDeleteMetadataFailureKeepsDocument(t *testing.T) {
	s, db, _ := newTestStore(t)
	ctx := context.Background()
	doc := putDocument(t, s, db)
	db.DeleteErr = errors.New("database down")

	if _, err := s.Delete(ctx, doc.ReportID, doc.JobID); err == nil {
		t.Fatal("expected metadata error")
	}
	if _, err := s.docs.Get(ctx, doc.ReportID, doc.JobID); err != nil {
		t.Errorf("document must survive a failed metadata delete: %v", err)
	}
}
