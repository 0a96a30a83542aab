package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/fill"
	"github.com/user/reportd/internal/results"
	"github.com/user/reportd/internal/state"
	"github.com/user/reportd/internal/store/storetest"
	"github.com/user/reportd/internal/types"
)

type templates map[uuid.UUID]*types.Template

func (m templates) List() []uuid.UUID {
	var ids []uuid.UUID
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func (m templates) Load(id uuid.UUID) (*types.Template, error) {
	if t, ok := m[id]; ok {
		return t, nil
	}
	return nil, types.ErrNotFound
}

type notification struct {
	kind types.NotificationKind
	data string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(kind types.NotificationKind, data string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{kind, data})
	return true
}

type sentMail struct {
	to, subject, name string
	attachment        []byte
}

type recordingMailer struct {
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _, name, path string) error {
	data, _ := os.ReadFile(path)
	m.sent = append(m.sent, sentMail{to: to, subject: subject, name: name, attachment: data})
	return m.err
}

type fixture struct {
	engine   *Engine
	db       *storetest.Memory
	docs     *state.DocumentStore
	notifier *recordingNotifier
	mailer   *recordingMailer
	tmpDir   string
	tmpl     *types.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpl := &types.Template{
		Definition: types.ReportDefinition{
			ID:   uuid.New(),
			Name: "events",
			Parameters: []types.ReportParameter{
				{Name: "from", Type: "start_date", Prompt: true},
			},
		},
		Title:   "Weekly Events",
		Query:   "SELECT ts, message FROM {{data_view}} WHERE ts >= $1",
		Args:    []string{"from"},
		Columns: []types.Column{{Name: "ts"}, {Name: "message"}},
		Dir:     t.TempDir(),
	}
	db := storetest.NewMemory()
	db.Query = func(context.Context, string, ...any) (pgx.Rows, error) {
		return storetest.NewRows([]string{"ts", "message"}, []any{"2024-01-01", "boot"}), nil
	}
	docs := state.NewDocumentStore(t.TempDir())
	tmpDir := t.TempDir()
	f := &fixture{
		db:       db,
		docs:     docs,
		notifier: &recordingNotifier{},
		mailer:   &recordingMailer{},
		tmpDir:   tmpDir,
		tmpl:     tmpl,
	}
	f.engine = New(Deps{
		Templates: templates{tmpl.Definition.ID: tmpl},
		Fill:      fill.New(),
		DB:        db,
		Results:   results.New(db, docs, tmpDir),
		Mailer:    f.mailer,
		Notifier:  f.notifier,
		Settings:  config.NewSettings(nil),
	})
	return f
}

func (f *fixture) job() *types.JobConfiguration {
	return &types.JobConfiguration{
		ReportID:   f.tmpl.Definition.ID,
		JobID:      uuid.New(),
		Parameters: map[string]string{"from": "2024-01-01"},
		UserID:     42,
		DataView:   "v_job_1",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	cfg := f.job()

	if err := f.engine.Execute(context.Background(), cfg); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	list, _ := f.db.ListResults(context.Background(), cfg.ReportID, 42)
	if len(list) != 1 || list[0].JobID != cfg.JobID || !list[0].Success {
		t.Fatalf("expected one successful result, got %+v", list)
	}
	doc, err := f.docs.Get(context.Background(), cfg.ReportID, cfg.JobID)
	if err != nil {
		t.Fatalf("filled document missing: %v", err)
	}
	if doc.JobID != cfg.JobID || len(doc.Rows) != 1 {
		t.Errorf("unexpected document %+v", doc)
	}
	if f.db.Commits != 1 {
		t.Errorf("expected one commit, got %d", f.db.Commits)
	}
	if len(f.db.Dropped) != 1 || f.db.Dropped[0] != "v_job_1" {
		t.Errorf("data view not dropped: %v", f.db.Dropped)
	}
	want := []notification{
		{types.NotifyAccessSnapshotNeeded, "42"},
		{types.NotifyResultsModified, cfg.ReportID.String()},
	}
	if len(f.notifier.sent) != len(want) {
		t.Fatalf("notifications = %+v", f.notifier.sent)
	}
	for i := range want {
		if f.notifier.sent[i] != want[i] {
			t.Errorf("notification %d = %+v, want %+v", i, f.notifier.sent[i], want[i])
		}
	}
}

func TestExecuteUnknownTemplate(t *testing.T) {
	f := newFixture(t)
	cfg := f.job()
	cfg.ReportID = uuid.New()

	err := f.engine.Execute(context.Background(), cfg)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.db.Len() != 0 || len(f.notifier.sent) != 0 {
		t.Error("failed load must not record or notify")
	}
	if len(f.db.Dropped) != 1 {
		t.Error("data view must be dropped on failure")
	}
}

func TestExecuteFillFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("relation does not exist")
	f.db.Query = func(context.Context, string, ...any) (pgx.Rows, error) { return nil, boom }
	cfg := f.job()

	if err := f.engine.Execute(context.Background(), cfg); !errors.Is(err, boom) {
		t.Fatalf("expected fill error, got %v", err)
	}
	if f.db.Len() != 0 || f.db.Rollbacks != 1 {
		t.Errorf("expected rollback without result, len=%d rollbacks=%d", f.db.Len(), f.db.Rollbacks)
	}
	if _, err := f.docs.Get(context.Background(), cfg.ReportID, cfg.JobID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("no document expected, got %v", err)
	}
	if len(f.db.Dropped) != 1 {
		t.Error("data view must be dropped on failure")
	}
	for _, n := range f.notifier.sent {
		if n.kind == types.NotifyResultsModified {
			t.Error("failed execution must not announce results")
		}
	}
}

func TestExecuteCommitFailureRemovesDocument(t *testing.T) {
	f := newFixture(t)
	f.db.CommitErr = errors.New("serialization failure")
	cfg := f.job()

	if err := f.engine.Execute(context.Background(), cfg); err == nil {
		t.Fatal("expected commit error")
	}
	if _, err := f.docs.Get(context.Background(), cfg.ReportID, cfg.JobID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("document of failed commit should be removed, got %v", err)
	}
	if f.db.Len() != 0 {
		t.Error("no result expected")
	}
}

func TestExecuteMailsEachRecipient(t *testing.T) {
	f := newFixture(t)
	cfg := f.job()
	cfg.RenderFormat = types.FormatXLSX
	cfg.EmailRecipients = []string{"a@example.com", " ", "b@example.com"}
	f.mailer.err = errors.New("mailbox full")

	if err := f.engine.Execute(context.Background(), cfg); err != nil {
		t.Fatalf("mail failures must not fail the job: %v", err)
	}
	if len(f.mailer.sent) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(f.mailer.sent))
	}
	for _, m := range f.mailer.sent {
		if m.name != "Weekly_Events.xlsx" {
			t.Errorf("unexpected attachment name %q", m.name)
		}
		if len(m.attachment) == 0 {
			t.Error("attachment was not readable while sending")
		}
	}
	entries, _ := os.ReadDir(f.tmpDir)
	if len(entries) != 0 {
		t.Errorf("rendered attachment not cleaned up: %d files", len(entries))
	}
	if f.db.Len() != 1 {
		t.Error("result should be recorded")
	}
}

func TestExecuteMailDefaultsToPDF(t *testing.T) {
	f := newFixture(t)
	cfg := f.job()
	cfg.EmailRecipients = []string{"a@example.com"}

	if err := f.engine.Execute(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.sent) != 1 || filepath.Ext(f.mailer.sent[0].name) != ".pdf" {
		t.Fatalf("expected a PDF attachment, got %+v", f.mailer.sent)
	}
}

func TestExecuteWithoutDataView(t *testing.T) {
	f := newFixture(t)
	f.tmpl.Query = "SELECT ts, message FROM events"
	cfg := f.job()
	cfg.DataView = ""

	if err := f.engine.Execute(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if len(f.db.Dropped) != 0 {
		t.Errorf("nothing to drop, got %v", f.db.Dropped)
	}
}

func TestExecutionTimeIsStart(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f.engine.Now = func() time.Time { return at }
	cfg := f.job()

	if err := f.engine.Execute(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	list, _ := f.db.ListAllResults(context.Background(), cfg.ReportID)
	if !list[0].ExecutionTime.Equal(at) {
		t.Errorf("execution time = %v, want %v", list[0].ExecutionTime, at)
	}
}

func TestAttachmentName(t *testing.T) {
	tests := map[string]string{
		"Weekly Events": "Weekly_Events",
		"a/b:c":         "abc",
		"Grüße 2024.1":  "Grüße_2024_1",
		"///":           "report",
	}
	for in, want := range tests {
		if got := AttachmentName(in); got != want {
			t.Errorf("AttachmentName(%q) = %q, want %q", in, got, want)
		}
	}
}
