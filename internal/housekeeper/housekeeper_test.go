package housekeeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/store/storetest"
	"github.com/user/reportd/internal/types"
)

type templates []uuid.UUID

func (t templates) List() []uuid.UUID { return t }
func (t templates) Load(uuid.UUID) (*types.Template, error) {
	return nil, types.ErrNotFound
}

// dbDeleter deletes straight from the persistence store and can be told to
// fail for one job.
type dbDeleter struct {
	db    *storetest.Memory
	fail  uuid.UUID
	calls atomic.Int32
}

func (d *dbDeleter) Delete(ctx context.Context, reportID, jobID uuid.UUID) (bool, error) {
	d.calls.Add(1)
	if jobID == d.fail {
		return false, errors.New("permission denied")
	}
	if err := d.db.DeleteResult(ctx, reportID, jobID); err != nil {
		return false, err
	}
	return true, nil
}

type notifier struct {
	mu   sync.Mutex
	data []string
}

func (n *notifier) Notify(_ types.NotificationKind, data string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data = append(n.data, data)
	return true
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 12, 0, 0, 0, time.UTC)
}

func insert(t *testing.T, db *storetest.Memory, reportID uuid.UUID, at time.Time) uuid.UUID {
	t.Helper()
	jobID := uuid.New()
	if err := db.InsertResult(context.Background(), &types.ReportResult{
		ReportID: reportID, JobID: jobID, ExecutionTime: at, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	return jobID
}

func TestSweepRetention(t *testing.T) {
	db := storetest.NewMemory()
	report := uuid.New()
	old := insert(t, db, report, day(7))
	recent := insert(t, db, report, day(9))

	settings := config.NewSettings(map[string]string{config.KeyRetentionDays: "2"})
	n := &notifier{}
	h := New(templates{report}, db, &dbDeleter{db: db}, settings, n, "")

	deleted, err := h.Sweep(context.Background(), day(10))
	if err != nil || deleted != 1 {
		t.Fatalf("Sweep = %d, %v; want 1 deletion", deleted, err)
	}
	list, _ := db.ListAllResults(context.Background(), report)
	if len(list) != 1 || list[0].JobID != recent {
		t.Fatalf("expected only the day 9 result to remain, got %+v", list)
	}
	for _, r := range list {
		if r.JobID == old {
			t.Error("day 7 result should be deleted")
		}
	}
	if len(n.data) != 1 || n.data[0] != report.String() {
		t.Errorf("expected one results-modified notification, got %v", n.data)
	}
}

func TestSweepDefaultRetentionKeepsEverything(t *testing.T) {
	db := storetest.NewMemory()
	report := uuid.New()
	insert(t, db, report, day(1).AddDate(-5, 0, 0))

	h := New(templates{report}, db, &dbDeleter{db: db}, config.NewSettings(nil), nil, "")
	if deleted, _ := h.Sweep(context.Background(), day(10)); deleted != 0 {
		t.Errorf("default retention should keep a 5 year old result, deleted %d", deleted)
	}
}

func TestSweepCutoffIsFixedLength(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	db := storetest.NewMemory()
	report := uuid.New()
	// The night of 2024-03-31 is 23 hours long in Berlin.
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, berlin)
	expired := insert(t, db, report, now.Add(-24*time.Hour-30*time.Minute))
	// 11:30 the day before is only 23.5h back across the switch.
	kept := insert(t, db, report, time.Date(2024, 3, 30, 11, 30, 0, 0, berlin))

	settings := config.NewSettings(map[string]string{config.KeyRetentionDays: "1"})
	h := New(templates{report}, db, &dbDeleter{db: db}, settings, nil, "")
	if deleted, err := h.Sweep(context.Background(), now); err != nil || deleted != 1 {
		t.Fatalf("Sweep = %d, %v; want 1 deletion", deleted, err)
	}
	list, _ := db.ListAllResults(context.Background(), report)
	if len(list) != 1 || list[0].JobID != kept {
		t.Fatalf("expected only the result inside 24h to remain, got %+v", list)
	}
	if list[0].JobID == expired {
		t.Error("result older than 24h survived")
	}
}

func TestSweepHugeRetention(t *testing.T) {
	db := storetest.NewMemory()
	report := uuid.New()
	insert(t, db, report, day(1).AddDate(-100, 0, 0))

	settings := config.NewSettings(map[string]string{config.KeyRetentionDays: "1000000"})
	h := New(templates{report}, db, &dbDeleter{db: db}, settings, nil, "")
	if deleted, _ := h.Sweep(context.Background(), day(10)); deleted != 0 {
		t.Errorf("retention beyond the representable range deleted %d results", deleted)
	}
}

func TestSweepSkipsFailures(t *testing.T) {
	db := storetest.NewMemory()
	reportA, reportB := uuid.New(), uuid.New()
	failing := insert(t, db, reportA, day(1))
	insert(t, db, reportA, day(2))
	insert(t, db, reportB, day(3))

	settings := config.NewSettings(map[string]string{config.KeyRetentionDays: "1"})
	del := &dbDeleter{db: db, fail: failing}
	h := New(templates{reportA, uuid.New(), reportB}, db, del, settings, nil, "")

	deleted, err := h.Sweep(context.Background(), day(10))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 || del.calls.Load() != 3 {
		t.Errorf("deleted %d with %d attempts, want 2 and 3", deleted, del.calls.Load())
	}
	if db.Len() != 1 {
		t.Errorf("only the failing result should remain, have %d", db.Len())
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	db := storetest.NewMemory()
	report := uuid.New()
	insert(t, db, report, day(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := New(templates{report}, db, &dbDeleter{db: db}, config.NewSettings(nil), nil, "")
	if _, err := h.Sweep(ctx, day(10)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if db.Len() != 1 {
		t.Error("nothing should be deleted after cancellation")
	}
}

func TestScheduleSpec(t *testing.T) {
	tests := map[string]string{
		"":            "@every 1h0m0s",
		"30m":         "@every 30m0s",
		"0 3 * * *":   "0 3 * * *",
		"@daily":      "@daily",
		" 2h ":        "@every 2h0m0s",
		"-5m":         "-5m",
		"*/5 * * * *": "*/5 * * * *",
	}
	for in, want := range tests {
		if got := scheduleSpec(in); got != want {
			t.Errorf("scheduleSpec(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	h := New(templates{}, storetest.NewMemory(), &dbDeleter{}, config.NewSettings(nil), nil, "not a schedule")
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
	h.Stop()
}

func TestHousekeeperRunsOnSchedule(t *testing.T) {
	db := storetest.NewMemory()
	report := uuid.New()
	insert(t, db, report, day(1))

	settings := config.NewSettings(map[string]string{config.KeyRetentionDays: "1"})
	h := New(templates{report}, db, &dbDeleter{db: db}, settings, nil, "1s")
	h.now = func() time.Time { return day(10) }
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("sweep did not run within 2.5s")
		case <-ticker.C:
			if db.Len() == 0 {
				return
			}
		}
	}
}
