//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
)

func connectTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REPORTD_TEST_DSN")
	if dsn == "" {
		t.Skip("REPORTD_TEST_DSN not set")
	}
	s := New()
	if err := s.Connect(context.Background(), dsn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_ResultLifecycle(t *testing.T) {
	s := connectTestStore(t)
	ctx := context.Background()
	reportID := uuid.New()
	base := time.Now().UTC().Truncate(time.Second)

	var jobs []uuid.UUID
	for i := 0; i < 3; i++ {
		r := &types.ReportResult{
			ReportID:      reportID,
			JobID:         uuid.New(),
			UserID:        int32(1 + i%2),
			ExecutionTime: base.Add(time.Duration(i) * time.Minute),
			Success:       true,
		}
		if err := s.InsertResult(ctx, r); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, r.JobID)
	}

	mine, err := s.ListResults(ctx, reportID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].JobID != jobs[2] {
		t.Fatalf("expected user 1 results newest first, got %+v", mine)
	}

	all, err := s.ListAllResults(ctx, reportID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}

	for _, j := range jobs {
		if err := s.DeleteResult(ctx, reportID, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteResult(ctx, reportID, jobs[0]); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	s := connectTestStore(t)
	ctx := context.Background()
	view := "reportd_test_" + uuid.NewString()[:8]

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, func(q types.Querier) error {
		rows, err := q.Query(ctx, "CREATE VIEW "+view+" AS SELECT 1 AS one")
		if err != nil {
			return err
		}
		rows.Close()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	// The view never committed, so dropping it is a no-op.
	if err := s.DropView(ctx, view); err != nil {
		t.Fatal(err)
	}
}
