package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
)

type recordingExecutor struct {
	mu      sync.Mutex
	configs []*types.JobConfiguration
	err     error
	block   chan struct{}
}

func (e *recordingExecutor) Execute(_ context.Context, cfg *types.JobConfiguration) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	return e.err
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.configs)
}

func TestGatewaySubmitGeneratesJobID(t *testing.T) {
	exec := &recordingExecutor{}
	gw := New(exec)
	gw.Start(context.Background())
	defer gw.Stop()

	cfg := &types.JobConfiguration{ReportID: uuid.New(), UserID: 1}
	id, err := gw.Submit(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if id == uuid.Nil || cfg.JobID != id {
		t.Errorf("expected generated job id written back, got %s / %s", id, cfg.JobID)
	}
	if !gw.Queue.WaitIdle(2*time.Second) || exec.count() != 1 {
		t.Fatalf("expected one execution, got %d", exec.count())
	}
}

func TestGatewaySubmitKeepsJobID(t *testing.T) {
	gw := New(&recordingExecutor{})
	gw.Start(context.Background())
	defer gw.Stop()

	want := uuid.New()
	id, err := gw.Submit(&types.JobConfiguration{ReportID: uuid.New(), JobID: want})
	if err != nil {
		t.Fatal(err)
	}
	if id != want {
		t.Errorf("expected %s, got %s", want, id)
	}
}

func TestGatewayStatus(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{}), err: errors.New("boom")}
	gw := New(exec, 1)
	gw.Start(context.Background())
	defer gw.Stop()

	id, err := gw.Submit(&types.JobConfiguration{ReportID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := gw.Status(id); ok && st == JobStatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(exec.block)
	if !gw.Queue.WaitIdle(2 * time.Second) {
		t.Fatal("job did not finish")
	}
	if _, ok := gw.Status(id); ok {
		t.Error("finished jobs should be forgotten")
	}
}

func TestGatewaySubmitAfterStop(t *testing.T) {
	gw := New(&recordingExecutor{})
	gw.Start(context.Background())
	gw.Stop()

	if _, err := gw.Submit(&types.JobConfiguration{ReportID: uuid.New()}); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("expected ErrQueueStopped, got %v", err)
	}
}
