package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when a user's lane has no room left.
	ErrQueueFull = errors.New("job queue full")
	// ErrQueueStopped is returned by Enqueue after Stop.
	ErrQueueStopped = errors.New("job queue stopped")
)

const laneCapacity = 100

// Queue manages per-user lanes with a global concurrency semaphore. Jobs of
// one user run in FIFO order; the semaphore bounds how many jobs run at once
// across all users.
type Queue struct {
	lanes     map[int32]chan *Job
	semaphore *semaphore.Weighted
	processor func(context.Context, *Job) error
	active    atomic.Int64
	pending   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// NewQueue creates a Queue that runs up to maxConcurrent jobs at a time.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[int32]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop refuses new jobs, discards queued ones and waits for running jobs to
// finish. Running jobs are never cancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds job to its user's lane, creating the lane (and its goroutine)
// on first use.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}

	key := job.lane()
	lane, exists := q.lanes[key]
	if !exists {
		lane = make(chan *Job, laneCapacity)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(key, lane)
	}

	select {
	case lane <- job:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("%w for user %d", ErrQueueFull, key)
	}
}

// processLane drains one lane, holding a semaphore slot while the processor
// runs.
func (q *Queue) processLane(userID int32, lane chan *Job) {
	defer q.wg.Done()
	for job := range lane {
		q.active.Add(1)
		q.pending.Add(-1)
		q.process(userID, job)
		q.active.Add(-1)
	}
}

func (q *Queue) process(userID int32, job *Job) {
	if q.ctx.Err() != nil || q.semaphore.Acquire(q.ctx, 1) != nil {
		slog.Warn("discarding queued job", "job_id", job.ID, "user_id", userID)
		return
	}
	defer q.semaphore.Release(1)
	if q.processor == nil {
		return
	}
	if err := q.processor(context.WithoutCancel(q.ctx), job); err != nil {
		slog.Error("job failed", "job_id", job.ID, "report_id", job.Config.ReportID, "user_id", userID, "error", err)
	}
}

// Active returns the number of jobs taken from their lanes that have not
// finished yet.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// Pending returns the number of jobs waiting in lanes.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until no jobs are running or queued, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Job.
func (q *Queue) SetProcessor(fn func(context.Context, *Job) error) {
	q.processor = fn
}
