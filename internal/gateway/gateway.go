// Package gateway runs report executions on a bounded worker pool.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
)

// Executor runs one report job to completion.
type Executor interface {
	Execute(ctx context.Context, cfg *types.JobConfiguration) error
}

// Gateway accepts execution requests, wraps each in a Job and enqueues it.
type Gateway struct {
	exec  Executor
	Queue *Queue

	mu     sync.Mutex
	recent map[uuid.UUID]*Job
}

// New creates a Gateway running at most maxConcurrent executions at a time
// (default 2).
func New(exec Executor, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		exec:   exec,
		Queue:  NewQueue(concurrency),
		recent: make(map[uuid.UUID]*Job),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops accepting jobs and waits for running ones.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Submit enqueues cfg for execution and returns its job id, generating one
// when cfg carries none. It returns as soon as the job is queued.
func (g *Gateway) Submit(cfg *types.JobConfiguration) (uuid.UUID, error) {
	job := NewJob(cfg)
	g.mu.Lock()
	g.recent[job.ID] = job
	g.mu.Unlock()
	if err := g.Queue.Enqueue(job); err != nil {
		g.forget(job.ID)
		return uuid.Nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	slog.Info("job queued", "job_id", job.ID, "report_id", cfg.ReportID, "user_id", cfg.UserID)
	return job.ID, nil
}

// Status returns the state of a job that is queued or running.
func (g *Gateway) Status(id uuid.UUID) (JobStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.recent[id]
	if !ok {
		return "", false
	}
	return job.Status, true
}

func (g *Gateway) forget(id uuid.UUID) {
	g.mu.Lock()
	delete(g.recent, id)
	g.mu.Unlock()
}

func (g *Gateway) setStatus(job *Job, status JobStatus, err error) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	job.Status = status
	job.Error = err
	if status == JobStatusRunning {
		job.StartedAt = &now
	} else {
		job.EndedAt = &now
	}
}

func (g *Gateway) process(ctx context.Context, job *Job) error {
	defer g.forget(job.ID)
	g.setStatus(job, JobStatusRunning, nil)
	err := g.exec.Execute(ctx, job.Config)
	if err != nil {
		g.setStatus(job, JobStatusFailed, err)
		return err
	}
	g.setStatus(job, JobStatusComplete, nil)
	slog.Info("job complete", "job_id", job.ID, "report_id", job.Config.ReportID, "duration", job.EndedAt.Sub(*job.StartedAt))
	return nil
}
