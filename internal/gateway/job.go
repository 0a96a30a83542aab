package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job tracks a single report execution request.
type Job struct {
	ID        uuid.UUID
	Config    *types.JobConfiguration
	Status    JobStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
}

// NewJob creates a queued Job for cfg. A missing job id is generated and
// written back into cfg.
func NewJob(cfg *types.JobConfiguration) *Job {
	if cfg.JobID == uuid.Nil {
		cfg.JobID = types.NewJobID()
	}
	return &Job{
		ID:        cfg.JobID,
		Config:    cfg,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

// lane groups jobs of one user so they run in submission order.
func (j *Job) lane() int32 {
	return j.Config.UserID
}
