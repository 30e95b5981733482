package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// ErrJobNotFound is returned when a job id is unknown
var ErrJobNotFound = errors.New("job not found")

// JobQueue runs deletion jobs outside the caller's request
type JobQueue interface {
	// SubmitJob stores the job as pending and queues it; the job id is assigned when empty.
	SubmitJob(ctx context.Context, job *model.DeletionJob) (uuid.UUID, error)
	// NextJob waits up to timeout for a queued job. It returns nil when none arrived.
	NextJob(ctx context.Context, timeout time.Duration) (*model.DeletionJob, error)
	// UpdateJob persists the job state. A completed or failed job is no longer in flight.
	UpdateJob(ctx context.Context, job *model.DeletionJob) error
	// RequeueStale puts back jobs that were taken but not updated since before
	// cutoff, such as jobs whose runner crashed. It returns how many were requeued.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	// GetJob returns the job state.
	GetJob(ctx context.Context, id uuid.UUID) (*model.DeletionJob, error)

	Ping(ctx context.Context) error
	Close() error
}
