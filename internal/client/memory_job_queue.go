package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// InMemoryJobQueue implements JobQueue with a buffered channel
type InMemoryJobQueue struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]model.DeletionJob
	queue chan uuid.UUID
}

// NewInMemoryJobQueue creates a queue holding up to capacity pending jobs
func NewInMemoryJobQueue(capacity int) *InMemoryJobQueue {
	return &InMemoryJobQueue{
		jobs:  make(map[uuid.UUID]model.DeletionJob),
		queue: make(chan uuid.UUID, capacity),
	}
}

var _ JobQueue = (*InMemoryJobQueue)(nil)

func (q *InMemoryJobQueue) SubmitJob(ctx context.Context, job *model.DeletionJob) (uuid.UUID, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	stampJob(job)
	job.Status = model.JobStatusPending

	q.mu.Lock()
	q.jobs[job.ID] = copyJob(job)
	q.mu.Unlock()

	select {
	case q.queue <- job.ID:
		return job.ID, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (q *InMemoryJobQueue) NextJob(ctx context.Context, timeout time.Duration) (*model.DeletionJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.queue:
		return q.GetJob(ctx, id)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryJobQueue) UpdateJob(ctx context.Context, job *model.DeletionJob) error {
	stampJob(job)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = copyJob(job)
	return nil
}

func (q *InMemoryJobQueue) GetJob(ctx context.Context, id uuid.UUID) (*model.DeletionJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := copyJob(&job)
	return &out, nil
}

// RequeueStale is a no-op: in-memory jobs do not outlive the process that took them
func (q *InMemoryJobQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (q *InMemoryJobQueue) Ping(ctx context.Context) error { return nil }

func (q *InMemoryJobQueue) Close() error { return nil }

// stampJob fills in timestamps the caller left unset
func stampJob(job *model.DeletionJob) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
}

func copyJob(job *model.DeletionJob) model.DeletionJob {
	out := *job
	if job.EntityKeyIDs != nil {
		out.EntityKeyIDs = append([]uuid.UUID(nil), job.EntityKeyIDs...)
	}
	return out
}
