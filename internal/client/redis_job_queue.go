package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
)

const (
	jobQueueKey  = "jobs:deletion:queue"
	jobTakenKey  = "jobs:deletion:taken"
	jobKeyPrefix = "jobs:deletion:"
	// jobRetention bounds how long finished job state stays readable
	jobRetention = 7 * 24 * time.Hour
)

// RedisJobQueue implements JobQueue on a Redis list plus one JSON state key per job.
// Taken job ids move to a second list until their outcome is recorded, so a
// runner crash never loses a job.
type RedisJobQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisJobQueue creates a job queue on client
func NewRedisJobQueue(client *redis.Client, logger *zap.Logger) *RedisJobQueue {
	return &RedisJobQueue{client: client, logger: logger}
}

var _ JobQueue = (*RedisJobQueue)(nil)

func jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

// SubmitJob stores the job state and appends its id to the queue
func (q *RedisJobQueue) SubmitJob(ctx context.Context, job *model.DeletionJob) (uuid.UUID, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	stampJob(job)
	job.Status = model.JobStatusPending

	data, err := json.Marshal(job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobRetention)
	pipe.RPush(ctx, jobQueueKey, job.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to submit job: %w", err)
	}

	q.logger.Info("Deletion job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("entity_set_id", job.EntitySetID.String()),
		zap.Int("entities", len(job.EntityKeyIDs)))
	return job.ID, nil
}

// NextJob moves the oldest queued job to the taken list, blocking up to timeout
func (q *RedisJobQueue) NextJob(ctx context.Context, timeout time.Duration) (*model.DeletionJob, error) {
	raw, err := q.client.BLMove(ctx, jobQueueKey, jobTakenKey, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take job: %w", err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		q.client.LRem(ctx, jobTakenKey, 0, raw)
		return nil, fmt.Errorf("malformed job id %q: %w", raw, err)
	}
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.logger.Warn("Queued job has no state, skipping", zap.String("job_id", id.String()))
		q.client.LRem(ctx, jobTakenKey, 0, raw)
		return nil, nil
	}
	return job, err
}

// UpdateJob overwrites the job state. Finished jobs leave the taken list.
func (q *RedisJobQueue) UpdateJob(ctx context.Context, job *model.DeletionJob) error {
	stampJob(job)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobRetention)
	if job.Status == model.JobStatusCompleted || job.Status == model.JobStatusFailed {
		pipe.LRem(ctx, jobTakenKey, 0, job.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// RequeueStale moves taken jobs whose state was last updated before cutoff back
// to the head of the queue
func (q *RedisJobQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	taken, err := q.client.LRange(ctx, jobTakenKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list taken jobs: %w", err)
	}

	requeued := 0
	for _, raw := range taken {
		id, err := uuid.Parse(raw)
		if err != nil {
			q.client.LRem(ctx, jobTakenKey, 0, raw)
			continue
		}
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.client.LRem(ctx, jobTakenKey, 0, raw)
			continue
		}
		if err != nil {
			return requeued, err
		}
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}

		// LREM first so two runners reclaiming at once requeue the job only once
		removed, err := q.client.LRem(ctx, jobTakenKey, 1, raw).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to reclaim job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, jobQueueKey, raw).Err(); err != nil {
			return requeued, fmt.Errorf("failed to requeue job: %w", err)
		}
		requeued++
		q.logger.Warn("Requeued stale deletion job",
			zap.String("job_id", raw),
			zap.String("status", string(job.Status)),
			zap.Time("updated_at", job.UpdatedAt))
	}
	return requeued, nil
}

// GetJob reads the job state
func (q *RedisJobQueue) GetJob(ctx context.Context, id uuid.UUID) (*model.DeletionJob, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job model.DeletionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Ping checks the Redis connection
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the client is shared with the lease store which owns it
func (q *RedisJobQueue) Close() error {
	return nil
}
