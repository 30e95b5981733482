package client

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
)

func jobQueues(t *testing.T) map[string]JobQueue {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]JobQueue{
		"memory": NewInMemoryJobQueue(16),
		"redis":  NewRedisJobQueue(rdb, zap.NewNop()),
	}
}

func TestJobQueue_SubmitAndNext(t *testing.T) {
	for name, q := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			esID := uuid.New()
			keys := []uuid.UUID{uuid.New(), uuid.New()}

			id, err := q.SubmitJob(ctx, &model.DeletionJob{
				EntitySetID:  esID,
				EntityKeyIDs: keys,
				DeleteType:   model.DeleteHard,
			})
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, id)

			job, err := q.NextJob(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, id, job.ID)
			assert.Equal(t, esID, job.EntitySetID)
			assert.Equal(t, keys, job.EntityKeyIDs)
			assert.Equal(t, model.JobStatusPending, job.Status)

			job.Status = model.JobStatusCompleted
			job.Deleted = 2
			require.NoError(t, q.UpdateJob(ctx, job))

			stored, err := q.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, stored.Status)
			assert.Equal(t, 2, stored.Deleted)
		})
	}
}

func TestJobQueue_NextTimesOut(t *testing.T) {
	for name, q := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			job, err := q.NextJob(context.Background(), time.Second)
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestJobQueue_GetUnknown(t *testing.T) {
	for name, q := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.GetJob(context.Background(), uuid.New())
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestJobQueue_KeepsCallerTimestamps(t *testing.T) {
	for name, q := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			id, err := q.SubmitJob(ctx, &model.DeletionJob{
				EntitySetID: uuid.New(),
				DeleteType:  model.DeleteSoft,
				CreatedAt:   created,
				UpdatedAt:   created,
			})
			require.NoError(t, err)

			stored, err := q.GetJob(ctx, id)
			require.NoError(t, err)
			assert.True(t, created.Equal(stored.CreatedAt))
			assert.True(t, created.Equal(stored.UpdatedAt))

			finished := created.Add(time.Minute)
			stored.Status = model.JobStatusCompleted
			stored.UpdatedAt = finished
			require.NoError(t, q.UpdateJob(ctx, stored))

			stored, err = q.GetJob(ctx, id)
			require.NoError(t, err)
			assert.True(t, created.Equal(stored.CreatedAt))
			assert.True(t, finished.Equal(stored.UpdatedAt))
		})
	}
}

func TestJobQueue_FillsMissingTimestamps(t *testing.T) {
	for name, q := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before := time.Now().UTC()

			id, err := q.SubmitJob(ctx, &model.DeletionJob{EntitySetID: uuid.New(), DeleteType: model.DeleteSoft})
			require.NoError(t, err)

			stored, err := q.GetJob(ctx, id)
			require.NoError(t, err)
			assert.False(t, stored.CreatedAt.Before(before.Truncate(time.Second)))
			assert.False(t, stored.UpdatedAt.IsZero())
		})
	}
}

func newRedisJobQueue(t *testing.T) (*RedisJobQueue, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisJobQueue(rdb, zap.NewNop()), rdb
}

func TestRedisJobQueue_TakenJobSurvivesRunnerCrash(t *testing.T) {
	q, rdb := newRedisJobQueue(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := q.SubmitJob(ctx, &model.DeletionJob{
		EntitySetID: uuid.New(),
		DeleteType:  model.DeleteHard,
		CreatedAt:   created,
		UpdatedAt:   created,
	})
	require.NoError(t, err)

	job, err := q.NextJob(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	job.Status = model.JobStatusRunning
	require.NoError(t, q.UpdateJob(ctx, job))

	// The runner dies here without recording an outcome
	assert.Equal(t, []string{id.String()}, rdb.LRange(ctx, jobTakenKey, 0, -1).Val())
	assert.Zero(t, rdb.LLen(ctx, jobQueueKey).Val())

	n, err := q.RequeueStale(ctx, created.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "jobs updated after the cutoff stay taken")

	n, err = q.RequeueStale(ctx, created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, rdb.LLen(ctx, jobTakenKey).Val())

	again, err := q.NextJob(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, model.JobStatusRunning, again.Status)

	again.Status = model.JobStatusCompleted
	require.NoError(t, q.UpdateJob(ctx, again))
	assert.Zero(t, rdb.LLen(ctx, jobTakenKey).Val())

	n, err = q.RequeueStale(ctx, created.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisJobQueue_RequeueDropsJobsWithoutState(t *testing.T) {
	q, rdb := newRedisJobQueue(t)
	ctx := context.Background()

	orphan := uuid.NewString()
	require.NoError(t, rdb.RPush(ctx, jobTakenKey, orphan, "not-a-uuid").Err())

	n, err := q.RequeueStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rdb.LLen(ctx, jobTakenKey).Val())
	assert.Zero(t, rdb.LLen(ctx, jobQueueKey).Val())
}
