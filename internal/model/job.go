package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an asynchronous job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DeletionJob is a bulk delete executed outside the caller's request
type DeletionJob struct {
	ID           uuid.UUID   `json:"id"`
	EntitySetID  uuid.UUID   `json:"entity_set_id"`
	EntityKeyIDs []uuid.UUID `json:"entity_key_ids,omitempty"`
	DeleteType   DeleteType  `json:"delete_type"`
	Status       JobStatus   `json:"status"`
	Deleted      int         `json:"deleted"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// WholeEntitySet reports whether the job targets every entity of the set
func (j *DeletionJob) WholeEntitySet() bool {
	return len(j.EntityKeyIDs) == 0
}
