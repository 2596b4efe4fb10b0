package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a finalize job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// FinalizeJob is the GORM model for an asynchronous batch finalize.
type FinalizeJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	BatchID        string     `gorm:"column:batch_id;type:varchar(100);index:idx_job_batch_state,priority:1;not null"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_job_batch_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;uniqueIndex:idx_job_idemp_key"`
	MerkleRoot     string     `gorm:"column:merkle_root;type:varchar(64)"`
	ContentID      string     `gorm:"column:content_id;type:varchar(255)"`
	LeafCount      int        `gorm:"column:leaf_count"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (FinalizeJob) TableName() string { return "finalize_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *FinalizeJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}
