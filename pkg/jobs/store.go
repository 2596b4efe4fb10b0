package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spinachchain/spinachchain/pkg/pagination"
)

var (
	// ErrJobNotFound is returned by Cancel when the job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancelable is returned by Cancel for jobs that already left the queue.
	ErrNotCancelable = errors.New("only queued jobs can be canceled")
)

// JobStore provides database operations for finalize jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the finalize_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&FinalizeJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	BatchID     string
	State       string
	RequestedBy string
}

// EnqueueFinalize queues a finalize for batchID keyed on the batch id, so a
// second request while one is pending returns the pending job.
func (s *JobStore) EnqueueFinalize(ctx context.Context, batchID, requestedBy string) (*FinalizeJob, error) {
	return s.Enqueue(ctx, &FinalizeJob{
		BatchID:        batchID,
		RequestedBy:    requestedBy,
		IdempotencyKey: &batchID,
	})
}

// Enqueue creates a new queued job. If the idempotency key is set and a
// non-terminal job with the same key exists, the existing job is returned
// instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *FinalizeJob) (*FinalizeJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	db := s.db.WithContext(ctx)

	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	var result *FinalizeJob
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing FinalizeJob
		err := tx.Where("idempotency_key = ? AND state IN ?", *job.IdempotencyKey,
			[]JobState{JobStateQueued, JobStateRunning}).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Terminal jobs give up their key so the unique index admits the new one.
		if err := tx.Model(&FinalizeJob{}).
			Where("idempotency_key = ? AND state IN ?", *job.IdempotencyKey,
				[]JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}).
			Update("idempotency_key", nil).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		// Another transaction may have created the job between check and create.
		var raced FinalizeJob
		lookupErr := db.Where("idempotency_key = ? AND state IN ?", *job.IdempotencyKey,
			[]JobState{JobStateQueued, JobStateRunning}).First(&raced).Error
		if lookupErr == nil {
			return &raced, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to running.
// PostgreSQL claims with FOR UPDATE SKIP LOCKED so workers never contend for
// the same row. Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*FinalizeJob, error) {
	var job FinalizeJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Raw(`
				SELECT * FROM finalize_jobs
				WHERE state = ? AND attempt_count < ?
				ORDER BY requested_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			`, JobStateQueued, maxRetries).Scan(&job).Error; err != nil {
				return err
			}
		} else {
			err := tx.Where("state = ? AND attempt_count < ?", JobStateQueued, maxRetries).
				Order("requested_at ASC").
				Limit(1).
				Find(&job).Error
			if err != nil {
				return err
			}
		}

		if job.ID == "" {
			return nil
		}

		now := time.Now().UTC()
		res := tx.Model(&FinalizeJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job = FinalizeJob{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Outcome is what a successful finalize produced.
type Outcome struct {
	MerkleRoot string
	ContentID  string
	LeafCount  int
}

// Complete marks a job as succeeded.
func (s *JobStore) Complete(ctx context.Context, jobID string, out Outcome, durationMs int64) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&FinalizeJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       JobStateSucceeded,
		"finished_at": now,
		"merkle_root": out.MerkleRoot,
		"content_id":  out.ContentID,
		"leaf_count":  out.LeafCount,
		"duration_ms": durationMs,
		"message":     fmt.Sprintf("Finalized %d readings", out.LeafCount),
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left
// re-queues the job; anything else moves it to failed.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, retryable bool, maxRetries int) error {
	db := s.db.WithContext(ctx)
	var job FinalizeJob
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": time.Now().UTC(),
	}
	switch {
	case retryable && job.AttemptCount < maxRetries:
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	case retryable:
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	default:
		updates["state"] = JobStateFailed
		updates["message"] = errMsg
	}

	if err := db.Model(&FinalizeJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Cancel marks a queued job as canceled. Running jobs cannot be canceled.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&FinalizeJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": time.Now().UTC(),
			"message":     "Canceled by user",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var job FinalizeJob
		if err := db.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return fmt.Errorf("check job: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s", ErrNotCancelable, jobID, job.State)
	}
	return nil
}

// Get retrieves a job by ID. It returns nil when the job does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*FinalizeJob, error) {
	var job FinalizeJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]FinalizeJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&FinalizeJob{})
		if filter.BatchID != "" {
			q = q.Where("batch_id = ?", filter.BatchID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := pagination.Newest(buildQuery(db), "requested_at").Limit(pageSize + 1)
	if pageToken != "" {
		c, err := pagination.Decode(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		query = pagination.After(query, "requested_at", c)
	}

	var records []FinalizeJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Cursor{At: last.RequestedAt, ID: last.ID}.Encode()
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs whose started_at is older than
// claimTimeout back to queued.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&FinalizeJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("state IN ? AND finished_at < ?",
		[]JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}, cutoff).
		Delete(&FinalizeJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
