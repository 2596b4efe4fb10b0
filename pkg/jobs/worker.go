package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/metrics"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

// Finalizer runs the finalize pipeline for one batch.
type Finalizer interface {
	FinalizeBatch(ctx context.Context, batchID string) (Outcome, error)
}

// WorkerPool processes queued finalize jobs using a pool of goroutines.
type WorkerPool struct {
	store     *JobStore
	finalizer Finalizer
	cfg       *JobConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	isLeader  func() bool
	wg        sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. m may be nil.
func NewWorkerPool(store *JobStore, finalizer Finalizer, cfg *JobConfig, m *metrics.Metrics, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:     store,
		finalizer: finalizer,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// WithLeaderCheck restricts stuck-job recovery and retention to replicas
// for which isLeader reports true. Claiming runs on every replica.
func (wp *WorkerPool) WithLeaderCheck(isLeader func() bool) *WorkerPool {
	wp.isLeader = isLeader
	return wp
}

// Run starts cfg.Concurrency workers and the cleanup loop. It blocks until
// ctx is cancelled, then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Info("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Info("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			wp.processOne(ctx, workerID)
		}
	}
}

// processOne claims and runs a single job. It reports whether a job was found.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	wp.logger.Info("processing job",
		"workerID", workerID,
		"jobID", job.ID,
		"batchID", job.BatchID,
		"attempt", job.AttemptCount)

	start := time.Now()
	out, err := wp.finalizer.FinalizeBatch(ctx, job.BatchID)
	if err != nil {
		retryable := isRetryable(err)
		wp.logger.Error("job failed",
			"workerID", workerID,
			"jobID", job.ID,
			"retryable", retryable,
			"error", err)
		if failErr := wp.store.Fail(ctx, job.ID, err.Error(), retryable, wp.cfg.MaxRetries); failErr != nil {
			wp.logger.Error("failed to mark job as failed", "jobID", job.ID, "error", failErr)
		}
		if retryable && job.AttemptCount < wp.cfg.MaxRetries {
			wp.metrics.JobProcessed("retried")
		} else {
			wp.metrics.JobProcessed(string(JobStateFailed))
		}
		return true
	}

	elapsed := time.Since(start)
	wp.logger.Info("job completed",
		"workerID", workerID,
		"jobID", job.ID,
		"merkleRoot", out.MerkleRoot,
		"contentID", out.ContentID,
		"duration", elapsed.String())

	if err := wp.store.Complete(ctx, job.ID, out, elapsed.Milliseconds()); err != nil {
		wp.logger.Error("failed to mark job as complete", "jobID", job.ID, "error", err)
	}
	wp.metrics.JobProcessed(string(JobStateSucceeded))
	return true
}

// isRetryable reports whether a later attempt may succeed: publish outages
// and write-backs that lost a race with a new reading.
func isRetryable(err error) bool {
	return errors.Is(err, publisher.ErrPublishFailed) ||
		errors.Is(err, batch.ErrConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// cleanupLoop periodically recovers stuck jobs and deletes old terminal ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.cleanup(ctx)
		}
	}
}

func (wp *WorkerPool) cleanup(ctx context.Context) {
	if wp.isLeader != nil && !wp.isLeader() {
		return
	}
	if wp.cfg.ClaimTimeout > 0 {
		recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if recovered > 0 {
			wp.logger.Info("recovered stuck jobs", "count", recovered)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
