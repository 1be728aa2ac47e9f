package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

// RetryJob resets a failed job below its retry cap back to pending and
// re-enters it into the grouping path. A job at the cap, or one that is
// not in the failed state, is rejected with ErrInvalidState.
func (s *Scheduler) RetryJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed {
		return nil, fmt.Errorf("retry of %s job %s: %w", j.Status, id, store.ErrInvalidState)
	}
	if j.RetryCount >= j.MaxRetries {
		return nil, fmt.Errorf("retry cap reached for job %s (%d/%d): %w",
			id, j.RetryCount, j.MaxRetries, store.ErrInvalidState)
	}

	j.WorkerID = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""
	j.RetryCount++

	// queueLocked re-groups the job and moves it to pending.
	if _, err := s.queueLocked(ctx, j); err != nil {
		return nil, err
	}
	s.metrics.JobRetried()
	return j, nil
}

// CancelJob transitions a non-terminal job to cancelled and releases
// its worker assignment if any. Terminal jobs are rejected.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("cancel of %s job %s: %w", j.Status, id, store.ErrInvalidState)
	}

	if j.WorkerID != "" {
		err := s.store.Complete(ctx, j.ID, j.WorkerID)
		if err != nil && !errors.Is(err, store.ErrInvalidState) && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("release worker %s: %w", j.WorkerID, err)
		}
	}

	now := job.Now()
	j.Status = job.StatusCancelled
	j.WorkerID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	s.metrics.JobCancelled()

	if err := s.ReconcileGroup(ctx, j); err != nil {
		s.log.Warn("reconcile group after cancel",
			zap.String("job_id", j.ID), zap.Error(err))
	}
	return j, nil
}
