package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

// ReconcileGroup re-derives the aggregate status of the group holding
// the job after the job reaches a terminal state. Surviving pending
// members re-open the group for assignment; a fully terminal
// membership closes the group so the next submission for the
// (org, app version) pair starts a fresh one.
func (s *Scheduler) ReconcileGroup(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.FindActiveGroup(ctx, j.Payload.OrgID, j.Payload.AppVersionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active group: %w", err)
	}
	if !containsID(g.Jobs, j.ID) {
		return nil
	}
	return s.reconcileGroupLocked(ctx, g)
}

func (s *Scheduler) reconcileGroupLocked(ctx context.Context, g *job.Group) error {
	jobs, err := s.store.JobsByGroup(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("load group jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	next := aggregateStatus(jobs)
	if next == g.Status {
		return nil
	}
	g.Status = next
	if next == job.StatusPending || next.Terminal() {
		g.AssignedWorker = ""
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return fmt.Errorf("update group %s: %w", g.ID, err)
	}
	s.log.Debug("group status reconciled",
		zap.String("group_id", g.ID),
		zap.String("status", string(next)))
	return nil
}

// aggregateStatus folds member statuses into the group's: any pending
// member re-opens the group, in-flight members keep it queued, and a
// fully terminal membership closes it with the worst member outcome.
func aggregateStatus(jobs []*job.Job) job.Status {
	var pending, active, failed, cancelled bool
	for _, j := range jobs {
		switch {
		case j.Status == job.StatusPending:
			pending = true
		case !j.Status.Terminal():
			active = true
		case j.Status == job.StatusFailed:
			failed = true
		case j.Status == job.StatusCancelled:
			cancelled = true
		}
	}
	switch {
	case pending:
		return job.StatusPending
	case active:
		return job.StatusQueued
	case failed:
		return job.StatusFailed
	case cancelled:
		return job.StatusCancelled
	default:
		return job.StatusCompleted
	}
}
