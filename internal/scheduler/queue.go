package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

// QueueJob places a freshly stored job into its group: the active group
// for the (org, app version) pair when one exists, otherwise a new
// pending group seeded with this job. Mutually exclusive with the
// sweep's assignment phase.
func (s *Scheduler) QueueJob(ctx context.Context, j *job.Job) (*job.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLocked(ctx, j)
}

func (s *Scheduler) queueLocked(ctx context.Context, j *job.Job) (*job.Group, error) {
	g, err := s.store.FindActiveGroup(ctx, j.Payload.OrgID, j.Payload.AppVersionID)
	switch {
	case err == nil:
		if !containsID(g.Jobs, j.ID) {
			g.Jobs = append(g.Jobs, j.ID)
			if err := s.store.UpdateGroup(ctx, g); err != nil {
				return nil, fmt.Errorf("append to group %s: %w", g.ID, err)
			}
		}
	case errors.Is(err, store.ErrNotFound):
		g = job.NewGroup(j.Payload.OrgID, j.Payload.AppVersionID, j.ID)
		if err := s.store.AddGroup(ctx, g); err != nil {
			return nil, fmt.Errorf("create group: %w", err)
		}
	default:
		return nil, fmt.Errorf("find active group: %w", err)
	}

	j.Status = job.StatusPending
	j.UpdatedAt = job.Now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("update job %s: %w", j.ID, err)
	}

	s.log.Debug("job grouped",
		zap.String("job_id", j.ID),
		zap.String("group_id", g.ID),
		zap.Int("group_size", len(g.Jobs)))
	return g, nil
}

// NextJobForWorker returns the highest-priority queued job assigned to
// the worker, or nil when none is waiting. It does not mutate anything,
// so back-to-back heartbeats see the same answer.
func (s *Scheduler) NextJobForWorker(ctx context.Context, w *job.Worker) (*job.Job, error) {
	queued, err := s.store.JobsByStatus(ctx, job.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}

	var eligible []*job.Job
	for _, j := range queued {
		if j.WorkerID == w.ID && w.Accepts(j.Payload.Target) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, k int) bool {
		wi, wk := eligible[i].Payload.Priority.Weight(), eligible[k].Payload.Priority.Weight()
		if wi != wk {
			return wi > wk
		}
		return eligible[i].CreatedAt.Before(eligible[k].CreatedAt)
	})
	return eligible[0], nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
