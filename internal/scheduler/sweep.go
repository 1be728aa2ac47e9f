package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

// Sweep runs one scheduling pass: assignment, worker liveness, job
// timeouts, then a gauge refresh. Phase errors are logged and never
// propagated; a bad tick must not stop the loop.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()

	if err := s.assignPending(ctx); err != nil {
		s.log.Error("assignment phase", zap.Error(err))
	}
	if err := s.reapStaleWorkers(ctx); err != nil {
		s.log.Error("liveness phase", zap.Error(err))
	}
	if err := s.failTimedOutJobs(ctx); err != nil {
		s.log.Error("job timeout phase", zap.Error(err))
	}

	if stats, err := s.store.QueueStats(ctx); err == nil {
		s.metrics.UpdateQueue(stats)
	}
	s.metrics.ObserveSweep(time.Since(start).Seconds())
}

// assignPending hands pending groups to available workers, highest
// group priority first, ties broken by creation time. A group's
// priority is the maximum of its member jobs' priorities.
func (s *Scheduler) assignPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.store.ListGroups(ctx, store.GroupFilter{Status: job.StatusPending})
	if err != nil {
		return fmt.Errorf("list pending groups: %w", err)
	}

	type candidate struct {
		group  *job.Group
		jobs   []*job.Job
		weight int
	}
	var pending []candidate
	for _, g := range groups {
		jobs, err := s.store.JobsByGroup(ctx, g.ID)
		if err != nil {
			s.log.Warn("load group jobs", zap.String("group_id", g.ID), zap.Error(err))
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		weight := 0
		for _, j := range jobs {
			if w := j.Payload.Priority.Weight(); w > weight {
				weight = w
			}
		}
		pending = append(pending, candidate{group: g, jobs: jobs, weight: weight})
	}

	sort.SliceStable(pending, func(i, k int) bool {
		if pending[i].weight != pending[k].weight {
			return pending[i].weight > pending[k].weight
		}
		return pending[i].group.CreatedAt.Before(pending[k].group.CreatedAt)
	})

	for _, c := range pending {
		// The group shares one (org, app version) pair; the first job
		// decides the required target.
		target := c.jobs[0].Payload.Target

		workers, err := s.store.AvailableWorkers(ctx, target)
		if err != nil {
			return fmt.Errorf("available workers for %s: %w", target, err)
		}
		if len(workers) == 0 {
			continue
		}
		sort.Slice(workers, func(i, k int) bool { return workers[i].ID < workers[k].ID })
		w := workers[0]

		assigned := 0
		for _, j := range c.jobs {
			if j.Status != job.StatusPending {
				continue
			}
			if err := s.store.Assign(ctx, j.ID, w.ID); err != nil {
				s.log.Warn("assign job",
					zap.String("job_id", j.ID),
					zap.String("worker_id", w.ID),
					zap.Error(err))
				continue
			}
			assigned++
		}
		if assigned == 0 {
			continue
		}

		c.group.Status = job.StatusQueued
		c.group.AssignedWorker = w.ID
		if err := s.store.UpdateGroup(ctx, c.group); err != nil {
			s.log.Warn("update group", zap.String("group_id", c.group.ID), zap.Error(err))
			continue
		}
		s.log.Info("group assigned",
			zap.String("group_id", c.group.ID),
			zap.String("worker_id", w.ID),
			zap.Int("jobs", assigned))
	}
	return nil
}

// reapStaleWorkers marks workers past the heartbeat window offline and
// releases their held jobs: back to pending with the retry counter
// bumped, or failed once the cap is reached.
func (s *Scheduler) reapStaleWorkers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers, err := s.store.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	cutoff := job.Now().Add(-s.cfg.WorkerTimeout)
	for _, w := range workers {
		if w.Status == job.WorkerOffline || w.LastHeartbeat.After(cutoff) {
			continue
		}
		s.log.Warn("worker missed heartbeat window",
			zap.String("worker_id", w.ID),
			zap.Time("last_heartbeat", w.LastHeartbeat),
			zap.Int("held_jobs", len(w.CurrentJobs)))

		for _, id := range w.CurrentJobs {
			j, err := s.store.GetJob(ctx, id)
			if err != nil {
				s.log.Warn("load held job", zap.String("job_id", id), zap.Error(err))
				continue
			}
			if j.Status != job.StatusQueued && j.Status != job.StatusRunning {
				continue
			}

			now := job.Now()
			j.WorkerID = ""
			j.StartedAt = nil
			j.RetryCount++
			j.UpdatedAt = now
			if j.RetryCount >= j.MaxRetries {
				j.Status = job.StatusFailed
				j.ErrorMessage = "max retries exceeded due to worker failures"
				j.CompletedAt = &now
				s.metrics.JobFailed()
			} else {
				j.Status = job.StatusPending
				s.metrics.JobRetried()
			}
			if err := s.store.UpdateJob(ctx, j); err != nil {
				s.log.Warn("release held job", zap.String("job_id", id), zap.Error(err))
			}
		}

		// The held set mirrors the queued/running jobs, which were all
		// just released, so it empties with the worker going offline.
		w.Status = job.WorkerOffline
		w.CurrentJobs = []string{}
		if err := s.store.UpdateWorker(ctx, w); err != nil {
			s.log.Warn("mark worker offline", zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		s.releaseWorkerGroups(ctx, w.ID)
	}
	return nil
}

// releaseWorkerGroups re-derives the status of every group held by a
// lost worker: surviving jobs re-open the group for assignment, fully
// terminal memberships close it.
func (s *Scheduler) releaseWorkerGroups(ctx context.Context, workerID string) {
	groups, err := s.store.ListGroups(ctx, store.GroupFilter{})
	if err != nil {
		s.log.Warn("list groups for released worker", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	for _, g := range groups {
		if g.AssignedWorker != workerID || g.Status.Terminal() {
			continue
		}
		if err := s.reconcileGroupLocked(ctx, g); err != nil {
			s.log.Warn("reconcile released group", zap.String("group_id", g.ID), zap.Error(err))
		}
	}
}

// failTimedOutJobs fails running jobs whose start time is past the job
// timeout and frees their worker slot.
func (s *Scheduler) failTimedOutJobs(ctx context.Context) error {
	running, err := s.store.JobsByStatus(ctx, job.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}

	cutoff := job.Now().Add(-s.cfg.JobTimeout)
	for _, j := range running {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}

		now := job.Now()
		j.Status = job.StatusFailed
		j.ErrorMessage = "job execution timeout"
		j.CompletedAt = &now
		j.UpdatedAt = now
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.log.Warn("fail timed out job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		if j.WorkerID != "" {
			if err := s.store.Complete(ctx, j.ID, j.WorkerID); err != nil {
				s.log.Debug("release timed out job",
					zap.String("job_id", j.ID),
					zap.String("worker_id", j.WorkerID),
					zap.Error(err))
			}
		}
		s.metrics.JobFailed()
		s.log.Warn("job execution timeout",
			zap.String("job_id", j.ID),
			zap.Timep("started_at", j.StartedAt))

		if err := s.ReconcileGroup(ctx, j); err != nil {
			s.log.Warn("reconcile group", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return nil
}
