package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qualgent/qgjob/internal/job"
)

// Memory is the in-memory backend. One mutex guards the three maps; it
// is only held across pointer manipulation, never across I/O. Entities
// are cloned on the way in and out so callers cannot mutate stored
// state by aliasing.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	groups  map[string]*job.Group
	workers map[string]*job.Worker
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*job.Job),
		groups:  make(map[string]*job.Group),
		workers: make(map[string]*job.Worker),
	}
}

// Name identifies the backend.
func (m *Memory) Name() string { return "memory" }

// Close is a no-op for the in-memory backend.
func (m *Memory) Close() error { return nil }

// AddJob stores a new job.
func (m *Memory) AddJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob returns the job or ErrNotFound.
func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

// UpdateJob overwrites an existing job. Unknown ids are ignored, matching
// the add-then-update calling pattern of the scheduler.
func (m *Memory) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		m.jobs[j.ID] = j.Clone()
	}
	return nil
}

// DeleteJob removes a job, returning ErrNotFound for unknown ids.
func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	delete(m.jobs, id)
	return nil
}

// ListJobs returns jobs matching the filter.
func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if matchJob(j, f) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// JobsByStatus returns all jobs in the given status.
func (m *Memory) JobsByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return m.ListJobs(ctx, JobFilter{Status: status})
}

// JobsByGroup returns the jobs referenced by a group, in group order.
func (m *Memory) JobsByGroup(_ context.Context, groupID string) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	var out []*job.Job
	for _, id := range g.Jobs {
		if j, ok := m.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// AddGroup stores a new group.
func (m *Memory) AddGroup(_ context.Context, g *job.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g.Clone()
	return nil
}

// GetGroup returns the group or ErrNotFound.
func (m *Memory) GetGroup(_ context.Context, id string) (*job.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

// UpdateGroup overwrites an existing group.
func (m *Memory) UpdateGroup(_ context.Context, g *job.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		m.groups[g.ID] = g.Clone()
	}
	return nil
}

// ListGroups returns groups matching the filter.
func (m *Memory) ListGroups(_ context.Context, f GroupFilter) ([]*job.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Group
	for _, g := range m.groups {
		if matchGroup(g, f) {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

// FindActiveGroup returns the non-terminal group for the pair, or ErrNotFound.
func (m *Memory) FindActiveGroup(_ context.Context, orgID, appVersionID string) (*job.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.OrgID == orgID && g.AppVersionID == appVersionID && !g.Status.Terminal() {
			return g.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active group for %s/%s: %w", orgID, appVersionID, ErrNotFound)
}

// AddWorker stores a new worker.
func (m *Memory) AddWorker(_ context.Context, w *job.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w.Clone()
	return nil
}

// GetWorker returns the worker or ErrNotFound.
func (m *Memory) GetWorker(_ context.Context, id string) (*job.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

// UpdateWorker overwrites an existing worker.
func (m *Memory) UpdateWorker(_ context.Context, w *job.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; ok {
		m.workers[w.ID] = w.Clone()
	}
	return nil
}

// ListWorkers returns workers matching the filter.
func (m *Memory) ListWorkers(_ context.Context, f WorkerFilter) ([]*job.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Worker
	for _, w := range m.workers {
		if matchWorker(w, f) {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// AvailableWorkers returns idle workers accepting the target with no held jobs.
func (m *Memory) AvailableWorkers(_ context.Context, target job.Target) ([]*job.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Worker
	for _, w := range m.workers {
		if w.Accepts(target) && w.Status == job.WorkerIdle && len(w.CurrentJobs) == 0 {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// Assign moves a job onto a worker in one critical section.
func (m *Memory) Assign(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if w.Status == job.WorkerOffline {
		return fmt.Errorf("assign to offline worker %s: %w", workerID, ErrInvalidState)
	}

	if !w.Holds(jobID) {
		w.CurrentJobs = append(w.CurrentJobs, jobID)
	}
	w.Status = job.WorkerBusy
	j.WorkerID = workerID
	j.Status = job.StatusQueued
	j.UpdatedAt = job.Now()
	return nil
}

// Complete releases a job from a worker's held set in one critical section.
func (m *Memory) Complete(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if !w.Holds(jobID) {
		return fmt.Errorf("job %s not held by worker %s: %w", jobID, workerID, ErrInvalidState)
	}

	held := w.CurrentJobs[:0]
	for _, id := range w.CurrentJobs {
		if id != jobID {
			held = append(held, id)
		}
	}
	w.CurrentJobs = held
	if len(w.CurrentJobs) == 0 && w.Status != job.WorkerOffline {
		w.Status = job.WorkerIdle
	}
	return nil
}

// QueueStats returns counters across all entities.
func (m *Memory) QueueStats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{
		TotalJobs:    len(m.jobs),
		TotalGroups:  len(m.groups),
		TotalWorkers: len(m.workers),
	}
	for _, j := range m.jobs {
		stats.Count(j.Status)
	}
	for _, w := range m.workers {
		switch w.Status {
		case job.WorkerIdle:
			stats.IdleWorkers++
		case job.WorkerBusy:
			stats.BusyWorkers++
		}
	}
	return stats, nil
}

// CleanupJobs deletes terminal jobs completed before the horizon.
func (m *Memory) CleanupJobs(_ context.Context, horizon time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(horizon) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}
