// Package store provides the repository layer for jobs, groups, and
// workers. Three interchangeable backends implement the same contract:
// an in-memory map store, a Redis store, and a SQLite store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/qualgent/qgjob/internal/job"
)

var (
	// ErrNotFound is returned when a lookup id is absent. Callers treat
	// it as a normal signal, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidState is returned when a compound operation's
	// preconditions do not hold, e.g. assigning to an offline worker.
	ErrInvalidState = errors.New("invalid state")
)

// JobFilter selects jobs in List calls. Zero-valued fields match everything.
type JobFilter struct {
	OrgID        string
	Status       job.Status
	AppVersionID string
}

// GroupFilter selects groups in List calls.
type GroupFilter struct {
	OrgID  string
	Status job.Status
}

// WorkerFilter selects workers in List calls.
type WorkerFilter struct {
	Target job.Target
	Status job.WorkerStatus
}

// Stats holds queue-level counters across all entities.
type Stats struct {
	TotalJobs    int `json:"total_jobs"`
	Pending      int `json:"pending"`
	Queued       int `json:"queued"`
	Running      int `json:"running"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	TotalGroups  int `json:"total_groups"`
	TotalWorkers int `json:"total_workers"`
	IdleWorkers  int `json:"idle_workers"`
	BusyWorkers  int `json:"busy_workers"`
}

// Count increments the counter matching a job status.
func (s *Stats) Count(st job.Status) {
	switch st {
	case job.StatusPending:
		s.Pending++
	case job.StatusQueued:
		s.Queued++
	case job.StatusRunning:
		s.Running++
	case job.StatusCompleted:
		s.Completed++
	case job.StatusFailed:
		s.Failed++
	case job.StatusCancelled:
		s.Cancelled++
	}
}

// Store is the repository contract shared by all backends. Every method
// is safe for concurrent use and atomic with respect to other calls;
// Assign and Complete in particular are single critical sections.
type Store interface {
	// Job operations.
	AddJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpdateJob(ctx context.Context, j *job.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error)
	JobsByStatus(ctx context.Context, status job.Status) ([]*job.Job, error)
	JobsByGroup(ctx context.Context, groupID string) ([]*job.Job, error)

	// Group operations.
	AddGroup(ctx context.Context, g *job.Group) error
	GetGroup(ctx context.Context, id string) (*job.Group, error)
	UpdateGroup(ctx context.Context, g *job.Group) error
	ListGroups(ctx context.Context, f GroupFilter) ([]*job.Group, error)

	// FindActiveGroup returns the unique non-terminal group for the
	// (org, app version) pair, or ErrNotFound when none exists.
	FindActiveGroup(ctx context.Context, orgID, appVersionID string) (*job.Group, error)

	// Worker operations.
	AddWorker(ctx context.Context, w *job.Worker) error
	GetWorker(ctx context.Context, id string) (*job.Worker, error)
	UpdateWorker(ctx context.Context, w *job.Worker) error
	ListWorkers(ctx context.Context, f WorkerFilter) ([]*job.Worker, error)

	// AvailableWorkers returns idle workers with empty held-job sets
	// that accept the given target.
	AvailableWorkers(ctx context.Context, target job.Target) ([]*job.Worker, error)

	// Assign appends the job to the worker's held set, marks the worker
	// busy, and moves the job to queued with the worker recorded.
	Assign(ctx context.Context, jobID, workerID string) error

	// Complete removes the job from the worker's held set and returns
	// the worker to idle when the set empties.
	Complete(ctx context.Context, jobID, workerID string) error

	// QueueStats returns counters across all entities.
	QueueStats(ctx context.Context) (*Stats, error)

	// CleanupJobs deletes terminal jobs completed before the horizon
	// and returns the number removed.
	CleanupJobs(ctx context.Context, horizon time.Time) (int, error)

	// Name identifies the backend ("memory", "redis", "sqlite").
	Name() string

	Close() error
}

// matchJob applies a JobFilter outside of SQL-backed stores.
func matchJob(j *job.Job, f JobFilter) bool {
	if f.OrgID != "" && j.Payload.OrgID != f.OrgID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.AppVersionID != "" && j.Payload.AppVersionID != f.AppVersionID {
		return false
	}
	return true
}

func matchGroup(g *job.Group, f GroupFilter) bool {
	if f.OrgID != "" && g.OrgID != f.OrgID {
		return false
	}
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	return true
}

func matchWorker(w *job.Worker, f WorkerFilter) bool {
	if f.Target != "" && !w.Accepts(f.Target) {
		return false
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	return true
}
