package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
)

// The contract tests run against every backend. The Redis backend
// talks to an in-process miniredis so its mutation paths, Assign and
// Complete included, get the same coverage as the local backends.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "qgjob.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mr := miniredis.RunT(t)
	redis, err := NewRedis(context.Background(), "redis://"+mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { redis.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"redis":  redis,
	}
}

func testJob(org, appVersion string, target job.Target, priority job.Priority) *job.Job {
	return job.New(job.Payload{
		OrgID:        org,
		AppVersionID: appVersion,
		TestPath:     "tests/login.spec.js",
		Target:       target,
		Priority:     priority,
	}, 3)
}

func TestJobCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := testJob("qualgent", "v1.2.3", job.TargetEmulator, job.PriorityNormal)

			require.NoError(t, s.AddJob(ctx, j))

			got, err := s.GetJob(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, j.ID, got.ID)
			assert.Equal(t, job.StatusPending, got.Status)
			assert.True(t, j.CreatedAt.Equal(got.CreatedAt))

			got.Status = job.StatusRunning
			started := job.Now()
			got.StartedAt = &started
			require.NoError(t, s.UpdateJob(ctx, got))

			again, err := s.GetJob(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, job.StatusRunning, again.Status)
			require.NotNil(t, again.StartedAt)
			assert.True(t, started.Equal(*again.StartedAt))

			require.NoError(t, s.DeleteJob(ctx, j.ID))
			_, err = s.GetJob(ctx, j.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteJob(ctx, j.ID), ErrNotFound)
		})
	}
}

func TestListJobsFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			b := testJob("qualgent", "v2", job.TargetDevice, job.PriorityHigh)
			c := testJob("acme", "v1", job.TargetEmulator, job.PriorityLow)
			for _, j := range []*job.Job{a, b, c} {
				require.NoError(t, s.AddJob(ctx, j))
			}

			jobs, err := s.ListJobs(ctx, JobFilter{OrgID: "qualgent"})
			require.NoError(t, err)
			assert.Len(t, jobs, 2)

			jobs, err = s.ListJobs(ctx, JobFilter{OrgID: "qualgent", AppVersionID: "v2"})
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, b.ID, jobs[0].ID)

			jobs, err = s.JobsByStatus(ctx, job.StatusPending)
			require.NoError(t, err)
			assert.Len(t, jobs, 3)

			jobs, err = s.JobsByStatus(ctx, job.StatusRunning)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestFindActiveGroup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.FindActiveGroup(ctx, "qualgent", "v1")
			assert.ErrorIs(t, err, ErrNotFound)

			g := job.NewGroup("qualgent", "v1", "job-1")
			require.NoError(t, s.AddGroup(ctx, g))

			got, err := s.FindActiveGroup(ctx, "qualgent", "v1")
			require.NoError(t, err)
			assert.Equal(t, g.ID, got.ID)

			// A queued group is still active for grouping purposes.
			got.Status = job.StatusQueued
			require.NoError(t, s.UpdateGroup(ctx, got))
			_, err = s.FindActiveGroup(ctx, "qualgent", "v1")
			assert.NoError(t, err)

			// A terminal group no longer matches.
			got.Status = job.StatusCompleted
			require.NoError(t, s.UpdateGroup(ctx, got))
			_, err = s.FindActiveGroup(ctx, "qualgent", "v1")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.FindActiveGroup(ctx, "qualgent", "v2")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestJobsByGroup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			b := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			require.NoError(t, s.AddJob(ctx, a))
			require.NoError(t, s.AddJob(ctx, b))

			g := job.NewGroup("qualgent", "v1", a.ID)
			g.Jobs = append(g.Jobs, b.ID)
			require.NoError(t, s.AddGroup(ctx, g))

			jobs, err := s.JobsByGroup(ctx, g.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, a.ID, jobs[0].ID)
			assert.Equal(t, b.ID, jobs[1].ID)

			_, err = s.JobsByGroup(ctx, "group-missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAvailableWorkers(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			idle := job.NewWorker("idle", []job.Target{job.TargetEmulator}, nil)
			wrongTarget := job.NewWorker("device-only", []job.Target{job.TargetDevice}, nil)
			offline := job.NewWorker("offline", []job.Target{job.TargetEmulator}, nil)
			offline.Status = job.WorkerOffline
			for _, w := range []*job.Worker{idle, wrongTarget, offline} {
				require.NoError(t, s.AddWorker(ctx, w))
			}

			available, err := s.AvailableWorkers(ctx, job.TargetEmulator)
			require.NoError(t, err)
			require.Len(t, available, 1)
			assert.Equal(t, idle.ID, available[0].ID)

			workers, err := s.ListWorkers(ctx, WorkerFilter{Target: job.TargetEmulator})
			require.NoError(t, err)
			assert.Len(t, workers, 2)
		})
	}
}

func TestAssignAndComplete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			w := job.NewWorker("rack-1", []job.Target{job.TargetEmulator}, nil)
			require.NoError(t, s.AddJob(ctx, j))
			require.NoError(t, s.AddWorker(ctx, w))

			require.NoError(t, s.Assign(ctx, j.ID, w.ID))

			gotJob, err := s.GetJob(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, job.StatusQueued, gotJob.Status)
			assert.Equal(t, w.ID, gotJob.WorkerID)

			gotWorker, err := s.GetWorker(ctx, w.ID)
			require.NoError(t, err)
			assert.Equal(t, job.WorkerBusy, gotWorker.Status)
			assert.Equal(t, []string{j.ID}, gotWorker.CurrentJobs)

			// Worker drained of jobs goes back to idle.
			require.NoError(t, s.Complete(ctx, j.ID, w.ID))
			gotWorker, err = s.GetWorker(ctx, w.ID)
			require.NoError(t, err)
			assert.Equal(t, job.WorkerIdle, gotWorker.Status)
			assert.Empty(t, gotWorker.CurrentJobs)

			// Completing again violates preconditions.
			assert.ErrorIs(t, s.Complete(ctx, j.ID, w.ID), ErrInvalidState)
		})
	}
}

func TestAssignPreconditions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			require.NoError(t, s.AddJob(ctx, j))

			assert.ErrorIs(t, s.Assign(ctx, j.ID, "worker-missing"), ErrNotFound)

			w := job.NewWorker("gone", []job.Target{job.TargetEmulator}, nil)
			w.Status = job.WorkerOffline
			require.NoError(t, s.AddWorker(ctx, w))
			assert.ErrorIs(t, s.Assign(ctx, j.ID, w.ID), ErrInvalidState)
			assert.ErrorIs(t, s.Assign(ctx, "job-missing", w.ID), ErrNotFound)
		})
	}
}

func TestQueueStats(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pending := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			done := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			done.Status = job.StatusCompleted
			require.NoError(t, s.AddJob(ctx, pending))
			require.NoError(t, s.AddJob(ctx, done))
			require.NoError(t, s.AddGroup(ctx, job.NewGroup("qualgent", "v1", pending.ID)))

			idle := job.NewWorker("idle", []job.Target{job.TargetEmulator}, nil)
			busy := job.NewWorker("busy", []job.Target{job.TargetEmulator}, nil)
			busy.Status = job.WorkerBusy
			busy.CurrentJobs = []string{pending.ID}
			require.NoError(t, s.AddWorker(ctx, idle))
			require.NoError(t, s.AddWorker(ctx, busy))

			stats, err := s.QueueStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.TotalJobs)
			assert.Equal(t, 1, stats.Pending)
			assert.Equal(t, 1, stats.Completed)
			assert.Equal(t, 1, stats.TotalGroups)
			assert.Equal(t, 2, stats.TotalWorkers)
			assert.Equal(t, 1, stats.IdleWorkers)
			assert.Equal(t, 1, stats.BusyWorkers)
		})
	}
}

func TestCleanupJobs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			old.Status = job.StatusCompleted
			oldDone := job.Now().Add(-48 * time.Hour)
			old.CompletedAt = &oldDone

			recent := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
			recent.Status = job.StatusFailed
			recentDone := job.Now().Add(-time.Hour)
			recent.CompletedAt = &recentDone

			active := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)

			for _, j := range []*job.Job{old, recent, active} {
				require.NoError(t, s.AddJob(ctx, j))
			}

			removed, err := s.CleanupJobs(ctx, job.Now().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.GetJob(ctx, old.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetJob(ctx, recent.ID)
			assert.NoError(t, err)
			_, err = s.GetJob(ctx, active.ID)
			assert.NoError(t, err)
		})
	}
}

func TestMemoryDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	j := testJob("qualgent", "v1", job.TargetEmulator, job.PriorityNormal)
	j.Payload.Metadata = map[string]any{"suite": "smoke"}
	require.NoError(t, s.AddJob(ctx, j))

	// Mutating the caller's copy after Add must not leak into the store.
	j.Status = job.StatusFailed
	j.Payload.Metadata["suite"] = "mutated"

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "smoke", got.Payload.Metadata["suite"])

	// Mutating a returned copy must not leak either.
	got.Status = job.StatusCancelled
	again, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, again.Status)
}
