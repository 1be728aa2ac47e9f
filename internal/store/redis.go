package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
)

// Redis key layout: one hash per entity plus a set of live ids per kind.
const (
	jobKeyPrefix    = "job:"
	groupKeyPrefix  = "group:"
	workerKeyPrefix = "worker:"
	jobSet          = "jobs"
	groupSet        = "groups"
	workerSet       = "workers"
)

// Redis is the remote key-value backend. Each entity is a hash under a
// prefixed key with composite fields JSON-encoded; multi-key mutations
// go out as a single pipelined batch. Cross-entity atomicity relies on
// the single scheduler instance being the only compound writer, not on
// Redis transactions.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis connects to the Redis server named by url and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, url string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w: %v", url, ErrUnavailable, err)
	}
	log.Info("connected to redis", zap.String("url", url))
	return &Redis{client: client, log: log}, nil
}

// Name identifies the backend.
func (r *Redis) Name() string { return "redis" }

// Close releases the client connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func wrapRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// AddJob writes the job hash and registers its id, in one batch.
func (r *Redis) AddJob(ctx context.Context, j *job.Job) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, jobKeyPrefix+j.ID, encodeJob(j))
	pipe.SAdd(ctx, jobSet, j.ID)
	_, err := pipe.Exec(ctx)
	return wrapRedis("add job", err)
}

// GetJob reads and decodes a job hash.
func (r *Redis) GetJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.client.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, wrapRedis("get job", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return decodeJob(data)
}

// UpdateJob overwrites the job hash if the job is still registered.
func (r *Redis) UpdateJob(ctx context.Context, j *job.Job) error {
	exists, err := r.client.SIsMember(ctx, jobSet, j.ID).Result()
	if err != nil {
		return wrapRedis("update job", err)
	}
	if !exists {
		return nil
	}
	return wrapRedis("update job", r.client.HSet(ctx, jobKeyPrefix+j.ID, encodeJob(j)).Err())
}

// DeleteJob removes the job hash and unregisters its id.
func (r *Redis) DeleteJob(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	del := pipe.Del(ctx, jobKeyPrefix+id)
	pipe.SRem(ctx, jobSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis("delete job", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListJobs enumerates the job set and filters client-side.
func (r *Redis) ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	ids, err := r.client.SMembers(ctx, jobSet).Result()
	if err != nil {
		return nil, wrapRedis("list jobs", err)
	}
	var out []*job.Job
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchJob(j, f) {
			out = append(out, j)
		}
	}
	return out, nil
}

// JobsByStatus returns all jobs in the given status.
func (r *Redis) JobsByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return r.ListJobs(ctx, JobFilter{Status: status})
}

// JobsByGroup returns the jobs referenced by a group, in group order.
func (r *Redis) JobsByGroup(ctx context.Context, groupID string) ([]*job.Job, error) {
	g, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, id := range g.Jobs {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// AddGroup writes the group hash and registers its id, in one batch.
func (r *Redis) AddGroup(ctx context.Context, g *job.Group) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, groupKeyPrefix+g.ID, encodeGroup(g))
	pipe.SAdd(ctx, groupSet, g.ID)
	_, err := pipe.Exec(ctx)
	return wrapRedis("add group", err)
}

// GetGroup reads and decodes a group hash.
func (r *Redis) GetGroup(ctx context.Context, id string) (*job.Group, error) {
	data, err := r.client.HGetAll(ctx, groupKeyPrefix+id).Result()
	if err != nil {
		return nil, wrapRedis("get group", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return decodeGroup(data)
}

// UpdateGroup overwrites the group hash if the group is still registered.
func (r *Redis) UpdateGroup(ctx context.Context, g *job.Group) error {
	exists, err := r.client.SIsMember(ctx, groupSet, g.ID).Result()
	if err != nil {
		return wrapRedis("update group", err)
	}
	if !exists {
		return nil
	}
	return wrapRedis("update group", r.client.HSet(ctx, groupKeyPrefix+g.ID, encodeGroup(g)).Err())
}

// ListGroups enumerates the group set and filters client-side.
func (r *Redis) ListGroups(ctx context.Context, f GroupFilter) ([]*job.Group, error) {
	ids, err := r.client.SMembers(ctx, groupSet).Result()
	if err != nil {
		return nil, wrapRedis("list groups", err)
	}
	var out []*job.Group
	for _, id := range ids {
		g, err := r.GetGroup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchGroup(g, f) {
			out = append(out, g)
		}
	}
	return out, nil
}

// FindActiveGroup scans groups for the non-terminal one matching the pair.
func (r *Redis) FindActiveGroup(ctx context.Context, orgID, appVersionID string) (*job.Group, error) {
	groups, err := r.ListGroups(ctx, GroupFilter{OrgID: orgID})
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.AppVersionID == appVersionID && !g.Status.Terminal() {
			return g, nil
		}
	}
	return nil, fmt.Errorf("active group for %s/%s: %w", orgID, appVersionID, ErrNotFound)
}

// AddWorker writes the worker hash and registers its id, in one batch.
func (r *Redis) AddWorker(ctx context.Context, w *job.Worker) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, workerKeyPrefix+w.ID, encodeWorker(w))
	pipe.SAdd(ctx, workerSet, w.ID)
	_, err := pipe.Exec(ctx)
	return wrapRedis("add worker", err)
}

// GetWorker reads and decodes a worker hash.
func (r *Redis) GetWorker(ctx context.Context, id string) (*job.Worker, error) {
	data, err := r.client.HGetAll(ctx, workerKeyPrefix+id).Result()
	if err != nil {
		return nil, wrapRedis("get worker", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return decodeWorker(data)
}

// UpdateWorker overwrites the worker hash if the worker is still registered.
func (r *Redis) UpdateWorker(ctx context.Context, w *job.Worker) error {
	exists, err := r.client.SIsMember(ctx, workerSet, w.ID).Result()
	if err != nil {
		return wrapRedis("update worker", err)
	}
	if !exists {
		return nil
	}
	return wrapRedis("update worker", r.client.HSet(ctx, workerKeyPrefix+w.ID, encodeWorker(w)).Err())
}

// ListWorkers enumerates the worker set and filters client-side.
func (r *Redis) ListWorkers(ctx context.Context, f WorkerFilter) ([]*job.Worker, error) {
	ids, err := r.client.SMembers(ctx, workerSet).Result()
	if err != nil {
		return nil, wrapRedis("list workers", err)
	}
	var out []*job.Worker
	for _, id := range ids {
		w, err := r.GetWorker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchWorker(w, f) {
			out = append(out, w)
		}
	}
	return out, nil
}

// AvailableWorkers returns idle workers accepting the target with no held jobs.
func (r *Redis) AvailableWorkers(ctx context.Context, target job.Target) ([]*job.Worker, error) {
	workers, err := r.ListWorkers(ctx, WorkerFilter{Target: target, Status: job.WorkerIdle})
	if err != nil {
		return nil, err
	}
	var out []*job.Worker
	for _, w := range workers {
		if len(w.CurrentJobs) == 0 {
			out = append(out, w)
		}
	}
	return out, nil
}

// Assign reads both entities, mutates them, and writes both hashes in a
// single pipelined batch so the server applies them without interleaving
// from this client.
func (r *Redis) Assign(ctx context.Context, jobID, workerID string) error {
	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	j, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
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

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, workerKeyPrefix+w.ID, encodeWorker(w))
	pipe.HSet(ctx, jobKeyPrefix+j.ID, encodeJob(j))
	_, err = pipe.Exec(ctx)
	return wrapRedis("assign", err)
}

// Complete removes the job from the worker's held set and writes the
// worker hash back.
func (r *Redis) Complete(ctx context.Context, jobID, workerID string) error {
	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		return err
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
	return wrapRedis("complete", r.client.HSet(ctx, workerKeyPrefix+w.ID, encodeWorker(w)).Err())
}

// QueueStats returns counters across all entities.
func (r *Redis) QueueStats(ctx context.Context) (*Stats, error) {
	jobs, err := r.ListJobs(ctx, JobFilter{})
	if err != nil {
		return nil, err
	}
	groups, err := r.ListGroups(ctx, GroupFilter{})
	if err != nil {
		return nil, err
	}
	workers, err := r.ListWorkers(ctx, WorkerFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalJobs:    len(jobs),
		TotalGroups:  len(groups),
		TotalWorkers: len(workers),
	}
	for _, j := range jobs {
		stats.Count(j.Status)
	}
	for _, w := range workers {
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
func (r *Redis) CleanupJobs(ctx context.Context, horizon time.Time) (int, error) {
	jobs, err := r.ListJobs(ctx, JobFilter{})
	if err != nil {
		return 0, err
	}
	var removed int
	for _, j := range jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(horizon) {
			if err := r.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*Redis)(nil)
