package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qualgent/qgjob/internal/job"
)

// SQLite is the persistent local backend. Entities live in one table per
// kind with the grouping keys denormalized into columns so list filters
// run in SQL; composite fields are stored as JSON text. Compound
// mutations run inside a transaction.
type SQLite struct {
	conn *sql.DB
}

// NewSQLite creates or opens the database at path, enables WAL mode,
// and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLite{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Name identifies the backend.
func (s *SQLite) Name() string { return "sqlite" }

// Close closes the database connection.
func (s *SQLite) Close() error { return s.conn.Close() }

func (s *SQLite) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    app_version_id  TEXT NOT NULL,
    target          TEXT NOT NULL,
    payload_json    TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    started_at      TEXT,
    completed_at    TEXT,
    worker_id       TEXT NOT NULL DEFAULT '',
    result_json     TEXT,
    error_message   TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 3
);

CREATE TABLE IF NOT EXISTS job_groups (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    app_version_id  TEXT NOT NULL,
    jobs_json       TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    assigned_worker TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS workers (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    targets_json      TEXT NOT NULL,
    status            TEXT NOT NULL,
    current_jobs_json TEXT NOT NULL,
    last_heartbeat    TEXT NOT NULL,
    metadata_json     TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(org_id, app_version_id);
CREATE INDEX IF NOT EXISTS idx_groups_org ON job_groups(org_id, app_version_id);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

func wrapSQL(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func writeJob(ctx context.Context, db execer, j *job.Job) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO jobs (id, org_id, app_version_id, target, payload_json, status,
                  created_at, updated_at, started_at, completed_at, worker_id,
                  result_json, error_message, retry_count, max_retries)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    updated_at = excluded.updated_at,
    started_at = excluded.started_at,
    completed_at = excluded.completed_at,
    worker_id = excluded.worker_id,
    result_json = excluded.result_json,
    error_message = excluded.error_message,
    retry_count = excluded.retry_count,
    max_retries = excluded.max_retries`,
		j.ID, j.Payload.OrgID, j.Payload.AppVersionID, string(j.Payload.Target),
		mustJSON(j.Payload), string(j.Status),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		nullString(formatTimePtr(j.StartedAt)), nullString(formatTimePtr(j.CompletedAt)),
		j.WorkerID, nullJSON(j.Result), j.ErrorMessage, j.RetryCount, j.MaxRetries)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	return mustJSON(m)
}

const jobColumns = `payload_json, status, created_at, updated_at, started_at,
completed_at, worker_id, result_json, error_message, retry_count, max_retries, id`

func scanJob(scan func(dest ...any) error) (*job.Job, error) {
	var (
		j                      job.Job
		payloadJSON            string
		status                 string
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
		resultJSON             sql.NullString
	)
	err := scan(&payloadJSON, &status, &createdAt, &updatedAt, &startedAt,
		&completedAt, &j.WorkerID, &resultJSON, &j.ErrorMessage,
		&j.RetryCount, &j.MaxRetries, &j.ID)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &j.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	if j.Status, err = job.ParseStatus(status); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimePtr(startedAt.String); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completedAt.String); err != nil {
		return nil, err
	}
	return &j, nil
}

// AddJob inserts a new job row.
func (s *SQLite) AddJob(ctx context.Context, j *job.Job) error {
	return wrapSQL("add job", writeJob(ctx, s.conn, j))
}

// GetJob returns the job or ErrNotFound.
func (s *SQLite) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row.Scan)
	if err != nil {
		return nil, wrapSQL(fmt.Sprintf("get job %s", id), err)
	}
	return j, nil
}

// UpdateJob overwrites an existing job row; unknown ids are ignored.
func (s *SQLite) UpdateJob(ctx context.Context, j *job.Job) error {
	return wrapSQL("update job", writeJob(ctx, s.conn, j))
}

// DeleteJob removes a job row, returning ErrNotFound for unknown ids.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return wrapSQL("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) queryJobs(ctx context.Context, where string, args ...any) ([]*job.Job, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs "+where, args...)
	if err != nil {
		return nil, wrapSQL("list jobs", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, wrapSQL("scan job", err)
		}
		out = append(out, j)
	}
	return out, wrapSQL("list jobs", rows.Err())
}

// ListJobs returns jobs matching the filter.
func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	where := "WHERE 1=1"
	var args []any
	if f.OrgID != "" {
		where += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.AppVersionID != "" {
		where += " AND app_version_id = ?"
		args = append(args, f.AppVersionID)
	}
	return s.queryJobs(ctx, where, args...)
}

// JobsByStatus returns all jobs in the given status.
func (s *SQLite) JobsByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return s.queryJobs(ctx, "WHERE status = ?", string(status))
}

// JobsByGroup returns the jobs referenced by a group, in group order.
func (s *SQLite) JobsByGroup(ctx context.Context, groupID string) ([]*job.Job, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, id := range g.Jobs {
		j, err := s.GetJob(ctx, id)
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

func writeGroup(ctx context.Context, db execer, g *job.Group) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO job_groups (id, org_id, app_version_id, jobs_json, status, created_at, assigned_worker)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    jobs_json = excluded.jobs_json,
    status = excluded.status,
    assigned_worker = excluded.assigned_worker`,
		g.ID, g.OrgID, g.AppVersionID, mustJSON(g.Jobs), string(g.Status),
		formatTime(g.CreatedAt), g.AssignedWorker)
	return err
}

func scanGroup(scan func(dest ...any) error) (*job.Group, error) {
	var (
		g         job.Group
		jobsJSON  string
		status    string
		createdAt string
	)
	if err := scan(&g.ID, &g.OrgID, &g.AppVersionID, &jobsJSON, &status, &createdAt, &g.AssignedWorker); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jobsJSON), &g.Jobs); err != nil {
		return nil, fmt.Errorf("decode group jobs: %w", err)
	}
	var err error
	if g.Status, err = job.ParseStatus(status); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &g, nil
}

const groupColumns = "id, org_id, app_version_id, jobs_json, status, created_at, assigned_worker"

// AddGroup inserts a new group row.
func (s *SQLite) AddGroup(ctx context.Context, g *job.Group) error {
	return wrapSQL("add group", writeGroup(ctx, s.conn, g))
}

// GetGroup returns the group or ErrNotFound.
func (s *SQLite) GetGroup(ctx context.Context, id string) (*job.Group, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM job_groups WHERE id = ?", id)
	g, err := scanGroup(row.Scan)
	if err != nil {
		return nil, wrapSQL(fmt.Sprintf("get group %s", id), err)
	}
	return g, nil
}

// UpdateGroup overwrites an existing group row.
func (s *SQLite) UpdateGroup(ctx context.Context, g *job.Group) error {
	return wrapSQL("update group", writeGroup(ctx, s.conn, g))
}

// ListGroups returns groups matching the filter.
func (s *SQLite) ListGroups(ctx context.Context, f GroupFilter) ([]*job.Group, error) {
	where := "WHERE 1=1"
	var args []any
	if f.OrgID != "" {
		where += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT "+groupColumns+" FROM job_groups "+where, args...)
	if err != nil {
		return nil, wrapSQL("list groups", err)
	}
	defer rows.Close()

	var out []*job.Group
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, wrapSQL("scan group", err)
		}
		out = append(out, g)
	}
	return out, wrapSQL("list groups", rows.Err())
}

// FindActiveGroup returns the non-terminal group for the pair, or ErrNotFound.
func (s *SQLite) FindActiveGroup(ctx context.Context, orgID, appVersionID string) (*job.Group, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT "+groupColumns+` FROM job_groups
WHERE org_id = ? AND app_version_id = ? AND status IN ('pending', 'queued', 'running')
ORDER BY created_at LIMIT 1`, orgID, appVersionID)
	g, err := scanGroup(row.Scan)
	if err != nil {
		return nil, wrapSQL(fmt.Sprintf("active group for %s/%s", orgID, appVersionID), err)
	}
	return g, nil
}

func writeWorker(ctx context.Context, db execer, w *job.Worker) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO workers (id, name, targets_json, status, current_jobs_json, last_heartbeat, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    current_jobs_json = excluded.current_jobs_json,
    last_heartbeat = excluded.last_heartbeat,
    metadata_json = excluded.metadata_json`,
		w.ID, w.Name, mustJSON(w.TargetTypes), string(w.Status),
		mustJSON(w.CurrentJobs), formatTime(w.LastHeartbeat), nullJSON(w.Metadata))
	return err
}

func scanWorker(scan func(dest ...any) error) (*job.Worker, error) {
	var (
		w             job.Worker
		targetsJSON   string
		jobsJSON      string
		status        string
		lastHeartbeat string
		metadataJSON  sql.NullString
	)
	if err := scan(&w.ID, &w.Name, &targetsJSON, &status, &jobsJSON, &lastHeartbeat, &metadataJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetsJSON), &w.TargetTypes); err != nil {
		return nil, fmt.Errorf("decode worker targets: %w", err)
	}
	if err := json.Unmarshal([]byte(jobsJSON), &w.CurrentJobs); err != nil {
		return nil, fmt.Errorf("decode worker jobs: %w", err)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &w.Metadata); err != nil {
			return nil, fmt.Errorf("decode worker metadata: %w", err)
		}
	}
	w.Status = job.WorkerStatus(status)
	var err error
	if w.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	return &w, nil
}

const workerColumns = "id, name, targets_json, status, current_jobs_json, last_heartbeat, metadata_json"

// AddWorker inserts a new worker row.
func (s *SQLite) AddWorker(ctx context.Context, w *job.Worker) error {
	return wrapSQL("add worker", writeWorker(ctx, s.conn, w))
}

// GetWorker returns the worker or ErrNotFound.
func (s *SQLite) GetWorker(ctx context.Context, id string) (*job.Worker, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", id)
	w, err := scanWorker(row.Scan)
	if err != nil {
		return nil, wrapSQL(fmt.Sprintf("get worker %s", id), err)
	}
	return w, nil
}

// UpdateWorker overwrites an existing worker row.
func (s *SQLite) UpdateWorker(ctx context.Context, w *job.Worker) error {
	return wrapSQL("update worker", writeWorker(ctx, s.conn, w))
}

// ListWorkers returns workers matching the filter. Target acceptance is
// checked client-side since targets live in a JSON column.
func (s *SQLite) ListWorkers(ctx context.Context, f WorkerFilter) ([]*job.Worker, error) {
	where := "WHERE 1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT "+workerColumns+" FROM workers "+where, args...)
	if err != nil {
		return nil, wrapSQL("list workers", err)
	}
	defer rows.Close()

	var out []*job.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, wrapSQL("scan worker", err)
		}
		if f.Target != "" && !w.Accepts(f.Target) {
			continue
		}
		out = append(out, w)
	}
	return out, wrapSQL("list workers", rows.Err())
}

// AvailableWorkers returns idle workers accepting the target with no held jobs.
func (s *SQLite) AvailableWorkers(ctx context.Context, target job.Target) ([]*job.Worker, error) {
	workers, err := s.ListWorkers(ctx, WorkerFilter{Target: target, Status: job.WorkerIdle})
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

// Assign moves a job onto a worker inside one transaction.
func (s *SQLite) Assign(ctx context.Context, jobID, workerID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL("assign", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", workerID).Scan)
	if err != nil {
		return wrapSQL(fmt.Sprintf("get worker %s", workerID), err)
	}
	j, err := scanJob(tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", jobID).Scan)
	if err != nil {
		return wrapSQL(fmt.Sprintf("get job %s", jobID), err)
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

	if err := writeWorker(ctx, tx, w); err != nil {
		return wrapSQL("assign", err)
	}
	if err := writeJob(ctx, tx, j); err != nil {
		return wrapSQL("assign", err)
	}
	return wrapSQL("assign", tx.Commit())
}

// Complete releases a job from a worker's held set inside one transaction.
func (s *SQLite) Complete(ctx context.Context, jobID, workerID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL("complete", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", workerID).Scan)
	if err != nil {
		return wrapSQL(fmt.Sprintf("get worker %s", workerID), err)
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

	if err := writeWorker(ctx, tx, w); err != nil {
		return wrapSQL("complete", err)
	}
	return wrapSQL("complete", tx.Commit())
}

// QueueStats returns counters across all entities.
func (s *SQLite) QueueStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	rows, err := s.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, wrapSQL("queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapSQL("queue stats", err)
		}
		stats.TotalJobs += n
		switch job.Status(status) {
		case job.StatusPending:
			stats.Pending = n
		case job.StatusQueued:
			stats.Queued = n
		case job.StatusRunning:
			stats.Running = n
		case job.StatusCompleted:
			stats.Completed = n
		case job.StatusFailed:
			stats.Failed = n
		case job.StatusCancelled:
			stats.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQL("queue stats", err)
	}

	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_groups").Scan(&stats.TotalGroups); err != nil {
		return nil, wrapSQL("queue stats", err)
	}
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM workers").Scan(&stats.TotalWorkers); err != nil {
		return nil, wrapSQL("queue stats", err)
	}
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workers WHERE status = 'idle'").Scan(&stats.IdleWorkers); err != nil {
		return nil, wrapSQL("queue stats", err)
	}
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workers WHERE status = 'busy'").Scan(&stats.BusyWorkers); err != nil {
		return nil, wrapSQL("queue stats", err)
	}
	return stats, nil
}

// CleanupJobs deletes terminal jobs completed before the horizon.
func (s *SQLite) CleanupJobs(ctx context.Context, horizon time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled')
  AND completed_at IS NOT NULL AND completed_at < ?`, formatTime(horizon))
	if err != nil {
		return 0, wrapSQL("cleanup jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapSQL("cleanup jobs", err)
	}
	return int(n), nil
}

var _ Store = (*SQLite)(nil)
