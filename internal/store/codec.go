package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/qualgent/qgjob/internal/job"
)

// timeFormat is the canonical text form for timestamps in hash fields:
// ISO-8601 UTC with microsecond precision.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Entities only carry JSON-encodable values.
		panic(fmt.Sprintf("encode field: %v", err))
	}
	return string(data)
}

// encodeJob flattens a job into hash fields. Composite fields (payload,
// result) are JSON strings; absent optionals are empty strings.
func encodeJob(j *job.Job) map[string]any {
	result := ""
	if j.Result != nil {
		result = mustJSON(j.Result)
	}
	return map[string]any{
		"job_id":        j.ID,
		"payload":       mustJSON(j.Payload),
		"status":        string(j.Status),
		"created_at":    formatTime(j.CreatedAt),
		"updated_at":    formatTime(j.UpdatedAt),
		"started_at":    formatTimePtr(j.StartedAt),
		"completed_at":  formatTimePtr(j.CompletedAt),
		"worker_id":     j.WorkerID,
		"result":        result,
		"error_message": j.ErrorMessage,
		"retry_count":   strconv.Itoa(j.RetryCount),
		"max_retries":   strconv.Itoa(j.MaxRetries),
	}
}

func decodeJob(data map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:           data["job_id"],
		WorkerID:     data["worker_id"],
		ErrorMessage: data["error_message"],
	}

	if err := json.Unmarshal([]byte(data["payload"]), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if data["result"] != "" {
		if err := json.Unmarshal([]byte(data["result"]), &j.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}

	status, err := job.ParseStatus(data["status"])
	if err != nil {
		return nil, err
	}
	j.Status = status

	if j.CreatedAt, err = parseTime(data["created_at"]); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(data["updated_at"]); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimePtr(data["started_at"]); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(data["completed_at"]); err != nil {
		return nil, err
	}

	if j.RetryCount, err = strconv.Atoi(data["retry_count"]); err != nil {
		return nil, fmt.Errorf("decode retry_count: %w", err)
	}
	if j.MaxRetries, err = strconv.Atoi(data["max_retries"]); err != nil {
		return nil, fmt.Errorf("decode max_retries: %w", err)
	}
	return j, nil
}

func encodeGroup(g *job.Group) map[string]any {
	return map[string]any{
		"group_id":        g.ID,
		"org_id":          g.OrgID,
		"app_version_id":  g.AppVersionID,
		"jobs":            mustJSON(g.Jobs),
		"status":          string(g.Status),
		"created_at":      formatTime(g.CreatedAt),
		"assigned_worker": g.AssignedWorker,
	}
}

func decodeGroup(data map[string]string) (*job.Group, error) {
	g := &job.Group{
		ID:             data["group_id"],
		OrgID:          data["org_id"],
		AppVersionID:   data["app_version_id"],
		AssignedWorker: data["assigned_worker"],
	}

	if err := json.Unmarshal([]byte(data["jobs"]), &g.Jobs); err != nil {
		return nil, fmt.Errorf("decode group jobs: %w", err)
	}

	status, err := job.ParseStatus(data["status"])
	if err != nil {
		return nil, err
	}
	g.Status = status

	if g.CreatedAt, err = parseTime(data["created_at"]); err != nil {
		return nil, err
	}
	return g, nil
}

func encodeWorker(w *job.Worker) map[string]any {
	metadata := ""
	if w.Metadata != nil {
		metadata = mustJSON(w.Metadata)
	}
	return map[string]any{
		"worker_id":      w.ID,
		"name":           w.Name,
		"target_types":   mustJSON(w.TargetTypes),
		"status":         string(w.Status),
		"current_jobs":   mustJSON(w.CurrentJobs),
		"last_heartbeat": formatTime(w.LastHeartbeat),
		"metadata":       metadata,
	}
}

func decodeWorker(data map[string]string) (*job.Worker, error) {
	w := &job.Worker{
		ID:     data["worker_id"],
		Name:   data["name"],
		Status: job.WorkerStatus(data["status"]),
	}

	if err := json.Unmarshal([]byte(data["target_types"]), &w.TargetTypes); err != nil {
		return nil, fmt.Errorf("decode worker targets: %w", err)
	}
	if err := json.Unmarshal([]byte(data["current_jobs"]), &w.CurrentJobs); err != nil {
		return nil, fmt.Errorf("decode worker jobs: %w", err)
	}
	if data["metadata"] != "" {
		if err := json.Unmarshal([]byte(data["metadata"]), &w.Metadata); err != nil {
			return nil, fmt.Errorf("decode worker metadata: %w", err)
		}
	}

	var err error
	if w.LastHeartbeat, err = parseTime(data["last_heartbeat"]); err != nil {
		return nil, err
	}
	return w, nil
}
