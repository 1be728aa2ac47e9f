package server

import (
	"fmt"
	"time"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type submitRequest struct {
	OrgID        string         `json:"org_id"`
	AppVersionID string         `json:"app_version_id"`
	TestPath     string         `json:"test_path"`
	Target       string         `json:"target"`
	Priority     string         `json:"priority"`
	Metadata     map[string]any `json:"metadata"`
}

// payload validates the request and fills enum defaults: emulator
// target, normal priority.
func (r *submitRequest) payload() (job.Payload, error) {
	p := job.Payload{
		OrgID:        r.OrgID,
		AppVersionID: r.AppVersionID,
		TestPath:     r.TestPath,
		Target:       job.TargetEmulator,
		Priority:     job.PriorityNormal,
		Metadata:     r.Metadata,
	}
	if err := p.Validate(); err != nil {
		return job.Payload{}, err
	}
	if r.Target != "" {
		t, err := job.ParseTarget(r.Target)
		if err != nil {
			return job.Payload{}, err
		}
		p.Target = t
	}
	if r.Priority != "" {
		pr, err := job.ParsePriority(r.Priority)
		if err != nil {
			return job.Payload{}, err
		}
		p.Priority = pr
	}
	return p, nil
}

type submitResponse struct {
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
}

// updateRequest carries a worker-driven job update. Pointer fields
// distinguish absent from empty.
type updateRequest struct {
	Status       *string        `json:"status"`
	WorkerID     *string        `json:"worker_id"`
	Result       map[string]any `json:"result"`
	ErrorMessage *string        `json:"error_message"`
}

type registerRequest struct {
	Name        string         `json:"name"`
	TargetTypes []string       `json:"target_types"`
	Metadata    map[string]any `json:"metadata"`
}

func (r *registerRequest) targets() ([]job.Target, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if len(r.TargetTypes) == 0 {
		return nil, fmt.Errorf("missing required field: target_types")
	}
	targets := make([]job.Target, 0, len(r.TargetTypes))
	for _, raw := range r.TargetTypes {
		t, err := job.ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

type registerResponse struct {
	WorkerID string `json:"worker_id"`
}

type jobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

type groupListResponse struct {
	Groups []*job.Group `json:"groups"`
	Count  int          `json:"count"`
}

type workerListResponse struct {
	Workers []*job.Worker `json:"workers"`
	Count   int           `json:"count"`
}

type heartbeatResponse struct {
	Status  string   `json:"status"`
	NextJob *job.Job `json:"next_job,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Storage   string    `json:"storage"`
}

type schedulerInfo struct {
	IntervalSeconds      int `json:"interval_seconds"`
	WorkerTimeoutSeconds int `json:"worker_timeout_seconds"`
	JobTimeoutSeconds    int `json:"job_timeout_seconds"`
	MaxRetries           int `json:"max_retries"`
}

type statsResponse struct {
	Queue     *store.Stats  `json:"queue"`
	Scheduler schedulerInfo `json:"scheduler"`
	Storage   string        `json:"storage"`
}
