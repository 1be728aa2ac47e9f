// Package job defines the core entities of the orchestrator: jobs,
// job groups, and workers, plus the closed enumerations they carry.
package job

import (
	"fmt"
	"time"
)

// Status is the job lifecycle state.
//
// Transitions:
//
//	pending → queued → running → completed | failed | cancelled
//	queued/running → pending   (worker loss, retries remaining)
//	failed → pending           (explicit retry, retries remaining)
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts the wire form of a status into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown job status: %q", s)
}

// Target is the execution environment class a test runs against.
// It constrains which workers may pick up the job.
type Target string

const (
	TargetEmulator Target = "emulator"
	TargetDevice   Target = "device"
	TargetCloud    Target = "cloud"
)

// ParseTarget converts the wire form of a target into a Target.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetEmulator, TargetDevice, TargetCloud:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown job target: %q", s)
}

// Priority orders jobs and groups during scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the scheduling weight of the priority.
// Unknown priorities weigh the same as low.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

// ParsePriority converts the wire form of a priority into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown job priority: %q", s)
}

// WorkerStatus is the worker liveness/occupancy state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Payload is the client-supplied description of a test job.
type Payload struct {
	OrgID        string         `json:"org_id"`
	AppVersionID string         `json:"app_version_id"`
	TestPath     string         `json:"test_path"`
	Target       Target         `json:"target"`
	Priority     Priority       `json:"priority"`
	Metadata     map[string]any `json:"metadata"`
}

// Validate checks the required submission fields.
func (p *Payload) Validate() error {
	if p.OrgID == "" {
		return fmt.Errorf("missing required field: org_id")
	}
	if p.AppVersionID == "" {
		return fmt.Errorf("missing required field: app_version_id")
	}
	if p.TestPath == "" {
		return fmt.Errorf("missing required field: test_path")
	}
	return nil
}

// Job is a single test execution request tracked through its lifecycle.
type Job struct {
	ID           string         `json:"job_id"`
	Payload      Payload        `json:"payload"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

// New constructs a job in pending state with fresh timestamps.
func New(payload Payload, maxRetries int) *Job {
	now := Now()
	return &Job{
		ID:         NewJobID(),
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Payload.Metadata = cloneMap(j.Payload.Metadata)
	c.Result = cloneMap(j.Result)
	return &c
}

// Group batches jobs that share an (org, app version) pair so one worker
// installs the application once and runs every test in the batch.
type Group struct {
	ID             string    `json:"group_id"`
	OrgID          string    `json:"org_id"`
	AppVersionID   string    `json:"app_version_id"`
	Jobs           []string  `json:"jobs"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
}

// NewGroup constructs a pending group seeded with one job.
func NewGroup(orgID, appVersionID, jobID string) *Group {
	return &Group{
		ID:           NewGroupID(),
		OrgID:        orgID,
		AppVersionID: appVersionID,
		Jobs:         []string{jobID},
		Status:       StatusPending,
		CreatedAt:    Now(),
	}
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.Jobs = append([]string(nil), g.Jobs...)
	return &c
}

// Worker is a registered test-execution agent. CurrentJobs holds exactly
// the jobs assigned to it that are still queued or running.
type Worker struct {
	ID            string         `json:"worker_id"`
	Name          string         `json:"name"`
	TargetTypes   []Target       `json:"target_types"`
	Status        WorkerStatus   `json:"status"`
	CurrentJobs   []string       `json:"current_jobs"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Metadata      map[string]any `json:"metadata"`
}

// NewWorker constructs an idle worker with a fresh heartbeat.
func NewWorker(name string, targets []Target, metadata map[string]any) *Worker {
	return &Worker{
		ID:            NewWorkerID(),
		Name:          name,
		TargetTypes:   targets,
		Status:        WorkerIdle,
		CurrentJobs:   []string{},
		LastHeartbeat: Now(),
		Metadata:      metadata,
	}
}

// Accepts reports whether the worker handles the given target.
func (w *Worker) Accepts(t Target) bool {
	for _, tt := range w.TargetTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// Holds reports whether the worker's held-job set contains jobID.
func (w *Worker) Holds(jobID string) bool {
	for _, id := range w.CurrentJobs {
		if id == jobID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	c := *w
	c.TargetTypes = append([]Target(nil), w.TargetTypes...)
	c.CurrentJobs = append([]string(nil), w.CurrentJobs...)
	c.Metadata = cloneMap(w.Metadata)
	return &c
}

// Now returns the current UTC time truncated to microsecond precision,
// the resolution every store backend round-trips losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
