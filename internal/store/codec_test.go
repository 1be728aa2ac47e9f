package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualgent/qgjob/internal/job"
)

// The Redis backend stores entities as string-valued hashes. These tests
// cover the flattening codec without a live server: encode to the hash
// form, coerce to the string map HGetAll returns, decode back.
func toHash(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.(string)
	}
	return out
}

func TestJobCodecRoundTrip(t *testing.T) {
	started := job.Now()
	completed := started.Add(42 * time.Second)
	j := &job.Job{
		ID: job.NewJobID(),
		Payload: job.Payload{
			OrgID:        "qualgent",
			AppVersionID: "v1.2.3",
			TestPath:     "tests/checkout.spec.js",
			Target:       job.TargetCloud,
			Priority:     job.PriorityUrgent,
			Metadata:     map[string]any{"suite": "regression", "shard": "3"},
		},
		Status:       job.StatusCompleted,
		CreatedAt:    job.Now(),
		UpdatedAt:    job.Now(),
		StartedAt:    &started,
		CompletedAt:  &completed,
		WorkerID:     "worker-ab12cd34",
		Result:       map[string]any{"passed": true},
		ErrorMessage: "",
		RetryCount:   2,
		MaxRetries:   3,
	}

	got, err := decodeJob(toHash(encodeJob(j)))
	require.NoError(t, err)

	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Payload, got.Payload)
	assert.Equal(t, j.Status, got.Status)
	assert.True(t, j.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, j.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, j.StartedAt.Equal(*got.StartedAt))
	assert.True(t, j.CompletedAt.Equal(*got.CompletedAt))
	assert.Equal(t, j.WorkerID, got.WorkerID)
	assert.Equal(t, j.Result, got.Result)
	assert.Equal(t, j.RetryCount, got.RetryCount)
	assert.Equal(t, j.MaxRetries, got.MaxRetries)
}

func TestJobCodecNullables(t *testing.T) {
	j := job.New(job.Payload{
		OrgID:        "qualgent",
		AppVersionID: "v1",
		TestPath:     "tests/smoke.spec.js",
		Target:       job.TargetEmulator,
		Priority:     job.PriorityNormal,
	}, 3)

	got, err := decodeJob(toHash(encodeJob(j)))
	require.NoError(t, err)

	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.WorkerID)
	assert.Empty(t, got.ErrorMessage)
}

func TestGroupCodecRoundTrip(t *testing.T) {
	g := job.NewGroup("qualgent", "v1.2.3", "job-a")
	g.Jobs = append(g.Jobs, "job-b", "job-c")
	g.Status = job.StatusQueued
	g.AssignedWorker = "worker-ab12cd34"

	got, err := decodeGroup(toHash(encodeGroup(g)))
	require.NoError(t, err)

	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, g.OrgID, got.OrgID)
	assert.Equal(t, g.AppVersionID, got.AppVersionID)
	assert.Equal(t, g.Jobs, got.Jobs)
	assert.Equal(t, g.Status, got.Status)
	assert.True(t, g.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, g.AssignedWorker, got.AssignedWorker)
}

func TestWorkerCodecRoundTrip(t *testing.T) {
	w := job.NewWorker("pixel-rack-1", []job.Target{job.TargetEmulator, job.TargetDevice},
		map[string]any{"region": "us-west"})
	w.Status = job.WorkerBusy
	w.CurrentJobs = []string{"job-a", "job-b"}

	got, err := decodeWorker(toHash(encodeWorker(w)))
	require.NoError(t, err)

	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, w.Name, got.Name)
	assert.Equal(t, w.TargetTypes, got.TargetTypes)
	assert.Equal(t, w.Status, got.Status)
	assert.Equal(t, w.CurrentJobs, got.CurrentJobs)
	assert.True(t, w.LastHeartbeat.Equal(got.LastHeartbeat))
	assert.Equal(t, w.Metadata, got.Metadata)
}

func TestTimestampPrecision(t *testing.T) {
	// Timestamps survive the canonical text form to the microsecond.
	ts := time.Date(2025, 8, 26, 10, 30, 45, 123456000, time.UTC)
	parsed, err := parseTime(formatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))
}

func TestDecodeJobRejectsBadStatus(t *testing.T) {
	j := job.New(job.Payload{OrgID: "o", AppVersionID: "v", TestPath: "p",
		Target: job.TargetEmulator, Priority: job.PriorityNormal}, 3)
	data := toHash(encodeJob(j))
	data["status"] = "vaporized"

	_, err := decodeJob(data)
	assert.Error(t, err)
}
