package job

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "queued", "running", "completed", "failed", "cancelled"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}

	_, err := ParseStatus("exploded")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	for _, s := range []Status{StatusPending, StatusQueued, StatusRunning} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestParseTarget(t *testing.T) {
	for _, s := range []string{"emulator", "device", "cloud"} {
		got, err := ParseTarget(s)
		require.NoError(t, err)
		assert.Equal(t, Target(s), got)
	}

	_, err := ParseTarget("browserstack2")
	assert.Error(t, err)
}

func TestPriorityWeights(t *testing.T) {
	assert.Equal(t, 4, PriorityUrgent.Weight())
	assert.Equal(t, 3, PriorityHigh.Weight())
	assert.Equal(t, 2, PriorityNormal.Weight())
	assert.Equal(t, 1, PriorityLow.Weight())

	// Unknown priorities schedule at the bottom.
	assert.Equal(t, 1, Priority("").Weight())
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr string
	}{
		{
			name:    "valid",
			payload: Payload{OrgID: "qualgent", AppVersionID: "v1", TestPath: "tests/login.spec.js"},
		},
		{
			name:    "missing org",
			payload: Payload{AppVersionID: "v1", TestPath: "t"},
			wantErr: "org_id",
		},
		{
			name:    "missing app version",
			payload: Payload{OrgID: "qualgent", TestPath: "t"},
			wantErr: "app_version_id",
		},
		{
			name:    "missing test path",
			payload: Payload{OrgID: "qualgent", AppVersionID: "v1"},
			wantErr: "test_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIDGeneration(t *testing.T) {
	assert.Len(t, NewJobID(), 36)
	assert.True(t, strings.HasPrefix(NewGroupID(), "group-"))
	assert.True(t, strings.HasPrefix(NewWorkerID(), "worker-"))
	assert.NotEqual(t, NewJobID(), NewJobID())
}

func TestNewJobDefaults(t *testing.T) {
	j := New(Payload{OrgID: "o", AppVersionID: "v", TestPath: "p", Target: TargetEmulator, Priority: PriorityNormal}, 3)

	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 3, j.MaxRetries)
	assert.Zero(t, j.RetryCount)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
	assert.Equal(t, j.CreatedAt, j.UpdatedAt)
}

func TestJobJSONRoundTrip(t *testing.T) {
	started := Now()
	j := &Job{
		ID: NewJobID(),
		Payload: Payload{
			OrgID:        "qualgent",
			AppVersionID: "v1.2.3",
			TestPath:     "tests/onboarding.spec.js",
			Target:       TargetDevice,
			Priority:     PriorityHigh,
			Metadata:     map[string]any{"suite": "smoke"},
		},
		Status:     StatusRunning,
		CreatedAt:  Now(),
		UpdatedAt:  Now(),
		StartedAt:  &started,
		WorkerID:   "worker-ab12cd34",
		RetryCount: 1,
		MaxRetries: 3,
	}

	data, err := json.Marshal(j)
	require.NoError(t, err)

	var got Job
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Payload.OrgID, got.Payload.OrgID)
	assert.Equal(t, j.Status, got.Status)
	assert.True(t, j.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, j.StartedAt.Equal(*got.StartedAt))
	assert.Nil(t, got.CompletedAt)
}

func TestWorkerAccepts(t *testing.T) {
	w := NewWorker("pixel-rack-1", []Target{TargetEmulator, TargetDevice}, nil)

	assert.True(t, w.Accepts(TargetEmulator))
	assert.True(t, w.Accepts(TargetDevice))
	assert.False(t, w.Accepts(TargetCloud))
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentJobs)
}

func TestCloneIsDeep(t *testing.T) {
	j := New(Payload{OrgID: "o", AppVersionID: "v", TestPath: "p", Metadata: map[string]any{"k": "v"}}, 3)
	c := j.Clone()
	c.Payload.Metadata["k"] = "mutated"
	c.Status = StatusFailed
	assert.Equal(t, "v", j.Payload.Metadata["k"])
	assert.Equal(t, StatusPending, j.Status)

	g := NewGroup("o", "v", j.ID)
	gc := g.Clone()
	gc.Jobs = append(gc.Jobs, "other")
	assert.Len(t, g.Jobs, 1)

	w := NewWorker("w", []Target{TargetEmulator}, map[string]any{"rack": 7})
	wc := w.Clone()
	wc.CurrentJobs = append(wc.CurrentJobs, j.ID)
	wc.Metadata["rack"] = 8
	assert.Empty(t, w.CurrentJobs)
	assert.Equal(t, 7, w.Metadata["rack"])
}

func TestNowMicrosecondPrecision(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.True(t, now.Equal(now.Truncate(time.Microsecond)))
}
