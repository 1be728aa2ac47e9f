package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualgent/qgjob/internal/store"
)

func TestCounters(t *testing.T) {
	c := NewCollector()

	c.JobSubmitted()
	c.JobSubmitted()
	c.JobCompleted()
	c.JobFailed()
	c.JobRetried()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsCancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRetried))
}

func TestUpdateQueue(t *testing.T) {
	c := NewCollector()

	c.UpdateQueue(&store.Stats{
		Pending:     3,
		Queued:      2,
		Running:     1,
		IdleWorkers: 4,
		BusyWorkers: 1,
		TotalGroups: 2,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsByStatus.WithLabelValues("queued")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.workersIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workersBusy))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.groupsTotal))
}

func TestHandlerServesScrape(t *testing.T) {
	c := NewCollector()
	c.JobSubmitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "qgjob_jobs_submitted_total 1")
}
