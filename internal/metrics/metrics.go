// Package metrics exposes Prometheus counters and gauges for the
// orchestrator: submission/outcome counters, queue-depth gauges, and
// scheduler sweep timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qualgent/qgjob/internal/store"
)

// Collector owns the orchestrator's metric instruments on a private
// registry so tests can construct collectors independently.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsRetried   prometheus.Counter

	jobsByStatus  *prometheus.GaugeVec
	workersIdle   prometheus.Gauge
	workersBusy   prometheus.Gauge
	groupsTotal   prometheus.Gauge
	sweepDuration prometheus.Histogram
}

// NewCollector creates and registers all instruments.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qgjob_jobs_submitted_total",
			Help: "Jobs accepted through the submission endpoint.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qgjob_jobs_completed_total",
			Help: "Jobs reported completed by workers.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qgjob_jobs_failed_total",
			Help: "Jobs that ended in failure, including timeouts and retry exhaustion.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qgjob_jobs_cancelled_total",
			Help: "Jobs cancelled before reaching a terminal state on their own.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qgjob_jobs_retried_total",
			Help: "Retry transitions, both explicit and worker-loss reassignments.",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qgjob_jobs",
			Help: "Current job count per status.",
		}, []string{"status"}),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qgjob_workers_idle",
			Help: "Workers currently idle.",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qgjob_workers_busy",
			Help: "Workers currently holding jobs.",
		}),
		groupsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qgjob_groups",
			Help: "Job groups known to the store.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qgjob_scheduler_sweep_seconds",
			Help:    "Duration of one scheduler sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed, c.jobsCancelled,
		c.jobsRetried, c.jobsByStatus, c.workersIdle, c.workersBusy,
		c.groupsTotal, c.sweepDuration,
	)
	return c
}

// Handler returns the scrape endpoint handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JobSubmitted records an accepted submission.
func (c *Collector) JobSubmitted() { c.jobsSubmitted.Inc() }

// JobCompleted records a successful completion.
func (c *Collector) JobCompleted() { c.jobsCompleted.Inc() }

// JobFailed records a failure outcome.
func (c *Collector) JobFailed() { c.jobsFailed.Inc() }

// JobCancelled records a cancellation.
func (c *Collector) JobCancelled() { c.jobsCancelled.Inc() }

// JobRetried records a retry transition.
func (c *Collector) JobRetried() { c.jobsRetried.Inc() }

// ObserveSweep records the duration of one scheduler sweep in seconds.
func (c *Collector) ObserveSweep(seconds float64) { c.sweepDuration.Observe(seconds) }

// UpdateQueue refreshes the gauges from a store snapshot.
func (c *Collector) UpdateQueue(stats *store.Stats) {
	c.jobsByStatus.WithLabelValues("pending").Set(float64(stats.Pending))
	c.jobsByStatus.WithLabelValues("queued").Set(float64(stats.Queued))
	c.jobsByStatus.WithLabelValues("running").Set(float64(stats.Running))
	c.jobsByStatus.WithLabelValues("completed").Set(float64(stats.Completed))
	c.jobsByStatus.WithLabelValues("failed").Set(float64(stats.Failed))
	c.jobsByStatus.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
	c.workersIdle.Set(float64(stats.IdleWorkers))
	c.workersBusy.Set(float64(stats.BusyWorkers))
	c.groupsTotal.Set(float64(stats.TotalGroups))
}
