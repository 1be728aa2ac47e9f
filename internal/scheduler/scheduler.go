// Package scheduler drives the job lifecycle: it groups submissions by
// (org, app version), assigns pending groups to available workers on a
// fixed cadence, reaps workers that stop heartbeating, and fails jobs
// that exceed the execution timeout.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/metrics"
	"github.com/qualgent/qgjob/internal/store"
)

// defaultJobTimeout bounds how long a job may sit in running before the
// sweep fails it.
const defaultJobTimeout = 30 * time.Minute

// Config is immutable after construction.
type Config struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// WorkerTimeout is the heartbeat window; a worker quiet for this
	// long is marked offline and its jobs are released.
	WorkerTimeout time.Duration

	// JobTimeout bounds time in the running state.
	JobTimeout time.Duration

	// MaxRetries is the retry cap stamped on new jobs.
	MaxRetries int

	// Retention is how long terminal jobs are kept; zero disables the
	// retention sweep.
	Retention time.Duration

	// CleanupSchedule is the cron expression driving the retention sweep.
	CleanupSchedule string
}

// Scheduler owns the sweep loop. It is the only writer of group status
// and of worker-loss reassignment; request handlers go through QueueJob,
// NextJobForWorker, RetryJob, and CancelJob.
type Scheduler struct {
	store   store.Store
	metrics *metrics.Collector
	log     *zap.Logger
	cfg     Config

	// mu makes group resolution mutually exclusive between the
	// submission path and the sweep: both look up the active group for
	// an (org, app version) pair and would otherwise race on creation.
	mu sync.Mutex

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero-valued config fields fall back to the
// documented defaults.
func New(st store.Store, cfg Config, m *metrics.Collector, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Scheduler{store: st, metrics: m, log: log, cfg: cfg}
}

// Config returns the scheduler's effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start launches the sweep loop and, when retention is configured, the
// cron-driven cleanup of old terminal jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.CleanupSchedule != "" && s.cfg.Retention > 0 {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() { s.runRetention(ctx) }); err != nil {
			return fmt.Errorf("cleanup schedule %q: %w", s.cfg.CleanupSchedule, err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("worker_timeout", s.cfg.WorkerTimeout),
		zap.Duration("job_timeout", s.cfg.JobTimeout))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Scheduler) runRetention(ctx context.Context) {
	removed, err := s.store.CleanupJobs(ctx, job.Now().Add(-s.cfg.Retention))
	if err != nil {
		s.log.Error("retention sweep", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("retention sweep removed old jobs", zap.Int("removed", removed))
	}
}
