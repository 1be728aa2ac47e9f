package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/job"
	"github.com/qualgent/qgjob/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeStoreError maps the store/scheduler error taxonomy onto HTTP
// status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: job.Now(),
		Version:   s.version,
		Storage:   s.store.Name(),
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := job.New(payload, s.scheduler.Config().MaxRetries)
	if err := s.store.AddJob(r.Context(), j); err != nil {
		writeStoreError(w, err)
		return
	}
	if _, err := s.scheduler.QueueJob(r.Context(), j); err != nil {
		writeStoreError(w, err)
		return
	}
	s.metrics.JobSubmitted()

	s.log.Info("job submitted",
		zap.String("job_id", j.ID),
		zap.String("org_id", payload.OrgID),
		zap.String("app_version_id", payload.AppVersionID),
		zap.String("priority", string(payload.Priority)))
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:   j.ID,
		Status:  j.Status,
		Message: "job submitted successfully",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleUpdateJob applies a worker-driven update. Status transitions
// stamp the lifecycle timestamps; a transition into a terminal state
// releases the worker's slot for the job.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	j, err := s.store.GetJob(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := job.Now()
	finished := false
	if req.WorkerID != nil {
		j.WorkerID = *req.WorkerID
	}
	if req.Result != nil {
		j.Result = req.Result
	}
	if req.ErrorMessage != nil {
		j.ErrorMessage = *req.ErrorMessage
	}
	if req.Status != nil {
		status, err := job.ParseStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		prev := j.Status
		j.Status = status

		if status == job.StatusRunning && j.StartedAt == nil {
			j.StartedAt = &now
		}
		if status.Terminal() && !prev.Terminal() {
			finished = true
			j.CompletedAt = &now
			if j.WorkerID != "" {
				err := s.store.Complete(ctx, j.ID, j.WorkerID)
				if err != nil && !errors.Is(err, store.ErrInvalidState) && !errors.Is(err, store.ErrNotFound) {
					writeStoreError(w, err)
					return
				}
			}
			switch status {
			case job.StatusCompleted:
				s.metrics.JobCompleted()
			case job.StatusFailed:
				s.metrics.JobFailed()
			case job.StatusCancelled:
				s.metrics.JobCancelled()
			}
		}
	}
	j.UpdatedAt = now

	if err := s.store.UpdateJob(ctx, j); err != nil {
		writeStoreError(w, err)
		return
	}
	if finished {
		// The finished member may have been the last open one; re-derive
		// the group's status so the batch closes out.
		if err := s.scheduler.ReconcileGroup(ctx, j); err != nil {
			s.log.Warn("reconcile group",
				zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		OrgID:        q.Get("org_id"),
		AppVersionID: q.Get("app_version_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := job.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context(), store.GroupFilter{
		OrgID: r.URL.Query().Get("org_id"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if groups == nil {
		groups = []*job.Group{}
	}
	writeJSON(w, http.StatusOK, groupListResponse{Groups: groups, Count: len(groups)})
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	targets, err := req.targets()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	worker := job.NewWorker(req.Name, targets, req.Metadata)
	if err := s.store.AddWorker(r.Context(), worker); err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Info("worker registered",
		zap.String("worker_id", worker.ID),
		zap.String("name", worker.Name))
	writeJSON(w, http.StatusCreated, registerResponse{WorkerID: worker.ID})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context(), store.WorkerFilter{})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []*job.Worker{}
	}
	writeJSON(w, http.StatusOK, workerListResponse{Workers: workers, Count: len(workers)})
}

// handleHeartbeat refreshes the worker's liveness window and hands back
// the next queued job assigned to it, if any. An unknown worker id gets
// 404 so the caller re-registers.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker, err := s.store.GetWorker(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	worker.LastHeartbeat = job.Now()
	if worker.Status == job.WorkerOffline {
		// Coming back after a missed window; the reaper already drained
		// the held set.
		worker.Status = job.WorkerIdle
	}
	if err := s.store.UpdateWorker(ctx, worker); err != nil {
		writeStoreError(w, err)
		return
	}

	next, err := s.scheduler.NextJobForWorker(ctx, worker)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok", NextJob: next})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.scheduler.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.scheduler.RetryJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cfg := s.scheduler.Config()
	writeJSON(w, http.StatusOK, statsResponse{
		Queue: stats,
		Scheduler: schedulerInfo{
			IntervalSeconds:      int(cfg.Interval.Seconds()),
			WorkerTimeoutSeconds: int(cfg.WorkerTimeout.Seconds()),
			JobTimeoutSeconds:    int(cfg.JobTimeout.Seconds()),
			MaxRetries:           cfg.MaxRetries,
		},
		Storage: s.store.Name(),
	})
}
