// Package server exposes the orchestrator's HTTP surface: job
// submission and queries, worker registration and heartbeats, and the
// operational endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/metrics"
	"github.com/qualgent/qgjob/internal/scheduler"
	"github.com/qualgent/qgjob/internal/store"
)

// Server wires the HTTP routes to the store and scheduler. Call Start
// to begin serving; it is non-blocking.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	log       *zap.Logger
	version   string

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New builds the server and its route table. Does not listen yet.
func New(addr string, st store.Store, sched *scheduler.Scheduler, m *metrics.Collector, log *zap.Logger, version string) *Server {
	s := &Server{
		store:     st,
		scheduler: sched,
		metrics:   m,
		log:       log,
		version:   version,
		addr:      addr,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleUpdateJob).Methods(http.MethodPut)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods(http.MethodPost)
	r.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.Use(s.logRequests)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.httpServer.Handler }

// Start begins listening. Non-blocking; the serve loop runs in a
// goroutine until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	// Keep the actual address; matters for ephemeral ports.
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http serve", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		log := s.log.Debug
		if rec.status >= http.StatusInternalServerError {
			log = s.log.Warn
		}
		log("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}
