// Package api exposes the widget-facing HTTP interface: the check-and-load
// endpoint, job status polling, and the operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/admission"
	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/resilience"
	"github.com/askpage/askpage/internal/telemetry"
)

// Rate limit classes for the public endpoints.
const (
	classGenerate = "generate"
	classRead     = "read"
)

// Server wires HTTP handlers to the admission controller and stores.
type Server struct {
	router     chi.Router
	controller *admission.Controller
	publishers engine.PublisherStore
	jobs       engine.JobStore
	limiter    *resilience.Limiter
	ready      func(context.Context) error
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready is called
// by the readiness probe to check downstream health; nil means always ready.
func NewServer(
	controller *admission.Controller,
	publishers engine.PublisherStore,
	jobs engine.JobStore,
	limiter *resilience.Limiter,
	ready func(context.Context) error,
	timeout time.Duration,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		controller: controller,
		publishers: publishers,
		jobs:       jobs,
		limiter:    limiter,
		ready:      ready,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit(classGenerate)).
			Get("/questions/check-and-load", s.checkAndLoad)
		r.With(s.rateLimit(classRead)).
			Get("/jobs/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(s.logger, w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type checkAndLoadResponse struct {
	Status    admission.ProcessingStatus `json:"processing_status"`
	JobID     string                     `json:"job_id,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Questions []engine.Question          `json:"questions,omitempty"`
	BlogInfo  *engine.BlogInfo           `json:"blog_info,omitempty"`
}

func (s *Server) checkAndLoad(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFrom(r)
	blogURL := r.URL.Query().Get("blog_url")
	if blogURL == "" {
		writeError(s.logger, w, http.StatusBadRequest, "blog_url query parameter is required")
		return
	}

	outcome, err := s.controller.CheckAndLoad(r.Context(), apiKey, blogURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := checkAndLoadResponse{
		Status:  outcome.Status,
		JobID:   outcome.JobID,
		Message: outcome.Message,
	}
	if outcome.Status == admission.StatusReady {
		resp.Questions = outcome.Questions
		info := outcome.BlogInfo
		resp.BlogInfo = &info
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	pub, err := s.publishers.GetByAPIKey(r.Context(), apiKeyFrom(r))
	if err != nil {
		s.writeDomainError(w, &engine.AuthenticationError{Reason: "unknown api key"})
		return
	}

	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	// A foreign job is reported as missing so job ids do not leak across
	// tenants.
	if err != nil || job.PublisherID != pub.ID {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": job})
}
