package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"generation-orchestrator/internal/jobs"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/pipeline"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
	"generation-orchestrator/internal/telemetry"
)

// Archive looks up jobs that are no longer in the registry.
type Archive interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Options carries request defaults.
type Options struct {
	WaitTimeout       time.Duration
	DefaultMaxRetries int
}

// Server wires HTTP handlers for the submission API and the document pipeline.
type Server struct {
	opts       Options
	registry   *registry.Registry
	generation *jobs.Service
	sections   *jobs.Service
	pipeline   *pipeline.Orchestrator
	archive    Archive
	limiter    *ratelimit.TokenBucket
	validate   *validator.Validate
	logger     *slog.Logger
}

// New constructs the API server. archive and limiter may be nil.
func New(opts Options, reg *registry.Registry, generation, sections *jobs.Service, orch *pipeline.Orchestrator, archive Archive, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	return &Server{
		opts:       opts,
		registry:   reg,
		generation: generation,
		sections:   sections,
		pipeline:   orch,
		archive:    archive,
		limiter:    limiter,
		validate:   validator.New(),
		logger:     logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/jobs", s.handleAddTask)
		r.Post("/jobs/batch", s.handleAddBatch)
		r.Post("/documents", s.handleDocument)
	})
	r.Post("/jobs/wait", s.handleWaitBatch)
	r.Delete("/jobs/finished", s.handleClearFinished)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/wait", s.handleWaitJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/queue", s.handleQueue)
	r.Post("/queue/pause", s.handlePause)
	r.Post("/queue/resume", s.handleResume)
	return r
}

type taskRequest struct {
	Identifier string         `json:"identifier" validate:"required"`
	Operation  string         `json:"operation"`
	Subject    map[string]any `json:"subject"`
	Target     map[string]any `json:"target,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (t taskRequest) toTask(tenant string) jobs.TaskRequest {
	meta := make(map[string]any, len(t.Metadata)+1)
	for k, v := range t.Metadata {
		meta[k] = v
	}
	meta[models.MetaTenant] = tenant
	return jobs.TaskRequest{
		Request: provider.Request{
			Identifier: t.Identifier,
			Operation:  t.Operation,
			Subject:    t.Subject,
			Target:     t.Target,
		},
		Metadata: meta,
	}
}

type addTaskRequest struct {
	taskRequest
	Priority   int  `json:"priority"`
	MaxRetries *int `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
}

type addBatchRequest struct {
	Tasks      []taskRequest `json:"tasks" validate:"required,min=1,max=100,dive"`
	Priority   int           `json:"priority"`
	MaxRetries *int          `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
}

type waitBatchRequest struct {
	JobIDs    []string `json:"job_ids" validate:"required,min=1,max=500,dive,required"`
	TimeoutMS int      `json:"timeout_ms" validate:"gte=0"`
}

func (s *Server) maxRetries(v *int) int {
	if v != nil {
		return *v
	}
	return s.opts.DefaultMaxRetries
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.generation.AddTask(req.toTask(tenantFromRequest(r)), req.Priority, s.maxRetries(req.MaxRetries))
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, _ := s.registry.Get(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "job": job})
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var req addBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant := tenantFromRequest(r)
	tasks := make([]jobs.TaskRequest, len(req.Tasks))
	for i, t := range req.Tasks {
		tasks[i] = t.toTask(tenant)
	}
	ids, err := s.generation.AddBatch(tasks, req.Priority, s.maxRetries(req.MaxRetries))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) handleWaitBatch(w http.ResponseWriter, r *http.Request) {
	var req waitBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	timeout := s.opts.WaitTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	results := s.generation.WaitForBatch(r.Context(), req.JobIDs, timeout)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := s.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if s.archive != nil {
		job, err := s.archive.GetJob(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
		s.logger.Debug("archive lookup failed", "job_id", id, "error", err)
	}
	writeErrorMessage(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
}

func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), s.opts.WaitTimeout)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.generation.WaitForJob(r.Context(), id, timeout)
	switch {
	case errors.Is(err, jobs.ErrWaitTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": err.Error(), "result": res})
	case err != nil:
		s.writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// parseTimeout accepts a Go duration ("30s") or plain milliseconds.
func parseTimeout(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.generation.CancelJob(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleClearFinished(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.generation.ClearFinished()})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]scheduler.Stats{
		"generation": s.generation.Stats(),
		"sections":   s.sections.Stats(),
	})
}

// queues returns the services named by ?scheduler=, or both.
func (s *Server) queues(r *http.Request) ([]*jobs.Service, bool) {
	switch r.URL.Query().Get("scheduler") {
	case "":
		return []*jobs.Service{s.generation, s.sections}, true
	case "generation":
		return []*jobs.Service{s.generation}, true
	case "sections":
		return []*jobs.Service{s.sections}, true
	default:
		return nil, false
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	qs, ok := s.queues(r)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "unknown scheduler")
		return
	}
	for _, q := range qs {
		q.Pause()
	}
	s.handleQueue(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	qs, ok := s.queues(r)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "unknown scheduler")
		return
	}
	for _, q := range qs {
		q.Resume()
	}
	s.handleQueue(w, r)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	var req models.DocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if r.URL.Query().Get("async") == "true" {
		masterID, err := s.pipeline.Start(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"master_job_id": masterID})
		return
	}
	run, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Take(r.Context(), fmt.Sprintf("rl:%s", tenantFromRequest(r)))
		if err != nil {
			s.logger.Error("rate limiter", "error", err)
			writeErrorMessage(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeErrorMessage(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobs.ErrAlreadyFinished):
		code = http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrNoSections),
		errors.Is(err, pipeline.ErrDuplicateOrder):
		code = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeErrorMessage(w, code, err.Error())
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeErrorMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
