package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/config"
	"github.com/JakeFAU/forum-ingestor/internal/docstore"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
	"github.com/JakeFAU/forum-ingestor/internal/orchestrator"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

const (
	requestTimeout   = 60 * time.Second
	readinessTimeout = 3 * time.Second
	enqueueTimeout   = 5 * time.Second
	maxWindowDays    = 30
)

// JobService is the orchestrator surface the API drives.
type JobService interface {
	CreateJob(ctx context.Context, channels []ingestor.ChannelSpec, params ingestor.JobParams) (string, error)
	GetJob(ctx context.Context, id string) (ingestor.Job, error)
	ListJobs(ctx context.Context) ([]ingestor.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Enqueuer hands created jobs to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, item ingestor.QueueItem) error
}

// HealthChecker reports document store health; *docstore.Client satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) (docstore.HealthStatus, error)
}

// Pinger is implemented by repositories backed by a database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Server. Progress, Events, and Health are optional.
type Deps struct {
	Jobs     JobService
	Queue    Enqueuer
	Resolver orchestrator.Resolver
	Health   HealthChecker
	Progress store.ProgressRepository
	Events   *Broadcaster
	Clock    ingestor.Clock
	Auth     config.AuthConfig
	// DefaultWindowHours applies when a request names no window.
	DefaultWindowHours int
	Logger             *zap.Logger
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		deps:     deps,
		progress: NewProgressHandler(deps.Progress, logger),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if deps.Auth.Enabled {
			r.Use(apiKeyMiddleware(deps.Auth.APIKey))
		}
		// The event stream is long-lived and must not sit behind the timeout.
		r.Get("/v1/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Route("/v1/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.deleteJob)
				})
			})
			r.Route("/api/runs", func(r chi.Router) {
				r.Get("/", s.progress.ListJobs)
				r.Get("/{job_id}", s.progress.GetJob)
				r.Get("/{job_id}/channels", s.progress.ListJobChannels)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if s.deps.Health != nil {
		status, err := s.deps.Health.Health(ctx)
		switch {
		case err != nil:
			checks["store"] = err.Error()
			ready = false
		default:
			checks["store"] = status.Status
		}
	}
	if p, ok := s.deps.Progress.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}
	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

type jobRequest struct {
	Channels []string `json:"channels"`
	Hours    *int     `json:"hours"`
	Days     *int     `json:"days"`
	Test     bool     `json:"test"`
	Limit    int      `json:"limit"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParams(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Resolver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no channels configured")
		return
	}
	channels, err := s.deps.Resolver(req.Channels)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.deps.Jobs.CreateJob(r.Context(), channels, params)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoChannels) {
			s.writeError(w, http.StatusBadRequest, "no enabled channels selected")
			return
		}
		s.logger.Error("create job failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := ingestor.QueueItem{JobID: jobID, Attempt: 1, Submitted: s.now().Unix()}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		s.logger.Error("enqueue job failed", zap.String("job_id", jobID), zap.Error(err))
		if delErr := s.deps.Jobs.DeleteJob(context.WithoutCancel(r.Context()), jobID); delErr != nil {
			s.logger.Warn("discard unqueued job failed", zap.String("job_id", jobID), zap.Error(delErr))
		}
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, "job queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(ingestor.JobStatusCreated),
	})
}

func (s *Server) toJobParams(req jobRequest) (ingestor.JobParams, error) {
	var params ingestor.JobParams
	switch {
	case req.Days != nil:
		if *req.Days <= 0 || *req.Days > maxWindowDays {
			return params, fmt.Errorf("days must be between 1 and %d", maxWindowDays)
		}
		params.WindowDays = *req.Days
	case req.Hours != nil:
		if *req.Hours <= 0 || *req.Hours > maxWindowDays*24 {
			return params, fmt.Errorf("hours must be between 1 and %d", maxWindowDays*24)
		}
		params.WindowHours = *req.Hours
	default:
		params.WindowHours = s.deps.DefaultWindowHours
	}
	if req.Limit < 0 {
		return params, errors.New("limit must be >= 0")
	}
	params.TestMode = req.Test
	params.ItemCap = req.Limit
	return params, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []ingestor.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ingestor.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.deps.Jobs.DeleteJob(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ingestor.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrJobRunning):
		s.writeError(w, http.StatusConflict, "job is running")
	default:
		s.logger.Error("delete job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
	}
}

// streamEvents serves progress events as text/event-stream. An optional
// job_id query parameter narrows the stream to one job.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobFilter := r.URL.Query().Get("job_id")

	clientID, events, cancel := s.deps.Events.Subscribe()
	defer cancel()
	logger := s.logger.With(zap.String("client_id", clientID))
	logger.Debug("event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": connected %s\n\n", clientID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if jobFilter != "" && evt.JobID != jobFilter {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				logger.Warn("encode event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := encodeJSON(w, status, payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	_ = encodeJSON(w, status, payload)
}

func encodeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
