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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/metrics"
	"github.com/JakeFAU/crawld/internal/scheduler"
)

// Service is the scheduler surface exposed over HTTP.
type Service interface {
	Schedule(ctx context.Context, req scheduler.Request) (string, error)
	Cancel(ctx context.Context, project, jobID, signal string) (jobs.State, error)
	Status(ctx context.Context) (scheduler.Status, error)
	ListJobs(ctx context.Context, project string) (scheduler.Listing, error)
	ListProjects(ctx context.Context) ([]string, error)
	ListVersions(ctx context.Context, project string) ([]string, error)
	ListSpiders(ctx context.Context, project, version string) ([]string, error)
}

// AuthConfig enables HTTP basic auth on the scrapyd routes.
type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Options configures the Server.
type Options struct {
	NodeName string
	// LogsDir is served under /logs/; empty disables log access.
	LogsDir string
	Auth    AuthConfig
	// Timeout bounds each request; zero means 60s.
	Timeout time.Duration
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.Timeout))
		if opts.Auth.Enabled {
			r.Use(chimw.BasicAuth("crawld", map[string]string{opts.Auth.Username: opts.Auth.Password}))
		}
		r.Post("/schedule.json", s.schedule)
		r.Post("/cancel.json", s.cancel)
		r.Get("/daemonstatus.json", s.daemonStatus)
		r.Get("/listjobs.json", s.listJobs)
		r.Get("/listprojects.json", s.listProjects)
		r.Get("/listversions.json", s.listVersions)
		r.Get("/listspiders.json", s.listSpiders)
		if opts.LogsDir != "" {
			r.Handle("/logs/*", http.StripPrefix("/logs/", http.FileServer(http.Dir(opts.LogsDir))))
		}
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

// writeOK sends a scrapyd success envelope with fields merged in.
func (s *Server) writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"node_name": s.opts.NodeName, "status": "ok"}
	for k, v := range fields {
		body[k] = v
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{
		"node_name": s.opts.NodeName,
		"status":    "error",
		"message":   err.Error(),
	})
}

// fail maps core errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, jobs.ErrInvalidJob),
		errors.Is(err, jobs.ErrUnknownProject),
		errors.Is(err, jobs.ErrUnknownSpider),
		errors.Is(err, jobs.ErrUnknownVersion),
		errors.Is(err, jobs.ErrDuplicateJobID):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	s.writeError(w, status, err)
}
