// Package server is the manager's optional HTTP status endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/ocrfleet/internal/errors"
	"github.com/3leaps/ocrfleet/internal/observability"
	"github.com/3leaps/ocrfleet/internal/server/handlers"
	"github.com/3leaps/ocrfleet/internal/server/middleware"
)

// Timeouts bounds the http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithJobs serves /jobs from the given lister.
func WithJobs(jobs handlers.JobLister) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithMetrics serves /metrics from the given writer.
func WithMetrics(m handlers.MetricsWriter) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTimeouts overrides the default timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// WithVersion sets the version reported by /version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server serves health, job and metrics endpoints.
type Server struct {
	host     string
	port     int
	version  string
	jobs     handlers.JobLister
	metrics  handlers.MetricsWriter
	timeouts Timeouts
	router   chi.Router
	http     *http.Server
}

// New builds a Server. Routes are registered immediately; nothing listens
// until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: "dev",
		timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    30 * time.Second,
			Idle:     120 * time.Second,
			Shutdown: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NotFound("no route for "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.MethodNotAllowed(req.Method+" not allowed on "+req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		apperrors.WriteJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})
	r.Get("/jobs", handlers.JobsHandler(s.jobs))
	r.Get("/metrics", handlers.MetricsHandler(s.metrics))
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start listens in the background. The returned channel receives the serve
// error, if any, once the server stops.
func (s *Server) Start() (<-chan error, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	observability.CLILogger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Shutdown stops a started server, waiting at most the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Shutdown)
	defer cancel()
	return s.http.Shutdown(ctx)
}
