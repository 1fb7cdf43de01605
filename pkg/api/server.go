// Package api exposes job submission, job reads and per-job log streams over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/orchestrator"
	"g3/pkg/persistence"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Service is the orchestrator surface the handlers need.
type Service interface {
	Submit(ctx context.Context, requirement string, bp *job.Blueprint) (*job.Job, error)
	GetStatus(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, f persistence.JobFilter) ([]*job.Job, error)
	GetArtifacts(ctx context.Context, jobID string, all bool) ([]*job.Artifact, error)
	GetArtifact(ctx context.Context, jobID, artifactID string) (*job.Artifact, error)
	GetContract(ctx context.Context, jobID string) (*orchestrator.Contract, error)
	Validations(ctx context.Context, jobID string) ([]*job.ValidationResult, error)
	RepairAttempts(ctx context.Context, jobID string) ([]job.RepairAttempt, error)
	Cancel(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context, jobID string) (*orchestrator.Subscription, error)
	Stats() orchestrator.PoolStats
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Options configures a Server. Metrics is mounted at /metrics when set.
type Options struct {
	Metrics   http.Handler
	Addr      string
	Heartbeat time.Duration
	Quiet     bool
}

// Server serves the job API.
type Server struct {
	svc     Service
	logger  *logx.Logger
	handler http.Handler
	srv     *http.Server
	opts    Options
}

// NewServer builds the router. Call Handler for tests or ListenAndServe to
// serve on opts.Addr.
func NewServer(svc Service, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	s := &Server{svc: svc, opts: opts, logger: logx.NewLogger("api")}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	if !s.opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/artifacts", s.handleArtifacts)
			r.Get("/artifacts/{artifactID}/content", s.handleArtifactContent)
			r.Get("/contract", s.handleContract)
			r.Get("/validations", s.handleValidations)
			r.Get("/repairs", s.handleRepairs)
			r.Post("/cancel", s.handleCancel)
			r.Get("/logs", s.handleLogs)
		})
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// No write timeout: log streams stay open for the life of a job.
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", s.opts.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
