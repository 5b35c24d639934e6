package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ai-batch-processor/internal/infra/metrics"
	"ai-batch-processor/internal/usecase"
)

// SubmitLimiter throttles submissions per token subject.
type SubmitLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

type Server struct {
	batch     usecase.BatchUseCase
	auth      *AuthManager
	limiter   SubmitLimiter
	window    time.Duration
	heartbeat time.Duration
	log       *zerolog.Logger
}

// NewServer builds the HTTP API. limiter may be nil.
func NewServer(
	batch usecase.BatchUseCase,
	auth *AuthManager,
	limiter SubmitLimiter,
	submitWindow time.Duration,
	logger *zerolog.Logger,
) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "HTTP").Logger()
	return &Server{
		batch:     batch,
		auth:      auth,
		limiter:   limiter,
		window:    submitWindow,
		heartbeat: 15 * time.Second,
		log:       &l,
	}
}

// Routes returns the router with every API route mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/models", s.handleModels)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/jobs/{id}/abort", s.handleAbortJob)
		r.Post("/jobs/retry-failed", s.handleRetryFailed)
		r.Post("/jobs/abort", s.handleAbortJobs)

		r.Get("/session", s.handleSession)
		r.Delete("/session", s.handleClear)
		r.Get("/session/events", s.handleEvents)
		r.Post("/session/pause", s.handlePause)
		r.Post("/session/resume", s.handleResume)
	})
	return r
}

// NewHTTPServer wraps Routes in an http.Server. WriteTimeout stays zero so
// event streams are not cut.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
