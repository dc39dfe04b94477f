package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scoutdesk/jobgate/internal/auth"
	"github.com/scoutdesk/jobgate/internal/dispatch"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/idempotency"
	"github.com/scoutdesk/jobgate/internal/session"
	"github.com/scoutdesk/jobgate/internal/telemetry"
)

// Submitter admits submissions.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// SubmissionReader reads idempotency records.
type SubmissionReader interface {
	Get(ctx context.Context, requestKey string) (*idempotency.Record, error)
}

// SessionReader is the read side of the session registry.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*session.JobSession, error)
	ListRecent(ctx context.Context, limit int, f session.Filter) ([]session.JobSession, error)
}

// ZombieReaper scans for and force-closes stale sessions.
type ZombieReaper interface {
	Scan(ctx context.Context, threshold time.Duration) ([]session.JobSession, error)
	ForceClose(ctx context.Context, sessionID, reason string) (*session.JobSession, error)
}

// EventSource feeds the SSE stream.
type EventSource interface {
	SnapshotSince(lastID int64, sessionID string) []events.Event
	Subscribe(sessionID string) (<-chan events.Event, func())
}

// Pinger reports store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the server's collaborators. Store may be nil.
type Deps struct {
	Gate        Submitter
	Submissions SubmissionReader
	Sessions    SessionReader
	Reaper      ZombieReaper
	Events      EventSource
	Store       Pinger
	Logger      *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config      Config
	gate        Submitter
	submissions SubmissionReader
	sessions    SessionReader
	reaper      ZombieReaper
	events      EventSource
	store       Pinger
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:      config,
		gate:        deps.Gate,
		submissions: deps.Submissions,
		sessions:    deps.Sessions,
		reaper:      deps.Reaper,
		events:      deps.Events,
		store:       deps.Store,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeJobsWrite)).Post("/submissions", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/submissions/{requestKey}", s.handleGetSubmission)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/sessions", s.handleListSessions)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/sessions/{sessionID}", s.handleGetSession)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/zombies", s.handleListZombies)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeAdmin)).Post("/admin/sessions/{sessionID}/force-close", s.handleForceClose)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
