package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
	"github.com/scoutdesk/jobgate/internal/telemetry"
)

// Server represents the webhook HTTP server.
type Server struct {
	config   Config
	ingestor Ingestor
	events   events.Publisher
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new webhook server instance. pub may be nil.
func New(cfg Config, ingestor Ingestor, pub events.Publisher, logger *slog.Logger) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = DefaultSecretHeader
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Server{
		config:   cfg,
		ingestor: ingestor,
		events:   pub,
		logger:   logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleWebhook)
	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.reject(w, r, http.StatusRequestEntityTooLarge, "too_large", "payload too large")
		return
	}

	if err := verifySharedSecret(r.Header.Get(s.config.SecretHeader), s.config.Secret); err != nil {
		s.reject(w, r, http.StatusForbidden, "bad_secret", "forbidden")
		return
	}
	if s.config.SignatureHeader != "" {
		if err := verifyHMACSignature(body, r.Header.Get(s.config.SignatureHeader), s.config.Secret); err != nil {
			s.reject(w, r, http.StatusForbidden, "bad_signature", "forbidden")
			return
		}
	}

	ev, err := session.ParseEvent(body)
	switch {
	case errors.Is(err, session.ErrUnknownEventKind):
		telemetry.WebhookEvents.WithLabelValues("unknown", StatusIgnored).Inc()
		s.logger.Warn("webhook event ignored", "error", err)
		s.respondJSON(w, http.StatusAccepted, IngestResponse{Status: StatusIgnored})
		return
	case err != nil:
		s.reject(w, r, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	logger := s.logger.With("session_id", ev.SessionID, "event_kind", ev.Kind)
	sess, changed, err := s.ingestor.ApplyEvent(ctx, ev)
	if errors.Is(err, session.ErrPruned) {
		telemetry.WebhookEvents.WithLabelValues(string(ev.Kind), StatusIgnored).Inc()
		logger.Info("webhook event ignored for pruned session")
		s.respondJSON(w, http.StatusAccepted, IngestResponse{Status: StatusIgnored, SessionID: ev.SessionID})
		return
	}
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		logger.Error("failed to apply webhook event", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to apply event")
		return
	}

	status := StatusApplied
	if changed {
		s.events.Publish(events.TypeSessionUpdated, sess.SessionID, sess)
		logger.Debug("webhook event applied", "status", sess.Status, "progress", sess.ProgressPercent)
	} else {
		status = StatusIgnored
		logger.Info("webhook event ignored for terminal session", "status", sess.Status)
	}
	telemetry.WebhookEvents.WithLabelValues(string(ev.Kind), status).Inc()

	s.respondJSON(w, http.StatusAccepted, IngestResponse{
		Status:        status,
		SessionID:     sess.SessionID,
		SessionStatus: sess.Status,
	})
}

// reject logs a boundary rejection for security review.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int, reason, message string) {
	telemetry.WebhookRejections.WithLabelValues(reason).Inc()
	s.logger.Warn("webhook request rejected",
		"reason", reason,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"request_id", middleware.GetReqID(r.Context()),
	)
	s.respondError(w, code, message)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
