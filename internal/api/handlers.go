package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scoutdesk/jobgate/internal/dispatch"
	"github.com/scoutdesk/jobgate/internal/idempotency"
	"github.com/scoutdesk/jobgate/internal/session"
)

const maxSubmitBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Store:         "ok",
	}
	if s.store != nil {
		if err := s.store.PingContext(r.Context()); err != nil {
			s.logger.Error("store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = "unreachable"
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /v1/submissions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner := principalOwner(r)
	if req.OwnerID == "" {
		req.OwnerID = owner
	}
	if owner != "" && req.OwnerID != owner {
		respondJSON(w, http.StatusForbidden, ErrorResponse{
			Error:  "token is bound to another owner",
			Reason: "owner_mismatch",
		})
		return
	}

	res, err := s.gate.Submit(r.Context(), dispatch.Request{
		RequestKey: req.RequestKey,
		OwnerID:    req.OwnerID,
		Kind:       req.Kind,
		Payload:    req.Payload,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrWorkerUnavailable) {
			respondJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:     "worker unavailable",
				Retryable: true,
			})
			return
		}
		s.logger.Error("submission failed", "request_key", req.RequestKey, "owner_id", req.OwnerID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeRejected:
		respondJSON(w, rejectStatus(res.Reason), ErrorResponse{Error: res.Message, Reason: string(res.Reason)})
	case dispatch.OutcomeDispatched:
		respondJSON(w, http.StatusOK, SubmitResponse{Status: StatusDispatched, JobID: res.JobID, SessionID: res.SessionID})
	case dispatch.OutcomeDuplicate:
		respondJSON(w, http.StatusOK, SubmitResponse{Status: StatusDuplicate, ExistingJobID: res.JobID, SessionID: res.SessionID})
	default:
		respondJSON(w, http.StatusOK, SubmitResponse{Status: StatusProcessing, SessionID: res.SessionID, ExistingKey: res.ExistingKey})
	}
}

func rejectStatus(reason dispatch.RejectReason) int {
	switch reason {
	case dispatch.ReasonRateLimited:
		return http.StatusTooManyRequests
	case dispatch.ReasonKeyConflict:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// handleGetSubmission handles GET /v1/submissions/{requestKey}.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "requestKey")

	rec, err := s.submissions.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, idempotency.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		s.logger.Error("failed to retrieve submission", "request_key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve submission")
		return
	}
	if owner := principalOwner(r); owner != "" && owner != rec.OwnerID {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}

	respondJSON(w, http.StatusOK, SubmissionStatusResponse{
		RequestKey: rec.RequestKey,
		OwnerID:    rec.OwnerID,
		Status:     string(rec.Status),
		JobID:      rec.ExternalJobID,
		SessionID:  rec.SessionID,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	})
}

// handleListSessions handles GET /v1/sessions?status=&kind=&owner=&limit=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter session.Filter
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		st, err := session.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		k, err := session.ParseKind(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = k
	}
	filter.OwnerID = strings.TrimSpace(q.Get("owner"))
	if owner := principalOwner(r); owner != "" {
		filter.OwnerID = owner
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := s.sessions.ListRecent(r.Context(), limit, filter)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []session.JobSession{}
	}
	respondJSON(w, http.StatusOK, SessionListResponse{Sessions: list})
}

// handleGetSession handles GET /v1/sessions/{sessionID}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, ok := s.visibleSession(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleListZombies handles GET /v1/zombies?threshold=.
func (s *Server) handleListZombies(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if v := r.URL.Query().Get("threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "threshold must be a positive duration")
			return
		}
		threshold = d
	}

	zombies, err := s.reaper.Scan(r.Context(), threshold)
	if err != nil {
		s.logger.Error("zombie scan failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "zombie scan failed")
		return
	}

	out := make([]session.JobSession, 0, len(zombies))
	owner := principalOwner(r)
	for _, z := range zombies {
		if owner != "" && z.OwnerID != owner {
			continue
		}
		out = append(out, z)
	}
	respondJSON(w, http.StatusOK, SessionListResponse{Sessions: out})
}

// handleForceClose handles POST /v1/admin/sessions/{sessionID}/force-close.
func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req ForceCloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sess, err := s.reaper.ForceClose(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("force-close failed", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "force-close failed")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// visibleSession loads a session the caller is allowed to see, writing the
// error response itself when it is not.
func (s *Server) visibleSession(w http.ResponseWriter, r *http.Request, id string) (*session.JobSession, bool) {
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		s.logger.Error("failed to retrieve session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve session")
		return nil, false
	}
	if owner := principalOwner(r); owner != "" && owner != sess.OwnerID {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
