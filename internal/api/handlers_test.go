package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutdesk/jobgate/internal/auth"
	"github.com/scoutdesk/jobgate/internal/dispatch"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/idempotency"
	"github.com/scoutdesk/jobgate/internal/log"
	"github.com/scoutdesk/jobgate/internal/session"
)

const (
	adminKey    = "admin-key"
	aliceToken  = "alice-token"
	viewerToken = "viewer-token"
)

// mockGate implements Submitter for testing
type mockGate struct {
	submitFunc func(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	calls      int
}

func (m *mockGate) Submit(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	m.calls++
	return m.submitFunc(ctx, req)
}

// mockSubmissions implements SubmissionReader for testing
type mockSubmissions map[string]idempotency.Record

func (m mockSubmissions) Get(_ context.Context, key string) (*idempotency.Record, error) {
	rec, ok := m[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return &rec, nil
}

// mockSessions implements SessionReader for testing
type mockSessions struct {
	sessions   map[string]session.JobSession
	lastFilter session.Filter
	lastLimit  int
	listErr    error
}

func (m *mockSessions) Get(_ context.Context, id string) (*session.JobSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &s, nil
}

func (m *mockSessions) ListRecent(_ context.Context, limit int, f session.Filter) ([]session.JobSession, error) {
	m.lastFilter, m.lastLimit = f, limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []session.JobSession
	for _, s := range m.sessions {
		if f.OwnerID != "" && s.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// mockReaper implements ZombieReaper for testing
type mockReaper struct {
	zombies       []session.JobSession
	lastThreshold time.Duration
	closed        map[string]string
}

func (m *mockReaper) Scan(_ context.Context, threshold time.Duration) ([]session.JobSession, error) {
	m.lastThreshold = threshold
	return m.zombies, nil
}

func (m *mockReaper) ForceClose(_ context.Context, id, reason string) (*session.JobSession, error) {
	if id == "missing" {
		return nil, session.ErrNotFound
	}
	if m.closed == nil {
		m.closed = map[string]string{}
	}
	m.closed[id] = reason
	return &session.JobSession{SessionID: id, Status: session.StatusForceClosed, ErrorMessage: session.ForceCloseMessage(reason)}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type fixture struct {
	gate     *mockGate
	subs     mockSubmissions
	sessions *mockSessions
	reaper   *mockReaper
	hub      *events.Hub
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gate: &mockGate{submitFunc: func(context.Context, dispatch.Request) (dispatch.Result, error) {
			return dispatch.Result{Outcome: dispatch.OutcomeDispatched, JobID: "J1", SessionID: "s1"}, nil
		}},
		subs: mockSubmissions{},
		sessions: &mockSessions{sessions: map[string]session.JobSession{
			"s-alice": {SessionID: "s-alice", OwnerID: "alice", Status: session.StatusRunning},
			"s-bob":   {SessionID: "s-bob", OwnerID: "bob", Status: session.StatusPending},
		}},
		reaper: &mockReaper{},
		hub:    events.NewHub(16),
	}
	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: aliceToken, Scopes: []string{auth.ScopeJobsWrite}, Owner: "alice"},
			{Token: viewerToken, Scopes: []string{auth.ScopeJobsRead}},
		},
	}, Deps{
		Gate:        f.gate,
		Submissions: f.subs,
		Sessions:    f.sessions,
		Reaper:      f.reaper,
		Events:      f.hub,
		Logger:      log.Discard(),
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func submitBody(key string) SubmitRequest {
	return SubmitRequest{RequestKey: key, OwnerID: "alice", Kind: "research", Payload: json.RawMessage(`{"q":"x"}`)}
}

func TestAuthAndScopes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/v1/sessions", want: http.StatusUnauthorized},
		{name: "unknown token", method: http.MethodGet, path: "/v1/sessions", token: "nope", want: http.StatusUnauthorized},
		{name: "read token lists", method: http.MethodGet, path: "/v1/sessions", token: viewerToken, want: http.StatusOK},
		{name: "read token cannot submit", method: http.MethodPost, path: "/v1/submissions", token: viewerToken, want: http.StatusForbidden},
		{name: "write token cannot force-close", method: http.MethodPost, path: "/v1/admin/sessions/s-alice/force-close", token: aliceToken, want: http.StatusForbidden},
		{name: "admin force-closes", method: http.MethodPost, path: "/v1/admin/sessions/s-alice/force-close", token: adminKey, want: http.StatusOK},
		{name: "healthz is open", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{name: "metrics is open", method: http.MethodGet, path: "/metrics", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, f.gate.calls)
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result dispatch.Result
		err    error
		code   int
		check  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:   "dispatched",
			result: dispatch.Result{Outcome: dispatch.OutcomeDispatched, JobID: "J1", SessionID: "s1"},
			code:   http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[SubmitResponse](t, rec)
				assert.Equal(t, SubmitResponse{Status: StatusDispatched, JobID: "J1", SessionID: "s1"}, resp)
			},
		},
		{
			name:   "duplicate",
			result: dispatch.Result{Outcome: dispatch.OutcomeDuplicate, JobID: "J1", SessionID: "s1"},
			code:   http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[SubmitResponse](t, rec)
				assert.Equal(t, StatusDuplicate, resp.Status)
				assert.Equal(t, "J1", resp.ExistingJobID)
				assert.Empty(t, resp.JobID)
			},
		},
		{
			name:   "processing",
			result: dispatch.Result{Outcome: dispatch.OutcomeProcessing, SessionID: "s1", ExistingKey: "a"},
			code:   http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[SubmitResponse](t, rec)
				assert.Equal(t, StatusProcessing, resp.Status)
				assert.Equal(t, "a", resp.ExistingKey)
			},
		},
		{
			name:   "invalid",
			result: dispatch.Result{Outcome: dispatch.OutcomeRejected, Reason: dispatch.ReasonInvalid, Message: "bad kind"},
			code:   http.StatusBadRequest,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[ErrorResponse](t, rec)
				assert.Equal(t, "invalid_request", resp.Reason)
				assert.Equal(t, "bad kind", resp.Error)
			},
		},
		{
			name:   "rate limited",
			result: dispatch.Result{Outcome: dispatch.OutcomeRejected, Reason: dispatch.ReasonRateLimited},
			code:   http.StatusTooManyRequests,
		},
		{
			name:   "key conflict",
			result: dispatch.Result{Outcome: dispatch.OutcomeRejected, Reason: dispatch.ReasonKeyConflict},
			code:   http.StatusForbidden,
		},
		{
			name: "worker unavailable",
			err:  fmt.Errorf("%w: connection refused", dispatch.ErrWorkerUnavailable),
			code: http.StatusBadGateway,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[ErrorResponse](t, rec)
				assert.True(t, resp.Retryable)
			},
		},
		{
			name: "store failure",
			err:  errors.New("database is locked"),
			code: http.StatusInternalServerError,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[ErrorResponse](t, rec)
				assert.False(t, resp.Retryable)
				assert.NotContains(t, resp.Error, "locked")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gate.submitFunc = func(context.Context, dispatch.Request) (dispatch.Result, error) {
				return tt.result, tt.err
			}
			rec := f.do(t, http.MethodPost, "/v1/submissions", adminKey, submitBody("k1"))
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

func TestSubmitOwnerBinding(t *testing.T) {
	f := newFixture(t)
	var got dispatch.Request
	f.gate.submitFunc = func(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
		got = req
		return dispatch.Result{Outcome: dispatch.OutcomeDispatched, JobID: "J1"}, nil
	}

	body := submitBody("k1")
	body.OwnerID = ""
	rec := f.do(t, http.MethodPost, "/v1/submissions", aliceToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", got.OwnerID, "bound owner fills the request")
	assert.Equal(t, "research", got.Kind)
	assert.JSONEq(t, `{"q":"x"}`, string(got.Payload))

	body.OwnerID = "bob"
	rec = f.do(t, http.MethodPost, "/v1/submissions", aliceToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "owner_mismatch", decode[ErrorResponse](t, rec).Reason)
	assert.Equal(t, 1, f.gate.calls, "mismatch is rejected before the gate")
}

func TestSubmitInvalidJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+adminKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.gate.calls)
}

func TestGetSubmission(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.subs["k1"] = idempotency.Record{
		RequestKey:    "k1",
		OwnerID:       "alice",
		Status:        idempotency.StatusCompleted,
		SessionID:     "s1",
		ExternalJobID: "J1",
		CreatedAt:     created,
		ExpiresAt:     created.Add(24 * time.Hour),
	}

	rec := f.do(t, http.MethodGet, "/v1/submissions/k1", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SubmissionStatusResponse](t, rec)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "J1", resp.JobID)
	assert.Equal(t, "s1", resp.SessionID)

	rec = f.do(t, http.MethodGet, "/v1/submissions/nope", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.subs["k2"] = idempotency.Record{RequestKey: "k2", OwnerID: "bob", Status: idempotency.StatusPending}
	rec = f.do(t, http.MethodGet, "/v1/submissions/k2", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other owners' keys are invisible")
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/sessions?status=running&kind=report&owner=bob&limit=5", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.Filter{Status: session.StatusRunning, Kind: session.KindReport, OwnerID: "bob"}, f.sessions.lastFilter)
	assert.Equal(t, 5, f.sessions.lastLimit)

	rec = f.do(t, http.MethodGet, "/v1/sessions?owner=bob", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", f.sessions.lastFilter.OwnerID, "bound owner overrides the filter")
	list := decode[SessionListResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "s-alice", list.Sessions[0].SessionID)

	for _, q := range []string{"status=sleeping", "kind=poem", "limit=-1", "limit=ten"} {
		rec = f.do(t, http.MethodGet, "/v1/sessions?"+q, viewerToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = f.do(t, http.MethodGet, "/v1/sessions?status=zombie_suspect", viewerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/zombies")

	f.sessions.listErr = errors.New("boom")
	rec = f.do(t, http.MethodGet, "/v1/sessions", viewerToken, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListSessionsEmptyIsArray(t *testing.T) {
	f := newFixture(t)
	f.sessions.sessions = nil
	rec := f.do(t, http.MethodGet, "/v1/sessions", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/sessions/s-bob", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StatusPending, decode[session.JobSession](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/v1/sessions/s-bob", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/sessions/missing", viewerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListZombies(t *testing.T) {
	f := newFixture(t)
	f.reaper.zombies = []session.JobSession{
		{SessionID: "z1", OwnerID: "alice", Status: session.StatusZombieSuspect},
		{SessionID: "z2", OwnerID: "bob", Status: session.StatusZombieSuspect},
	}

	rec := f.do(t, http.MethodGet, "/v1/zombies?threshold=5m", viewerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Minute, f.reaper.lastThreshold)
	assert.Len(t, decode[SessionListResponse](t, rec).Sessions, 2)

	rec = f.do(t, http.MethodGet, "/v1/zombies", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.reaper.lastThreshold, "default threshold")
	list := decode[SessionListResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "z1", list.Sessions[0].SessionID)

	rec = f.do(t, http.MethodGet, "/v1/zombies?threshold=soon", viewerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceCloseHandler(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/sessions/s-alice/force-close", adminKey, ForceCloseRequest{Reason: " stuck "})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[session.JobSession](t, rec)
	assert.Equal(t, session.StatusForceClosed, got.Status)
	assert.Equal(t, "stuck", f.reaper.closed["s-alice"])

	rec = f.do(t, http.MethodPost, "/v1/admin/sessions/missing/force-close", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthzResponse](t, rec).Status)

	srv := New(Config{}, Deps{
		Store:  pingFunc(func(context.Context) error { return errors.New("down") }),
		Logger: log.Discard(),
	})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unreachable", decode[HealthzResponse](t, rec).Store)
}

func TestOpenAPIDoc(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decode[map[string]any](t, rec)
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/submissions")
	assert.Contains(t, paths, "/v1/admin/sessions/{sessionId}/force-close")

	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	kind := schemas["SubmitRequest"].(map[string]any)["properties"].(map[string]any)["kind"].(map[string]any)
	assert.Len(t, kind["enum"], len(session.Kinds))
}
