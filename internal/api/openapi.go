package api

import (
	"net/http"
	"sync"

	"github.com/scoutdesk/jobgate/internal/session"
)

var (
	openAPIOnce sync.Once
	openAPIDoc  map[string]any
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() { openAPIDoc = buildOpenAPIDoc() })
	respondJSON(w, http.StatusOK, openAPIDoc)
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the v1 API.
func buildOpenAPIDoc() map[string]any {
	kinds := make([]string, 0, len(session.Kinds))
	for _, k := range session.Kinds {
		kinds = append(kinds, string(k))
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "jobgate",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/v1/submissions": map[string]any{
				"post": operation("submit", "Submit a job once per request key", map[string]string{
					"200": "Dispatched, duplicate or processing",
					"400": "Invalid request",
					"403": "Key or token bound to another owner",
					"429": "Rate limited",
					"502": "Worker unavailable; retry with the same key",
				}, map[string]any{"$ref": "#/components/schemas/SubmitRequest"}),
			},
			"/v1/submissions/{requestKey}": map[string]any{
				"get": operation("getSubmission", "Idempotency record for a request key", map[string]string{
					"200": "Submission status",
					"404": "Unknown or expired key",
				}, nil),
			},
			"/v1/sessions": map[string]any{
				"get": operation("listSessions", "Recent sessions filtered by status, kind or owner", map[string]string{
					"200": "Session list",
					"400": "Invalid filter",
				}, nil),
			},
			"/v1/sessions/{sessionId}": map[string]any{
				"get": operation("getSession", "Current session projection", map[string]string{
					"200": "Session",
					"404": "Session not found",
				}, nil),
			},
			"/v1/zombies": map[string]any{
				"get": operation("listZombies", "Running sessions with a stale heartbeat", map[string]string{
					"200": "Zombie suspects",
				}, nil),
			},
			"/v1/events": map[string]any{
				"get": operation("streamEvents", "Server-sent session events", map[string]string{
					"200": "text/event-stream",
				}, nil),
			},
			"/v1/admin/sessions/{sessionId}/force-close": map[string]any{
				"post": operation("forceClose", "Terminate a session (admin)", map[string]string{
					"200": "Closed or already terminal session",
					"404": "Session not found",
				}, map[string]any{"$ref": "#/components/schemas/ForceCloseRequest"}),
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"SubmitRequest": map[string]any{
					"type":     "object",
					"required": []string{"requestKey", "kind", "payload"},
					"properties": map[string]any{
						"requestKey": map[string]any{"type": "string", "maxLength": 200},
						"ownerId":    map[string]any{"type": "string"},
						"kind":       map[string]any{"type": "string", "enum": kinds},
						"payload":    map[string]any{},
					},
				},
				"ForceCloseRequest": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{"type": "string"},
					},
				},
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operation(id, summary string, responses map[string]string, body map[string]any) map[string]any {
	resp := make(map[string]any, len(responses))
	for code, desc := range responses {
		resp[code] = map[string]any{"description": desc}
	}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   resp,
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
	}
	if body != nil {
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": body},
			},
		}
	}
	return op
}
