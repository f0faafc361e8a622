package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/turnstream/internal/session"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// CreateSessionResponse is returned by POST /session.
type CreateSessionResponse struct {
	SessionID string `json:"sessionID"`
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": len(s.sessions.Active()),
	})
}

// getMetrics handles GET /metrics
func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Metrics are not enabled")
		return
	}
	points, err := s.metrics.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if points == nil {
		points = []telemetry.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Active()
	if sessions == nil {
		sessions = []types.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session. Streaming starts in the background;
// the turn keeps running if this client goes away.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	id, err := s.sessions.Start(r.Context(), req)
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Server is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id})
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	info, err := s.sessions.Get(sessionID)
	if err != nil {
		sessionError(w, sessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// sessionSnapshot handles GET /session/{sessionID}/snapshot. Clients resume
// the event stream after the returned seq.
func (s *Server) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snap, ok := s.events.Snapshot(sessionID)
	if !ok {
		sessionError(w, sessionID, session.ErrSessionNotFound)
		return
	}

	writeJSON(w, http.StatusOK, snap.Data())
}

// cancelSession handles POST /session/{sessionID}/cancel
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.sessions.Cancel(sessionID); err != nil {
		sessionError(w, sessionID, err)
		return
	}

	writeSuccess(w)
}

func sessionError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, "Session not found", map[string]any{"sessionID": sessionID})
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
}
