package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/turnstream/internal/storage"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// getTurn handles GET /turn/{turnID}
func (s *Server) getTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")

	rec, err := s.store.GetTurn(r.Context(), turnID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Turn not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// listTurns handles GET /turn?scope=
func (s *Server) listTurns(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "scope is required")
		return
	}

	turns, err := s.store.ListTurns(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if turns == nil {
		turns = []types.TurnRecord{}
	}

	writeJSON(w, http.StatusOK, turns)
}
