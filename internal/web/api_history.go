package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
)

// handleHistory handles GET /api/v1/history?limit=N. Weeks are returned most
// recent first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	weeks, err := s.app.ExportHistory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if weeks == nil {
		weeks = []history.Week{}
	}
	if limit > 0 && len(weeks) > limit {
		weeks = weeks[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"weeks": weeks})
}

// handleHistoryWeek handles GET and PUT /api/v1/history/{weekStart}.
func (s *Server) handleHistoryWeek(w http.ResponseWriter, r *http.Request) {
	weekStart := strings.TrimPrefix(r.URL.Path, "/api/v1/history/")
	if weekStart == "" || strings.Contains(weekStart, "/") {
		writeError(w, http.StatusNotFound, "week not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		week, err := s.app.History.Get(r.Context(), weekStart)
		if err != nil {
			writeError(w, historyStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, week)
	case http.MethodPut:
		var req struct {
			Goal  string `json:"goal"`
			Total int    `json:"total"`
		}
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		week, err := s.app.EditWeek(r.Context(), weekStart, req.Goal, req.Total)
		if err != nil {
			writeError(w, historyStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, week)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func historyStatus(err error) int {
	switch {
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrUnknownGoal), errors.Is(err, app.ErrNegativeTotal):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
