package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/state"
)

// stateResponse is returned by the state and counts endpoints.
type stateResponse struct {
	Period   state.Period `json:"period"`
	Revision uint64       `json:"revision"`
	Rollover string       `json:"rollover,omitempty"`
}

// handleState handles GET /api/v1/state. The period is rolled over to the
// current day first.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out, err := s.app.CheckDate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, rev := s.app.State.Snapshot()
	resp := stateResponse{Period: p, Revision: rev}
	if out.Changed() {
		resp.Rollover = out.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type countRequest struct {
	Goal  string `json:"goal"`
	Date  string `json:"date,omitempty"`
	Delta int    `json:"delta,omitempty"`
	Count *int   `json:"count,omitempty"`
}

// handleCounts handles POST /api/v1/counts. A request with "count" sets the
// value; otherwise "delta" (default 1) is added.
func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req countRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, err := s.app.CheckDate(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var action state.Action
	if req.Count != nil {
		action = state.SetCount{Goal: req.Goal, Date: req.Date, Count: *req.Count}
	} else {
		if req.Delta == 0 {
			req.Delta = 1
		}
		action = state.Increment{Goal: req.Goal, Date: req.Date, Delta: req.Delta}
	}
	p, rev, err := s.app.State.DispatchRevision(action)
	if err != nil {
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Period: p, Revision: rev})
}

// handleSelectDate handles PUT /api/v1/state/selected-date.
func (s *Server) handleSelectDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Date string `json:"date"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p, rev, err := s.app.State.DispatchRevision(state.SelectDate{Date: req.Date})
	if err != nil {
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Period: p, Revision: rev})
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, state.ErrUnknownGoal),
		errors.Is(err, state.ErrDateOutsideWeek),
		errors.Is(err, state.ErrFutureDate):
		return http.StatusBadRequest
	}
	var perr *time.ParseError
	if errors.As(err, &perr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// catalogEntry is a goal with its target over a whole week.
type catalogEntry struct {
	catalog.Goal
	WeeklyTarget int `json:"weekly_target"`
}

// handleCatalog handles GET /api/v1/catalog.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	goals := s.app.Catalog.Goals()
	out := make([]catalogEntry, 0, len(goals))
	for _, g := range goals {
		out = append(out, catalogEntry{Goal: g, WeeklyTarget: g.WeeklyTarget()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"goals": out})
}
