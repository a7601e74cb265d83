package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dopejs/tally/internal/app"
	gosync "github.com/dopejs/tally/internal/sync"
)

const syncRequestTimeout = 60 * time.Second

// handleSync handles POST /api/v1/sync: one sync pass, run in the request.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), syncRequestTimeout)
	defer cancel()

	ran, err := s.app.Sync(ctx)
	if err != nil {
		s.logger.Printf("[web] sync: %v", err)
		writeError(w, syncStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ran":    ran,
		"status": s.app.SyncStatus(),
	})
}

// handleSyncStatus handles GET /api/v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.app.SyncStatus())
}

func syncStatusCode(err error) int {
	var rl *gosync.RateLimitError
	switch {
	case errors.Is(err, app.ErrSyncNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, gosync.ErrNetworkConstraint):
		return http.StatusServiceUnavailable
	case errors.Is(err, gosync.ErrPassphraseRequired), gosync.IsAuth(err):
		return http.StatusUnauthorized
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
