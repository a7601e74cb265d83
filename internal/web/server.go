// Package web serves the local JSON API and the websocket change feed.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/dopejs/tally/internal/app"
	"github.com/gorilla/websocket"
)

// Server is the local API server. It only listens on 127.0.0.1.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *log.Logger
	version    string
	port       int
	app        *app.App
	upgrader   websocket.Upgrader
	done       chan struct{}
}

// NewServer creates a server for a on the configured web port. If
// portOverride > 0, it is used instead.
func NewServer(a *app.App, version string, logger *log.Logger, portOverride int) *Server {
	port := a.Config.GetWebPort()
	if portOverride > 0 {
		port = portOverride
	}
	s := &Server{
		logger:  logger,
		version: version,
		port:    port,
		app:     a,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/state", s.handleState)
	s.mux.HandleFunc("/api/v1/state/selected-date", s.handleSelectDate)
	s.mux.HandleFunc("/api/v1/counts", s.handleCounts)
	s.mux.HandleFunc("/api/v1/catalog", s.handleCatalog)
	s.mux.HandleFunc("/api/v1/history", s.handleHistory)
	s.mux.HandleFunc("/api/v1/history/", s.handleHistoryWeek)
	s.mux.HandleFunc("/api/v1/sync", s.handleSync)
	s.mux.HandleFunc("/api/v1/sync/status", s.handleSyncStatus)
	s.mux.HandleFunc("/api/v1/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s.Handler(),
	}
	s.httpServer.RegisterOnShutdown(func() { close(s.done) })
	return s
}

// Handler returns the routed handler with the response headers applied.
func (s *Server) Handler() http.Handler {
	return s.securityHeaders(s.mux)
}

// Start begins listening. Returns an error if the port is already in use.
// Returns nil on graceful shutdown (http.ErrServerClosed).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use: %w", s.port, err)
	}
	s.logger.Printf("[web] listening on %s", s.httpServer.Addr)
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and ends open event feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
