// Package api exposes the governance gateway over HTTP: session lifecycle,
// evaluation, gate resolution, ledger inspection, policy validation, and a
// websocket feed of ledger events.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/adapter"
	"github.com/gatewarden/gatewarden/internal/archive"
	"github.com/gatewarden/gatewarden/internal/compensate"
	"github.com/gatewarden/gatewarden/internal/ledger"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Options configure the REST façade beyond the session manager itself.
// Every field is optional; zero values disable the corresponding feature.
type Options struct {
	// Policies supplies the default policy for POST /sessions requests
	// that do not inline one.
	Policies *policy.Loader

	// Archive lets GET /sessions and the report/ledger endpoints reach
	// sessions terminated in earlier process runs.
	Archive *archive.Store

	// Registry enables POST /sessions/{id}/rollback.
	Registry *adapter.Registry

	// AuthToken, when set, requires `Authorization: Bearer <token>` on all
	// routes except /health and /ws/events.
	AuthToken string

	// CORS relaxes the origin checks for browser dashboards.
	CORS bool
}

// Server is the REST façade over a session manager.
type Server struct {
	sessions   *session.Manager
	opts       Options
	planner    *compensate.Planner
	hub        *EventHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the façade. The session manager is required; everything
// else comes from opts.
func NewServer(sessions *session.Manager, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions: sessions,
		opts:     opts,
		hub:      NewEventHub(logger, opts.CORS),
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "api.Server"),
	}
	if opts.Registry != nil {
		s.planner = compensate.NewPlanner(opts.Registry, sessions, logger)
	}
	s.registerRoutes()
	return s
}

// authRequired wraps a handler with bearer-token authentication. With no
// token configured the handler is returned unwrapped, so open deployments
// pay nothing.
func (s *Server) authRequired(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.AuthToken == "" {
		return next
	}
	want := []byte(s.opts.AuthToken)

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		provided := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Sessions
	s.mux.HandleFunc("POST /sessions", s.authRequired(s.handleCreateSession))
	s.mux.HandleFunc("GET /sessions", s.authRequired(s.handleListSessions))
	s.mux.HandleFunc("GET /sessions/{id}", s.authRequired(s.handleGetSession))
	s.mux.HandleFunc("POST /sessions/{id}/evaluate", s.authRequired(s.handleEvaluate))
	s.mux.HandleFunc("POST /sessions/{id}/record", s.authRequired(s.handleRecordResult))
	s.mux.HandleFunc("POST /sessions/{id}/approve", s.authRequired(s.handleApprove))
	s.mux.HandleFunc("POST /sessions/{id}/reject", s.authRequired(s.handleReject))
	s.mux.HandleFunc("POST /sessions/{id}/terminate", s.authRequired(s.handleTerminate))
	s.mux.HandleFunc("POST /sessions/{id}/rollback", s.authRequired(s.handleRollback))

	// Ledger
	s.mux.HandleFunc("GET /sessions/{id}/report", s.authRequired(s.handleReport))
	s.mux.HandleFunc("GET /sessions/{id}/ledger", s.authRequired(s.handleLedger))
	s.mux.HandleFunc("GET /sessions/{id}/ledger/summary", s.authRequired(s.handleLedgerSummary))
	s.mux.HandleFunc("GET /sessions/{id}/ledger/verify", s.authRequired(s.handleLedgerVerify))

	// Policies
	s.mux.HandleFunc("POST /validate", s.authRequired(s.handleValidate))

	// System. Health stays public for probes.
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// WebSocket. Browser clients cannot set Authorization headers here.
	s.mux.HandleFunc("GET /ws/events", s.hub.HandleWebSocket)
}

// Handler returns the HTTP handler for embedding or testing.
func (s *Server) Handler() http.Handler {
	if s.opts.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves the façade on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("REST facade listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// EventHook returns a callback for the session manager's event hook. Every
// ledger append is fanned out to websocket subscribers.
func (s *Server) EventHook() func(ledger.Entry) {
	return s.hub.Broadcast
}

// corsMiddleware adds permissive CORS headers for development dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
