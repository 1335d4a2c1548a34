// Package api is the HTTP surface over the Manager (spec §2 component
// table: "API: thin HTTP delegation layer, no business logic"). The
// operation route takes account_id and op from the URL path and forwards
// the request body verbatim to Manager.Route; no handler knows the shape
// of a Trader's response.
// Grounded on aristath-sentinel/internal/server/server.go's chi +
// go-chi/cors + middleware.Recoverer/RequestID/Timeout wiring.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/api/wsfanout"
	"github.com/csuduan/qtrader-sub001/internal/manager"
)

// accountSummaryPushInterval is how often connected dashboards receive a
// fresh account-summary snapshot over the WebSocket fan-out.
const accountSummaryPushInterval = 2 * time.Second

// Config is the Server's construction parameters.
type Config struct {
	Log     zerolog.Logger
	Manager *manager.Manager
	Host    string
	Port    int
}

// Server is the thin HTTP/WebSocket delegation layer.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	mgr    *manager.Manager
	hub    *wsfanout.Hub

	stopPush chan struct{}
}

// New builds a Server with routes installed but not yet listening.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "api").Logger(),
		mgr:      cfg.Manager,
		hub:      wsfanout.New(cfg.Log),
		stopPush: make(chan struct{}),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/accounts", s.handleListAccounts)
	s.router.Get("/api/ws", s.hub.Handler)
	s.router.Post("/api/{account_id}/{op}", s.handleOp)
}

// pushLoop periodically broadcasts an account-summary snapshot to every
// connected dashboard over the WebSocket fan-out, so the UI doesn't need to
// poll GET /api/accounts.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(accountSummaryPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.Broadcast(s.mgr.ListAccounts())
		case <-s.stopPush:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListAccounts())
}

// handleOp is the single catch-all route: POST /api/{account_id}/{op}
// with an arbitrary JSON body, forwarded verbatim to the Trader named by
// account_id (spec §6: every `@request` operation is reachable this way).
func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	op := chi.URLParam(r, "op")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload json.RawMessage = body
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	result, err := s.mgr.Route(r.Context(), accountID, op, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", accountID).Str("op", op).Msg("route failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Start begins serving; it blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting API server")
	go s.pushLoop()
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and the WebSocket push loop.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopPush)
	return s.server.Shutdown(ctx)
}
