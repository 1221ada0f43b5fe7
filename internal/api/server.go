package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/holdmusic/internal/api/middleware"
	"github.com/flowpbx/holdmusic/internal/database"
	"github.com/flowpbx/holdmusic/internal/sip"
)

// CallLister returns the live call sessions.
type CallLister interface {
	ActiveCalls(ctx context.Context) ([]sip.CallInfo, error)
}

// HistoryLister returns finished calls, newest first.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]database.CallRecord, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	calls    CallLister
	history  HistoryLister
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. history may
// be nil when call history is disabled; gatherer may be nil to leave
// /metrics unmounted.
func NewServer(calls CallLister, history HistoryLister, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		calls:    calls,
		history:  history,
		gatherer: gatherer,
		logger:   logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/history", s.handleListHistory)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.calls.ActiveCalls(r.Context())
	if err != nil {
		s.logger.Error("listing active calls", "error", err)
		writeError(w, http.StatusServiceUnavailable, "call state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(calls))
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}

	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing call history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(records))
}
