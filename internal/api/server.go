// Package api exposes a small admin HTTP surface over the session cache.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/session"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Sessions is the part of the session cache the API drives.
type Sessions interface {
	Get(ctx context.Context, userID string) (*types.SessionRecord, error)
	Invalidate(ctx context.Context, userID string) error
}

// Warmer runs one warming pass on demand.
type Warmer interface {
	WarmSessions(ctx context.Context) (session.WarmReport, error)
}

// SessionInfo is what the API reveals about a session. Cookie values never
// leave the process through this surface.
type SessionInfo struct {
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	CookieCount int       `json:"cookie_count"`
	Domains     []string  `json:"domains"`
}

// Server provides the admin REST API.
type Server struct {
	mux      *http.ServeMux
	addr     string
	logger   *slog.Logger
	sessions Sessions
	warmer   Warmer
	metrics  http.Handler
}

// NewServer creates an API server. warmer and metrics may be nil, in which
// case their routes answer 503 and 404.
func NewServer(cfg config.APIConfig, sessions Sessions, warmer Warmer, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		addr:     cfg.Addr,
		logger:   logger.With("component", "api_server"),
		sessions: sessions,
		warmer:   warmer,
		metrics:  metrics,
	}

	s.registerRoutes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("API server starting", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions/{user}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{user}", s.handleInvalidate)

	// Warming
	s.mux.HandleFunc("POST /api/warm", s.handleWarm)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	rec, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, userID, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SessionInfo{
		UserID:      rec.UserID,
		ExpiresAt:   rec.ExpiresAt,
		CookieCount: len(rec.Cookies),
		Domains:     rec.Domains(),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := s.sessions.Invalidate(r.Context(), userID); err != nil {
		s.errorResponse(w, userID, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "invalidated", "user_id": userID})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if s.warmer == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "warmer not configured"})
		return
	}
	report, err := s.warmer.WarmSessions(r.Context())
	if err != nil {
		s.errorResponse(w, "", err)
		return
	}

	failures := make(map[string]string, len(report.Errors))
	for userID, werr := range report.Errors {
		failures[userID] = string(types.Reason(werr))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"report":   report,
		"failures": failures,
	})
}

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrSessionInvalidated):
		return http.StatusConflict
	case errors.Is(err, types.ErrPoolClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch types.Reason(err) {
	case types.ReasonCredential:
		return http.StatusUnprocessableEntity
	case types.ReasonLogin:
		return http.StatusUnauthorized
	case types.ReasonNavigation:
		return http.StatusBadGateway
	case types.ReasonResource, types.ReasonStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, userID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "user_id", userID, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{
		"error":  err.Error(),
		"reason": string(types.Reason(err)),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
