// Package api exposes the HTTP interface for the proxy fleet.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/clock"
	"github.com/mbecker/applyfleet/internal/config"
	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/proxy"
	"github.com/mbecker/applyfleet/internal/ratelimit"
	"github.com/mbecker/applyfleet/internal/session"
	"github.com/mbecker/applyfleet/internal/telemetry"
)

// Server wires HTTP handlers to the session store, control plane, limiter,
// and forwarder.
type Server struct {
	router    chi.Router
	sessions  session.Store
	plane     control.Plane
	limiter   *ratelimit.Limiter
	forwarder *proxy.Forwarder
	cfg       config.Config
	clock     clock.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sessions session.Store,
	plane control.Plane,
	limiter *ratelimit.Limiter,
	forwarder *proxy.Forwarder,
	cfg config.Config,
	clk clock.Clock,
	logger *zap.Logger,
) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:  sessions,
		plane:     plane,
		limiter:   limiter,
		forwarder: forwarder,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	// Control-plane and session routes are plain request/response and get a
	// hard timeout. Streaming routes must not: TimeoutHandler buffers.
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(30 * time.Second))
		r.Post("/start", s.start)
		r.Post("/stop", s.stop)
		r.Post("/bootstrap", s.bootstrap)
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions/{candidate_id}/pause", s.pauseSession)
		r.Post("/sessions/{candidate_id}/resume", s.resumeSession)
	})

	r.Get("/stream", s.streamLogs)
	r.Get("/sessions/events", s.streamSessionEvents)

	r.Post("/application/api/applications", s.applyStrict)
	r.Post("/application/api/applications/confirm", s.confirmStrict)
	r.Handle("/application/api/*", http.HandlerFunc(s.passthrough))

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The coordination store is the only hard dependency. A sentinel read
	// exercises it without consuming anything from the backlog.
	if _, err := s.sessions.Get(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "coordination store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
