// Package api exposes the HTTP interface for the court watcher.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/cache"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/clock"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/metrics"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/webpush"
)

// Ticker runs one synchronous crawl+alarm cycle.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Pusher delivers one notification (for the test-alarm endpoint).
type Pusher interface {
	Send(ctx context.Context, sub webpush.Subscription, title, body string) error
}

// Server wires HTTP handlers to the store, cache and scheduler.
type Server struct {
	router       chi.Router
	store        *store.Store
	cache        *cache.Cache
	runner       Ticker
	push         Pusher
	clk          clock.Clock
	refreshToken string
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	st *store.Store,
	ch *cache.Cache,
	runner Ticker,
	push Pusher,
	clk clock.Clock,
	refreshToken string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:        st,
		cache:        ch,
		runner:       runner,
		push:         push,
		clk:          clk,
		refreshToken: refreshToken,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/ping", s.ping)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/data", s.getData)
		r.Route("/alarm", func(r chi.Router) {
			r.Post("/add", s.addAlarm)
			r.Get("/list", s.listAlarms)
			r.Post("/delete", s.deleteAlarm)
		})
		r.Post("/push/subscribe", s.subscribe)
		r.Get("/refresh", s.refresh)
		r.Post("/refresh", s.refresh)
		r.Get("/test_alarm", s.testAlarm)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cache.GetSnapshot(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}
