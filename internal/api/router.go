package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/ingest"
	"github.com/tanvib/sitepulse/internal/ratelimit"
	"github.com/tanvib/sitepulse/internal/session"
	"github.com/tanvib/sitepulse/internal/ws"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(
	pipeline *ingest.Pipeline,
	limiter *ratelimit.Limiter,
	counters *counter.Store,
	registry *session.Registry,
	summaries SummarySource,
	hub *ws.Hub,
) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// Trackers post from arbitrary origins
	r.Use(corsMiddleware)

	collectHandler := NewCollectHandler(pipeline, limiter)
	statsHandler := NewStatsHandler(counters, registry, summaries)

	// WebSocket endpoint for dashboard subscribers
	r.Get("/ws", hub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Post("/collect", collectHandler.Collect)

		r.Get("/sites/{siteID}/realtime", statsHandler.Realtime)
		r.Get("/sessions/{sessionID}", statsHandler.Session)
	})

	return r
}

// corsMiddleware allows cross-origin posts from tracked sites.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
