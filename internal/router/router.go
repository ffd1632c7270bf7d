package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alice-realtime/internal/handlers"
	"alice-realtime/internal/middleware"
	"alice-realtime/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	wsLimiter *middleware.RateLimiter,
	systemHandler *handlers.SystemHandler,
	dashboardHandler *handlers.DashboardHandler,
	wsHub *websocket.Hub,
	corsOrigins []string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.CORS(corsOrigins))

	r.Get("/health", systemHandler.Health)
	r.Get("/stats", systemHandler.Stats)
	r.Handle("/metrics", promhttp.Handler())

	// ──── WebSocket ────
	r.With(wsLimiter.Middleware).Get("/ws", wsHub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Use(middleware.RequireConsultant)

		r.Get("/dashboard/stats", dashboardHandler.Stats)
		r.Get("/sessions", dashboardHandler.Sessions)
		r.Get("/events/recent", dashboardHandler.RecentEvents)
	})

	return r
}
