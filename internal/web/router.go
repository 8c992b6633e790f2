package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storefront/internal/observability"
)

func NewRouter(h *Handler, logger *observability.Logger) http.Handler {
	root := chi.NewRouter()
	root.Use(
		middleware.RequestID,
		func(next http.Handler) http.Handler { return observability.RecoverMiddleware(logger, next) },
		func(next http.Handler) http.Handler { return observability.RequestLoggingMiddleware(logger, next) },
	)

	root.Get("/health", health)
	root.Handle("/metrics", promhttp.Handler())
	root.Route("/api/admin", func(r chi.Router) {
		registerRoutes(r, h)
	})
	return root
}

func registerRoutes(r chi.Router, h *Handler) {
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)
	r.Get("/auth/me", h.Me)
	r.HandleFunc("/*", h.Proxy)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
