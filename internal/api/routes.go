package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/sync", func(r chi.Router) {
				r.Get("/runs", h.ListRuns)
				r.Get("/runs/{id}", h.GetRun)
				r.Get("/runs/{id}/progress", h.GetRunProgress)
				r.Post("/runs/{id}/cancel", h.CancelRun)
				r.Post("/cleanup", h.CleanupStuck)
				r.Post("/unblock", h.Unblock)
				r.Post("/{kind}", h.StartSync)
			})

			r.Get("/products", h.ListProducts)
			r.Get("/products/{sku}", h.GetProduct)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{ref}", h.GetOrder)
			r.Post("/offers/push", h.PushOffers)
		})
	})

	return r
}
