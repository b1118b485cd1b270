package hub

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/webhook/{platform}", h.HandleWebhook)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/{platform}/{sender}", h.GetSession)
		r.Post("/{platform}/{sender}/outbound", h.HandleOutbound)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/admin/routing", h.GetRouting)
		r.Put("/admin/routing", h.PutRouting)
		r.Get("/admin/audit/{sessionID}", h.GetHistory)
	})
}
