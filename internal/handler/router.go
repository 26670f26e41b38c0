package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/luiso2/directus-sleep-admin-sub001/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware административного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api/evaluations", func(r chi.Router) {
			r.Post("/quote", h.Quote)
			r.Post("/", h.SubmitEvaluation)
			r.Get("/", h.ListEvaluations)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEvaluation)
				r.Post("/review", h.ReviewEvaluation)
				r.Post("/approve", h.ApproveEvaluation)
				r.Post("/reject", h.RejectEvaluation)
			})
		})

		r.Get("/api/coupons", h.ListCoupons)
		r.Get("/api/customers/{id}", h.GetCustomer)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(custommiddleware.RateLimit(h.webhookRPS, h.webhookBurst, h.logger))

		r.Post("/stripe", h.StripeWebhook)
		r.With(h.shopifyAuth.Middleware).Post("/shopify", h.ShopifyWebhook)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
