package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/loyalty-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/staff/register", h.RegisterStaff)
		r.Post("/staff/login", h.LoginStaff)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/orgs/{orgID}", func(r chi.Router) {
				r.Post("/scan", h.Scan)

				r.Route("/members/{memberID}", func(r chi.Router) {
					r.Get("/balance", h.GetBalance)
					r.Get("/transactions", h.ListTransactions)
					r.Post("/transactions", h.CreateManualTransaction)
					r.Post("/accrue", h.Accrue)
					r.Post("/redeem", h.Redeem)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
