package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/alfa-voucher/internal/middleware"
	"github.com/mmeshcher/alfa-voucher/internal/service"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/payment/register", h.RegisterPayment)

		r.Group(func(r chi.Router) {
			r.Use(h.opsAuth.Middleware)
			r.Post("/payment/status", h.PaymentStatus)
		})
	})

	r.Get(service.ReturnPath, h.PaymentReturn)
	r.Get(voucher.AccessPath, h.Voucher)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
