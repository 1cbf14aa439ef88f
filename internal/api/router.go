/**
 * @description
 * HTTP router setup for the escrow service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the auth and rate-limit settings of the router.
type RouterConfig struct {
	ClerkJWKSURL                      string
	InternalAPIKey                    string
	Limiter                           RateLimiter
	VerifyRateLimitPerMinute          int
	DeliveryConfirmRateLimitPerMinute int
}

// NewRouter creates a new Chi router and registers escrow routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Escrow service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The gateway authenticates with the payload signature.
	r.Post("/webhooks/payment", h.PaymentWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(cfg.ClerkJWKSURL))
		r.With(RateLimit(cfg.Limiter, "payment_verify", cfg.VerifyRateLimitPerMinute)).
			Post("/payments/verify", h.VerifyPaymentHandler)
		r.Post("/payments/initiate/{orderID}", h.InitiatePaymentHandler)
		r.Post("/delivery/{orderID}/token", h.IssueDownloadTokenHandler)
		r.With(RateLimit(cfg.Limiter, "delivery_confirm", cfg.DeliveryConfirmRateLimitPerMinute)).
			Post("/delivery/{orderID}/confirm", h.ConfirmDeliveryHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/refunds/initiate/{orderID}", h.InitiateRefundHandler)
		r.Route("/internal/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrderHandler)
			r.Get("/{orderID}", h.GetOrderHandler)
			r.Post("/{orderID}/dispute", h.DisputeOrderHandler)
			r.Post("/{orderID}/resolve", h.ResolveDisputeHandler)
			r.Post("/{orderID}/extend-deadline", h.ExtendDeadlineHandler)
		})
	})

	return r
}
