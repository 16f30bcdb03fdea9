package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-admission/internal/idempotency"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"github.com/robertarktes/ticket-admission/internal/rateLimit"
)

// SetupRouter wires the routes. rl and idemp may be nil, which disables
// per-IP limiting and scan replay.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		if rl != nil {
			r.Use(rl.Middleware)
		}

		r.Route("/v1/validation", func(r chi.Router) {
			r.Use(ValidatorMiddleware)

			scan := http.Handler(http.HandlerFunc(h.Scan))
			if idemp != nil {
				scan = idemp.Middleware(func(r *http.Request) string {
					return validatorFrom(r.Context()).ID
				})(scan)
			}
			r.Method(http.MethodPost, "/scan", scan)

			r.Get("/tickets/{code}", h.InspectTicket)
			r.Get("/tickets/{ticketID}/attempts", h.RecentAttempts)
			r.Get("/stats/{eventID}", h.EventStats)
			r.Get("/history", h.History)
		})

		r.Get("/v1/events/{eventID}/price", h.PriceQuote)
		r.Route("/v1/pricing/ranges", func(r chi.Router) {
			r.Post("/validate", h.ValidateRanges)
			r.Post("/optimize", h.OptimizeRanges)
			r.Get("/examples/{kind}", h.ExampleRanges)
		})
	})

	return r
}
