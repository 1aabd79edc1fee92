/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     logrus request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counts and latency per route
  6. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /webhook/sms            Twilio inbound messages
  /api/messages           JSON inbound messages
  /api/customers/*        Customer reads
  /api/vouchers/*         Voucher provisioning
  /api/reconciliation/*   Scheduler sweeps
  /healthz, /metrics      Operations

SECURITY NOTE:
  No authentication middleware. The webhook does not verify the Twilio
  signature; put the admin routes behind a private network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// DefaultAllowedOrigins is used when NewRouter gets no origins.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Post("/webhook/sms", h.SMSWebhook)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", h.PostMessage)

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
		})

		// Voucher routes
		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/", h.CreateVouchers)
			r.Get("/{code}", h.GetVoucher)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/runs", h.TriggerReconciliation)
		})
	})

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", MetricsHandler())

	return r
}

// requestLogger logs one line per request at info level.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"remote":     r.RemoteAddr,
				"duration":   time.Since(start).String(),
			}).Info("request")
		})
	}
}
