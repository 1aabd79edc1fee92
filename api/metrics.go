package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loyalty-engine/command"
)

var (
	// Registry holds the loyalty collectors served on /metrics.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loyalty",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "commands",
			Name:      "handled_total",
			Help:      "Inbound chat commands by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "commands",
			Name:      "rate_limited_total",
			Help:      "Inbound messages rejected by the per-sender rate limit.",
		},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "reconciliation",
			Name:      "runs_total",
			Help:      "Reconciliation sweeps by status.",
		},
		[]string{"status"},
	)

	reconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "reconciliation",
			Name:      "mismatches_total",
			Help:      "Customers whose balance differed from their history sum.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		commandsTotal,
		rateLimited,
		reconcileRuns,
		reconcileMismatches,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// MetricsHandler exposes Registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// instrument records request counts and latency by chi route pattern so
// customer ids and voucher codes never become label values.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func observeCommand(reply command.Reply) {
	verb := string(reply.Verb)
	if reply.Outcome == command.OutcomeUnknownCommand {
		verb = "unknown"
	}
	commandsTotal.WithLabelValues(verb, reply.Outcome).Inc()
}
