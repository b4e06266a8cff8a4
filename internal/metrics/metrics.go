// Package metrics exposes Prometheus instrumentation for the tunnel server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "subtun_active_sessions",
		Help: "Number of tunnel sessions currently in the Active state.",
	})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtun_auth_failures_total",
		Help: "Authentication handshakes rejected, by reason.",
	}, []string{"reason"})

	RoutedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtun_routed_requests_total",
		Help: "Public HTTP requests handled by the router, by status code.",
	}, []string{"code"})

	ExchangeTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subtun_exchange_timeouts_total",
		Help: "Exchanges cancelled because the deadline expired.",
	})

	SubdomainFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subtun_subdomain_fallbacks_total",
		Help: "Reservations that could not grant the requested subdomain.",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		AuthFailures,
		RoutedRequests,
		ExchangeTimeouts,
		SubdomainFallbacks,
	)
}

// ObserveRouted records one routed request outcome.
func ObserveRouted(status int) {
	RoutedRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
