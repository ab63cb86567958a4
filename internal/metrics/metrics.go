// Package metrics exposes Prometheus instrumentation for the login flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginOutcomes counts resolution results by branch or rejection code.
	LoginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Subsystem: "identity",
		Name:      "login_outcomes_total",
		Help:      "Identity resolution outcomes by branch/rejection code.",
	}, []string{"provider", "outcome"})

	// StateConsume counts auth state consumption results.
	StateConsume = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Subsystem: "authstate",
		Name:      "consume_total",
		Help:      "Auth state consume attempts by result (ok, miss).",
	}, []string{"result"})

	// StateCleanup counts records removed by the sweep.
	StateCleanup = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fedgate",
		Subsystem: "authstate",
		Name:      "cleanup_deleted_total",
		Help:      "Auth state records removed by cleanup sweeps.",
	})

	// JWKSRefreshRetries counts forced JWKS refreshes after signature misses.
	JWKSRefreshRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fedgate",
		Subsystem: "rp",
		Name:      "jwks_refresh_retries_total",
		Help:      "Forced JWKS refresh-and-retry occurrences during ID token validation.",
	})

	// ProviderRoundTrip observes provider call latency.
	ProviderRoundTrip = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fedgate",
		Subsystem: "rp",
		Name:      "provider_roundtrip_seconds",
		Help:      "Latency of provider calls (discovery, exchange, jwks, userinfo).",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "op"})
)
