// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters are partitioned by network key ("account:1", "height:cosmoshub-4").

var (
	// Providers
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Total provider calls by transport and outcome",
	}, []string{"network", "transport", "status"})

	ProviderFailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "provider",
		Name:      "failovers_total",
		Help:      "Total transport fail-overs",
	}, []string{"network", "transport"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chaincoord",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider call duration",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "provider",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a call waited for the transport rate limiter",
	}, []string{"network"})

	// Retrieval queue
	RetrievalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "retrieval",
		Name:      "entries_total",
		Help:      "Queued retrievals processed by outcome (resolved, requeued, expired, skipped)",
	}, []string{"network", "outcome"})

	RetrievalDrainLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chaincoord",
		Subsystem: "retrieval",
		Name:      "drain_duration_seconds",
		Help:      "Retrieval queue drain cycle duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// History backfill
	BackfillAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "history",
		Name:      "attempts_total",
		Help:      "Asset transfer history lookups by outcome (ok, failed, skipped)",
	}, []string{"network", "outcome"})

	TransfersFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "history",
		Name:      "transfers_found_total",
		Help:      "Asset transfers discovered by backfill",
	}, []string{"network"})

	// Nonces
	NonceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "nonce",
		Name:      "allocations_total",
		Help:      "Nonces allocated",
	}, []string{"network"})

	NonceReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "nonce",
		Name:      "releases_total",
		Help:      "Nonces released after a failed broadcast",
	}, []string{"network"})

	// Transactions
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "coordinator",
		Name:      "broadcasts_total",
		Help:      "Broadcast attempts by outcome (ok, rejected, signing_failed)",
	}, []string{"network", "outcome"})

	// Events
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Domain events published",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaincoord",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Domain events dropped because a consumer buffer was full",
	}, []string{"type", "consumer"})

	// Subscriptions
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chaincoord",
		Subsystem: "subscription",
		Name:      "active",
		Help:      "Currently open live subscriptions",
	}, []string{"network", "topic"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ClassifyError maps a provider error to a low-cardinality status label.
func ClassifyError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
