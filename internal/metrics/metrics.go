// Package metrics defines the prometheus collectors the server exposes on
// its optional /metrics endpoint (SPEC_FULL.md §4.12).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionsActive is the current number of live sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fileharbor",
		Name:      "sessions_active",
		Help:      "Number of currently active client sessions.",
	})

	// SessionsReaped counts sessions closed by the idle reaper.
	SessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fileharbor",
		Name:      "sessions_reaped_total",
		Help:      "Total number of sessions closed by the idle reaper.",
	})

	// HandshakesTotal counts handshake attempts by outcome.
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileharbor",
		Name:      "handshakes_total",
		Help:      "Total HANDSHAKE attempts, labeled by outcome.",
	}, []string{"outcome"})

	// CommandsTotal counts processed protocol commands by command and
	// outcome (ok/error).
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileharbor",
		Name:      "commands_total",
		Help:      "Total protocol commands processed, labeled by command and outcome.",
	}, []string{"command", "outcome"})

	// BytesTransferred counts payload bytes moved, labeled by direction.
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileharbor",
		Name:      "bytes_transferred_total",
		Help:      "Total payload bytes transferred, labeled by direction (upload/download).",
	}, []string{"direction"})

	// RateLimitWaitSeconds observes how long Acquire blocked callers.
	RateLimitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fileharbor",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time callers spent blocked in the rate limiter's Acquire.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Registry bundles the collectors above behind a dedicated prometheus
// registry so embedding applications can expose them without colliding
// with process-wide default-registry metrics.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		SessionsActive,
		SessionsReaped,
		HandshakesTotal,
		CommandsTotal,
		BytesTransferred,
		RateLimitWaitSeconds,
	)
	return r
}
