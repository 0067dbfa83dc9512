// Package telemetry provides Prometheus metrics for the relay engine.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsRouted    prometheus.Counter
	FramesDropped   prometheus.Counter
	RepliesSent     prometheus.Counter
	SendFailures    prometheus.Counter
	SessionRestarts prometheus.Counter
	BlockedSessions prometheus.Counter

	// Gauges
	NoncePoolDepth prometheus.Gauge
	ActiveTenants  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsRouted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_routed_total", Help: "Platform events processed by routers"})
		FramesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_frames_dropped_total", Help: "Malformed or unhandled network frames discarded"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replies_sent_total", Help: "Outbound replies dispatched"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_send_failures_total", Help: "Outbound sends that failed (never retried)"})
		SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_session_restarts_total", Help: "Browser session teardown/relaunch cycles"})
		BlockedSessions = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_blocked_total", Help: "Sessions forced into supervised mode by anti-bot blocks"})
		NoncePoolDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_nonce_pool_depth", Help: "Idempotency tokens currently pooled"})
		ActiveTenants = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_tenants", Help: "Tenants with a running session"})
	})
}

// SetNoncePoolDepth records the current pool depth.
func SetNoncePoolDepth(n int) {
	if NoncePoolDepth != nil {
		NoncePoolDepth.Set(float64(n))
	}
}

// Inc increments a counter if registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
