// Package metrics defines the Prometheus collectors for the session and realtime layers.
//
// All methods are nil-safe so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskline"

// Metrics groups every collector exported by the client.
type Metrics struct {
	// HTTP pipeline
	HTTPRequests    *prometheus.CounterVec
	HTTPRetries     prometheus.Counter
	HTTPAuthReplays prometheus.Counter

	// Token rotation
	TokenRefreshes *prometheus.CounterVec

	// Realtime channel
	RealtimeState      prometheus.Gauge
	RealtimeReconnects prometheus.Counter
	RealtimeEvents     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests isolated from the global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Completed pipeline requests by outcome kind.",
		}, []string{"outcome"}),
		HTTPRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Retries issued for retryable failures.",
		}),
		HTTPAuthReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "auth_replays_total",
			Help:      "Requests replayed after a token refresh.",
		}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Token endpoint refresh calls by source and result.",
		}, []string{"source", "result"}),
		RealtimeState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "state",
			Help:      "Channel state: 0=disconnected 1=connecting 2=connected 3=reconnecting.",
		}),
		RealtimeReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a failure.",
		}),
		RealtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Inbound events by result (delivered, duplicate, unrouted).",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.HTTPRetries.Inc()
}

func (m *Metrics) ObserveAuthReplay() {
	if m == nil {
		return
	}
	m.HTTPAuthReplays.Inc()
}

func (m *Metrics) ObserveRefresh(source, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(source, result).Inc()
}

func (m *Metrics) SetRealtimeState(v float64) {
	if m == nil {
		return
	}
	m.RealtimeState.Set(v)
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.RealtimeReconnects.Inc()
}

func (m *Metrics) ObserveEvent(result string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(result).Inc()
}
