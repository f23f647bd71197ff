// Package metrics exposes Prometheus counters for the import, verify,
// dispatch and stream stages. A nil or disabled *Metrics is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type Metrics struct {
	rowsImported    *prometheus.CounterVec
	rowsVerified    *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	streamEvents    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec

	registry *prometheus.Registry
}

func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "adsbot"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rowsImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rows_imported_total",
			Help:      "Rows accepted by the bulk parser",
		}, []string{"operation"}),
		rowsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rows_verified_total",
			Help:      "Rows verified, by result",
		}, []string{"operation", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dispatches_total",
			Help:      "Execution requests sent, by outcome",
		}, []string{"operation", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of execution requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_events_total",
			Help:      "Classified stream messages, by kind",
		}, []string{"operation", "kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnect attempts",
		}, []string{"operation"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_subscriptions",
			Help:      "Live stream subscriptions",
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		m.rowsImported,
		m.rowsVerified,
		m.dispatches,
		m.dispatchLatency,
		m.streamEvents,
		m.reconnects,
		m.subscriptions,
	)
	return m
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

func (m *Metrics) RowsImported(op string, n int) {
	if !m.enabled() {
		return
	}
	m.rowsImported.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) RowVerified(op string, ok bool) {
	if !m.enabled() {
		return
	}
	result := "verified"
	if !ok {
		result = "not_verified"
	}
	m.rowsVerified.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Dispatched(op, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(op, outcome).Inc()
	m.dispatchLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) StreamEvent(op, kind string) {
	if !m.enabled() {
		return
	}
	m.streamEvents.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) Reconnect(op string) {
	if !m.enabled() {
		return
	}
	m.reconnects.WithLabelValues(op).Inc()
}

// SubscriptionOpened and SubscriptionClosed move the live gauge.
func (m *Metrics) SubscriptionOpened(op string) {
	if !m.enabled() {
		return
	}
	m.subscriptions.WithLabelValues(op).Inc()
}

func (m *Metrics) SubscriptionClosed(op string) {
	if !m.enabled() {
		return
	}
	m.subscriptions.WithLabelValues(op).Dec()
}

// Registry is nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
