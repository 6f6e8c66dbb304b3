package orchestrator

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports orchestrator metrics in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry

	appendLatency   *prometheus.HistogramVec
	eventsAppended  *prometheus.CounterVec
	appendRejected  *prometheus.CounterVec
	dedupHits       prometheus.Counter
	guidanceEmitted *prometheus.CounterVec
	subscriptions   prometheus.Gauge
	conversations   *prometheus.CounterVec
}

// MetricsConfig configures the metrics exporter.
type MetricsConfig struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// NewMetrics creates the orchestrator metrics set and registers it.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.appendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "append_latency_seconds",
			Help:      "Event append latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"type"},
	)

	m.eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "events_appended_total",
			Help:      "Total events appended to the unified log",
		},
		[]string{"type", "finality"},
	)

	m.appendRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "appends_rejected_total",
			Help:      "Total append attempts rejected",
		},
		[]string{"kind"},
	)

	m.dedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "dedup_hits_total",
			Help:      "Total appends served from the client request cache",
		},
	)

	m.guidanceEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "guidance_emitted_total",
			Help:      "Total guidance events emitted",
		},
		[]string{"kind"},
	)

	m.subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "subscriptions_active",
			Help:      "Number of active event stream subscriptions",
		},
	)

	m.conversations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banterop",
			Subsystem: "orchestrator",
			Name:      "conversations_total",
			Help:      "Total conversation lifecycle transitions",
		},
		[]string{"transition"},
	)

	registry.MustRegister(
		m.appendLatency,
		m.eventsAppended,
		m.appendRejected,
		m.dedupHits,
		m.guidanceEmitted,
		m.subscriptions,
		m.conversations,
	)

	return m
}

// RecordAppend records a successful append.
func (m *Metrics) RecordAppend(eventType, finality string, latency time.Duration) {
	m.eventsAppended.WithLabelValues(eventType, finality).Inc()
	m.appendLatency.WithLabelValues(eventType).Observe(latency.Seconds())
}

// RecordRejected records a rejected append by error kind.
func (m *Metrics) RecordRejected(kind Kind) {
	m.appendRejected.WithLabelValues(kind.String()).Inc()
}

// RecordDedupHit records an append answered from the request cache.
func (m *Metrics) RecordDedupHit() {
	m.dedupHits.Inc()
}

// RecordGuidance records an emitted guidance event.
func (m *Metrics) RecordGuidance(kind string) {
	m.guidanceEmitted.WithLabelValues(kind).Inc()
}

// RecordConversation records a lifecycle transition (created, started,
// completed).
func (m *Metrics) RecordConversation(transition string) {
	m.conversations.WithLabelValues(transition).Inc()
}

// SubscriptionOpened / SubscriptionClosed track the active stream gauge.
func (m *Metrics) SubscriptionOpened() { m.subscriptions.Inc() }
func (m *Metrics) SubscriptionClosed() { m.subscriptions.Dec() }

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GetRegistry returns the Prometheus registry.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}
