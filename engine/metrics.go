package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ameliahq/amelia/engine/driver"
)

// Metrics exposes engine health via Prometheus under the "amelia"
// namespace. All methods are safe on a nil receiver, so instrumentation
// stays optional.
type Metrics struct {
	submitted       prometheus.Counter
	finished        *prometheus.CounterVec
	active          prometheus.Gauge
	pending         prometheus.Gauge
	nodeDuration    *prometheus.HistogramVec
	checkpointWrite prometheus.Histogram
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	events          *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metric set. A nil registry
// uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "amelia",
			Name:      "workflows_submitted_total",
			Help:      "Workflows accepted by Submit.",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amelia",
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "amelia",
			Name:      "workflows_active",
			Help:      "Workflows currently in progress.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "amelia",
			Name:      "workflows_pending",
			Help:      "Workflows queued awaiting an execution slot.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amelia",
			Name:      "node_duration_seconds",
			Help:      "Node execution time by node id and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300, 1800},
		}, []string{"node", "status"}),
		checkpointWrite: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amelia",
			Name:      "checkpoint_write_seconds",
			Help:      "Checkpoint persistence latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amelia",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and kind.",
		}, []string{"model", "kind"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amelia",
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model.",
		}, []string{"model"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amelia",
			Name:      "events_published_total",
			Help:      "Events published to the bus by type.",
		}, []string{"type"}),
	}
}

// WorkflowSubmitted counts an accepted submission.
func (m *Metrics) WorkflowSubmitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// WorkflowFinished counts a terminal transition.
func (m *Metrics) WorkflowFinished(status Status) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(status)).Inc()
}

// SetActive records the number of in_progress workflows.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// SetPending records the admission queue depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(node, status).Observe(d.Seconds())
}

// ObserveCheckpointWrite records one checkpoint persistence.
func (m *Metrics) ObserveCheckpointWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.checkpointWrite.Observe(d.Seconds())
}

// AddUsage records token and cost counters from one usage report.
func (m *Metrics) AddUsage(u driver.TokenUsage) {
	if m == nil {
		return
	}
	if u.InputTokens > 0 {
		m.tokens.WithLabelValues(u.Model, "input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		m.tokens.WithLabelValues(u.Model, "output").Add(float64(u.OutputTokens))
	}
	if u.CacheReadTokens > 0 {
		m.tokens.WithLabelValues(u.Model, "cache_read").Add(float64(u.CacheReadTokens))
	}
	if u.CacheCreationTokens > 0 {
		m.tokens.WithLabelValues(u.Model, "cache_creation").Add(float64(u.CacheCreationTokens))
	}
	if u.CostUSD > 0 {
		m.cost.WithLabelValues(u.Model).Add(u.CostUSD)
	}
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
