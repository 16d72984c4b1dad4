package coordinator

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "tandem"
	metricsSubsystem = "coordinator"
)

// Metrics holds Prometheus collectors for the coordinator.
type Metrics struct {
	appliedTotal  prometheus.Counter
	rejectedTotal *prometheus.CounterVec
	applyDuration prometheus.Histogram
	openDocuments prometheus.Gauge
	droppedEvents prometheus.Counter
}

// NewMetrics creates and registers the coordinator collectors. A nil
// registry yields a no-op Metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		appliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_applied_total",
			Help:      "Total operations committed to documents.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_rejected_total",
			Help:      "Total operations refused, by reason.",
		}, []string{"reason"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "apply_duration_seconds",
			Help:      "Time spent inside the apply pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		openDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "open_documents",
			Help:      "Documents with in-memory state.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_events_total",
			Help:      "Observer events dropped because dispatch lagged.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.appliedTotal,
			m.rejectedTotal,
			m.applyDuration,
			m.openDocuments,
			m.droppedEvents,
		)
	}
	return m
}

func (m *Metrics) observeApplied(seconds float64) {
	if m == nil {
		return
	}
	m.appliedTotal.Inc()
	m.applyDuration.Observe(seconds)
}

func (m *Metrics) observeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeOpenDocuments(delta float64) {
	if m == nil {
		return
	}
	m.openDocuments.Add(delta)
}

func (m *Metrics) observeDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
