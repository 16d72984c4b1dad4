package lock

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "tandem"
	metricsSubsystem = "lock"
)

// Metrics holds Prometheus collectors for the lock manager.
type Metrics struct {
	acquiredTotal *prometheus.CounterVec
	deniedTotal   *prometheus.CounterVec
	releasedTotal *prometheus.CounterVec
	expiredTotal  prometheus.Counter
	activeLocks   prometheus.Gauge
	queuedWaiters prometheus.Gauge
	waitDuration  prometheus.Histogram
}

// NewMetrics creates and registers the lock collectors. A nil registry
// yields a no-op Metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "acquired_total",
			Help:      "Total locks granted, by type and scope.",
		}, []string{"type", "scope"}),
		deniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "denied_total",
			Help:      "Total lock denials, by reason.",
		}, []string{"reason"}),
		releasedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "released_total",
			Help:      "Total locks released, by cause.",
		}, []string{"cause"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "expired_total",
			Help:      "Total locks reclaimed by the expiry sweeper.",
		}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active",
			Help:      "Currently held locks.",
		}),
		queuedWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queued_waiters",
			Help:      "Requests currently queued behind conflicting locks.",
		}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "wait_duration_seconds",
			Help:      "Time queued requests spent waiting before resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.acquiredTotal,
			m.deniedTotal,
			m.releasedTotal,
			m.expiredTotal,
			m.activeLocks,
			m.queuedWaiters,
			m.waitDuration,
		)
	}
	return m
}

func (m *Metrics) observeAcquired(l *Lock) {
	if m == nil {
		return
	}
	m.acquiredTotal.WithLabelValues(l.Type.String(), l.Scope.String()).Inc()
	m.activeLocks.Inc()
}

func (m *Metrics) observeDenied(reason string) {
	if m == nil {
		return
	}
	m.deniedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeReleased(cause string) {
	if m == nil {
		return
	}
	m.releasedTotal.WithLabelValues(cause).Inc()
	m.activeLocks.Dec()
}

func (m *Metrics) observeExpired() {
	if m == nil {
		return
	}
	m.expiredTotal.Inc()
	m.releasedTotal.WithLabelValues("expired").Inc()
	m.activeLocks.Dec()
}

func (m *Metrics) observeQueued(delta float64) {
	if m == nil {
		return
	}
	m.queuedWaiters.Add(delta)
}

func (m *Metrics) observeWait(seconds float64) {
	if m == nil {
		return
	}
	m.waitDuration.Observe(seconds)
}
