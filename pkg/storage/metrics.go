package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for storage metrics.
const (
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelTier      = "tier"
)

// Operation label values.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Tier label values.
const (
	TierPrimary   = "primary"
	TierSecondary = "secondary"
)

// Metrics provides Prometheus metrics for the storage manager.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	fallbackReads     prometheus.Counter
	repairsTotal      *prometheus.CounterVec
	retentionDeletes  prometheus.Counter
	documentsGauge    prometheus.Gauge
	totalBytesGauge   prometheus.Gauge
	operationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers storage metrics.
// If registry is nil, metrics are created but not registered (tests).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Total number of storage operations by tier and status",
			},
			[]string{LabelTier, LabelOperation, LabelStatus},
		),
		fallbackReads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "fallback_reads_total",
				Help:      "Total number of reads served from the secondary backend",
			},
		),
		repairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "repairs_total",
				Help:      "Total number of primary repairs after a secondary hit",
			},
			[]string{LabelStatus},
		),
		retentionDeletes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "retention_deletes_total",
				Help:      "Total number of documents deleted by the retention sweeper",
			},
		),
		documentsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "documents",
				Help:      "Number of documents in the primary backend",
			},
		),
		totalBytesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "bytes",
				Help:      "Total stored bytes in the primary backend",
			},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tandem",
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Latency of storage operations against the primary backend",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{LabelOperation},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.operationsTotal,
			m.fallbackReads,
			m.repairsTotal,
			m.retentionDeletes,
			m.documentsGauge,
			m.totalBytesGauge,
			m.operationDuration,
		)
	}
	return m
}
