package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// ManagerConfig controls the storage manager's composition and sweeping.
type ManagerConfig struct {
	// AutoCleanup enables the retention sweeper.
	AutoCleanup bool

	// CleanupInterval is the sweep cadence. Zero defaults to 1h.
	CleanupInterval time.Duration

	// MaxAge deletes documents whose updated_at is older than now - MaxAge.
	// Zero disables age-based deletion even when AutoCleanup is on.
	MaxAge time.Duration
}

// Counters holds the manager's operation counters.
type Counters struct {
	Reads         int64 `json:"reads"`
	Writes        int64 `json:"writes"`
	Deletes       int64 `json:"deletes"`
	FallbackReads int64 `json:"fallback_reads"`
	Errors        int64 `json:"errors"`
}

// Manager composes a primary and optional secondary backend.
//
// Writes: the primary is authoritative; the secondary write is best-effort
// and its failures are logged, never surfaced. Reads: primary first; when
// the primary misses or errors, consult the secondary, and on a secondary
// hit repair the primary by re-saving the retrieved content. Deletes remove
// from both.
type Manager struct {
	primary   Store
	secondary Store // may be nil
	metrics   *Metrics

	reads         atomic.Int64
	writes        atomic.Int64
	deletes       atomic.Int64
	fallbackReads atomic.Int64
	errorCount    atomic.Int64

	cfg      ManagerConfig
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a storage manager over primary, with an optional
// secondary (pass nil for none). If registry is nil, metrics are created
// unregistered.
func NewManager(primary, secondary Store, cfg ManagerConfig, registry prometheus.Registerer) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	m := &Manager{
		primary:   primary,
		secondary: secondary,
		metrics:   NewMetrics(registry),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if cfg.AutoCleanup && cfg.MaxAge > 0 {
		go m.retentionLoop()
	} else {
		close(m.doneCh)
	}
	return m
}

// Save writes to the primary, then best-effort to the secondary.
func (m *Manager) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]string) (*Metadata, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "save", id)
	defer span.End()

	start := time.Now()
	meta, err := m.primary.Save(ctx, id, content, version, custom)
	m.metrics.operationDuration.WithLabelValues(OpWrite).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errorCount.Add(1)
		m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpWrite, StatusError).Inc()
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	m.writes.Add(1)
	m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpWrite, StatusOK).Inc()

	if m.secondary != nil {
		if _, serr := m.secondary.Save(ctx, id, content, version, custom); serr != nil {
			m.metrics.operationsTotal.WithLabelValues(TierSecondary, OpWrite, StatusError).Inc()
			logger.Warn("secondary save failed",
				logger.KeyKey, id, logger.KeyError, serr)
		} else {
			m.metrics.operationsTotal.WithLabelValues(TierSecondary, OpWrite, StatusOK).Inc()
		}
	}
	return meta, nil
}

// Load reads from the primary, falling back to the secondary on miss or
// error. A secondary hit repairs the primary.
func (m *Manager) Load(ctx context.Context, id string) ([]byte, *Metadata, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "load", id)
	defer span.End()

	start := time.Now()
	content, meta, err := m.primary.Load(ctx, id)
	m.metrics.operationDuration.WithLabelValues(OpRead).Observe(time.Since(start).Seconds())
	if err == nil {
		m.reads.Add(1)
		m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpRead, StatusOK).Inc()
		return content, meta, nil
	}

	m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpRead, StatusError).Inc()
	if m.secondary == nil {
		m.errorCount.Add(1)
		telemetry.RecordError(ctx, err)
		return nil, nil, err
	}

	// Any primary failure (missing or corrupt) is a candidate for fallback.
	content, meta, serr := m.secondary.Load(ctx, id)
	if serr != nil {
		m.errorCount.Add(1)
		m.metrics.operationsTotal.WithLabelValues(TierSecondary, OpRead, StatusError).Inc()
		// Report the primary error unless the secondary had a real copy
		// that also failed verification.
		if errors.IsNotFound(serr) {
			telemetry.RecordError(ctx, err)
			return nil, nil, err
		}
		telemetry.RecordError(ctx, serr)
		return nil, nil, serr
	}

	m.fallbackReads.Add(1)
	m.reads.Add(1)
	telemetry.AddEvent(ctx, "secondary_fallback")
	m.metrics.fallbackReads.Inc()
	m.metrics.operationsTotal.WithLabelValues(TierSecondary, OpRead, StatusOK).Inc()
	logger.Info("read served from secondary backend",
		logger.KeyKey, id, logger.KeyError, err)

	// Repair the primary with the retrieved content.
	if _, rerr := m.primary.Save(ctx, id, content, meta.Version, meta.Custom); rerr != nil {
		m.metrics.repairsTotal.WithLabelValues(StatusError).Inc()
		logger.Warn("primary repair failed", logger.KeyKey, id, logger.KeyError, rerr)
	} else {
		m.metrics.repairsTotal.WithLabelValues(StatusOK).Inc()
	}

	return content, meta, nil
}

// Delete removes id from both backends. The result reflects the primary.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "delete", id)
	defer span.End()

	found, err := m.primary.Delete(ctx, id)
	if err != nil {
		m.errorCount.Add(1)
		m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpDelete, StatusError).Inc()
		telemetry.RecordError(ctx, err)
		return false, err
	}
	m.deletes.Add(1)
	m.metrics.operationsTotal.WithLabelValues(TierPrimary, OpDelete, StatusOK).Inc()

	if m.secondary != nil {
		if _, serr := m.secondary.Delete(ctx, id); serr != nil {
			logger.Warn("secondary delete failed",
				logger.KeyKey, id, logger.KeyError, serr)
		}
	}
	return found, nil
}

// Exists reports whether id is present in the primary.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	return m.primary.Exists(ctx, id)
}

// List lists ids from the primary.
func (m *Manager) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return m.primary.List(ctx, prefix, limit)
}

// GetMetadata reads metadata from the primary.
func (m *Manager) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	return m.primary.GetMetadata(ctx, id)
}

// GetStats returns primary occupancy and refreshes the occupancy gauges.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats, err := m.primary.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.documentsGauge.Set(float64(stats.DocumentCount))
	m.metrics.totalBytesGauge.Set(float64(stats.TotalBytes))
	return stats, nil
}

// GetCounters returns a snapshot of the operation counters.
func (m *Manager) GetCounters() Counters {
	return Counters{
		Reads:         m.reads.Load(),
		Writes:        m.writes.Load(),
		Deletes:       m.deletes.Load(),
		FallbackReads: m.fallbackReads.Load(),
		Errors:        m.errorCount.Load(),
	}
}

// Close stops the retention sweeper and closes both backends.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh

	err := m.primary.Close()
	if m.secondary != nil {
		if serr := m.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// retentionLoop periodically deletes documents older than MaxAge.
func (m *Manager) retentionLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// sweepExpired deletes every document whose updated_at is past MaxAge.
// Errors are logged and the sweep continues; a failed scan is retried on
// the next tick.
func (m *Manager) sweepExpired() {
	ctx := context.Background()
	cutoff := time.Now().Add(-m.cfg.MaxAge)

	ids, err := m.primary.List(ctx, "", 0)
	if err != nil {
		logger.Warn("retention sweep list failed", logger.KeyError, err)
		return
	}

	removed := 0
	for _, id := range ids {
		meta, err := m.primary.GetMetadata(ctx, id)
		if err != nil {
			if !errors.IsNotFound(err) {
				logger.Warn("retention sweep metadata read failed",
					logger.KeyKey, id, logger.KeyError, err)
			}
			continue
		}
		if meta.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := m.Delete(ctx, id); err != nil {
			logger.Warn("retention sweep delete failed",
				logger.KeyKey, id, logger.KeyError, err)
			continue
		}
		m.metrics.retentionDeletes.Inc()
		removed++
	}

	if removed > 0 {
		logger.Info("retention sweep removed expired documents",
			logger.KeyCount, removed)
	}
}
