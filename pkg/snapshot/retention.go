package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/tandem-dev/tandem/internal/logger"
)

// applyRetentionLocked trims a document's snapshots once they exceed
// the per-document cap. The keep set is the union of: the most recent
// snapshot, one per distinct hour for the last KeepHourly hours, one
// per distinct day for the last KeepDaily days, everything younger than
// MaxSnapshotAge, and every FULL that a kept DELTA still depends on.
func (m *Manager) applyRetentionLocked(ctx context.Context, documentID string) error {
	ids := m.index[documentID]
	if len(ids) <= m.cfg.MaxSnapshotsPerDocument {
		return nil
	}

	sums := make([]*summary, 0, len(ids))
	for _, id := range ids {
		sum, err := m.summaryLocked(ctx, id)
		if err != nil {
			return err
		}
		sums = append(sums, sum)
	}
	// Newest first.
	sort.Slice(sums, func(i, j int) bool { return sums[i].CreatedAt.After(sums[j].CreatedAt) })

	now := m.now()
	keep := make(map[string]struct{})

	keep[sums[0].ID] = struct{}{}

	hourSeen := make(map[time.Time]struct{})
	daySeen := make(map[time.Time]struct{})
	for _, sum := range sums {
		hour := sum.CreatedAt.Truncate(time.Hour)
		if _, ok := hourSeen[hour]; !ok && len(hourSeen) < m.cfg.KeepHourly {
			hourSeen[hour] = struct{}{}
			keep[sum.ID] = struct{}{}
		}
		y, mo, d := sum.CreatedAt.Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, sum.CreatedAt.Location())
		if _, ok := daySeen[day]; !ok && len(daySeen) < m.cfg.KeepDaily {
			daySeen[day] = struct{}{}
			keep[sum.ID] = struct{}{}
		}
		if m.cfg.MaxSnapshotAge > 0 && now.Sub(sum.CreatedAt) <= m.cfg.MaxSnapshotAge {
			keep[sum.ID] = struct{}{}
		}
	}

	// Kept deltas pin their base chains.
	byID := make(map[string]*summary, len(sums))
	for _, sum := range sums {
		byID[sum.ID] = sum
	}
	for changed := true; changed; {
		changed = false
		for id := range keep {
			sum := byID[id]
			if sum == nil || sum.BaseSnapshotID == "" {
				continue
			}
			if _, ok := keep[sum.BaseSnapshotID]; !ok {
				keep[sum.BaseSnapshotID] = struct{}{}
				changed = true
			}
		}
	}

	removed := 0
	for _, sum := range sums {
		if _, ok := keep[sum.ID]; ok {
			continue
		}
		if err := m.removeLocked(ctx, sum); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return nil
	}
	m.retentionDeletes.Add(uint64(removed))
	logger.Debug("snapshot retention applied",
		logger.KeyDocument, documentID, logger.KeyCount, removed)
	return m.saveIndexLocked(ctx)
}
