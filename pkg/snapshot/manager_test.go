package snapshot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
	"github.com/tandem-dev/tandem/pkg/storage/memory"
)

func newTestManager(t *testing.T, mutate ...func(*Config)) (*Manager, storage.Store) {
	t.Helper()
	store := memory.NewWithDefaults()
	cfg := DefaultConfig()
	cfg.AutoSnapshotEnabled = false
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(t.Context(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store
}

func TestCreateAndRestoreFullSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()

	content := []byte("# Design notes\n\nFirst draft.\n")
	snap, err := m.CreateSnapshot(ctx, "doc-1", content, 1, TriggerManual, map[string]string{"author": "alice"})
	require.NoError(t, err)
	assert.Equal(t, TypeFull, snap.Type)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, int64(len(content)), snap.Size)
	assert.NotEmpty(t, snap.Checksum)
	assert.Equal(t, "alice", snap.Metadata["author"])

	restored, err := m.RestoreSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, content, restored)

	got, err := m.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
}

func TestGetSnapshotMissing(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetSnapshot(t.Context(), "nope")
	assert.True(t, errors.IsNotFound(err))
	_, err = m.RestoreSnapshot(t.Context(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestDeltaSnapshotForSmallChange(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.5
	})
	ctx := t.Context()

	s1, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, TriggerManual, nil)
	require.NoError(t, err)
	require.Equal(t, TypeFull, s1.Type, "first snapshot has no base")

	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeDelta, s2.Type)
	assert.Equal(t, s1.ID, s2.BaseSnapshotID)
	assert.Empty(t, s2.Content)
	assert.NotEmpty(t, s2.Delta)

	restored, err := m.RestoreSnapshot(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world!"), restored)
}

func TestFullSnapshotForLargeChange(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.3
	})
	ctx := t.Context()

	_, err := m.CreateSnapshot(ctx, "doc-1", []byte("aaaa aaaa aaaa"), 1, TriggerManual, nil)
	require.NoError(t, err)

	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("zzzz xxxx qqqq"), 2, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeFull, s2.Type, "a rewrite exceeds the delta threshold")
	assert.Empty(t, s2.BaseSnapshotID)
}

func TestDeltaDisabledAlwaysFull(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.DeltaEnabled = false })
	ctx := t.Context()

	_, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, TriggerManual, nil)
	require.NoError(t, err)
	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeFull, s2.Type)
}

func TestDeltaChainsShareOneFullBase(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.5
	})
	ctx := t.Context()

	base := "line one\nline two\nline three\nline four\n"
	s1, err := m.CreateSnapshot(ctx, "doc-1", []byte(base), 1, TriggerManual, nil)
	require.NoError(t, err)

	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte(base+"line five\n"), 2, TriggerManual, nil)
	require.NoError(t, err)
	s3, err := m.CreateSnapshot(ctx, "doc-1", []byte(base+"line five\nline six\n"), 3, TriggerManual, nil)
	require.NoError(t, err)

	// Deltas always compare against the latest FULL, not the previous delta.
	assert.Equal(t, s1.ID, s2.BaseSnapshotID)
	assert.Equal(t, s1.ID, s3.BaseSnapshotID)

	restored, err := m.RestoreSnapshot(ctx, s3.ID)
	require.NoError(t, err)
	assert.Equal(t, base+"line five\nline six\n", string(restored))
}

func TestListSnapshots(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.DeltaEnabled = false })
	ctx := t.Context()

	for v := int64(1); v <= 4; v++ {
		_, err := m.CreateSnapshot(ctx, "doc-1", []byte(strings.Repeat("x", int(v))), v, TriggerManual, nil)
		require.NoError(t, err)
	}
	_, err := m.CreateSnapshot(ctx, "doc-2", []byte("other"), 1, TriggerManual, nil)
	require.NoError(t, err)

	snaps, err := m.ListSnapshots(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	assert.Equal(t, int64(4), snaps[0].Version, "newest first")
	assert.Equal(t, int64(1), snaps[3].Version)

	limited, err := m.ListSnapshots(ctx, "doc-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(4), limited[0].Version)
}

func TestRollbackToVersion(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.DeltaEnabled = false })
	ctx := t.Context()

	for v := int64(1); v <= 3; v++ {
		_, err := m.CreateSnapshot(ctx, "doc-1", []byte("content v"+string(rune('0'+v))), v, TriggerManual, nil)
		require.NoError(t, err)
	}

	content, err := m.RollbackToVersion(ctx, "doc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("content v2"), content)

	_, err = m.RollbackToVersion(ctx, "doc-1", 99)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteSnapshotRefusesLiveBase(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.5
	})
	ctx := t.Context()

	s1, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, TriggerManual, nil)
	require.NoError(t, err)
	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, TriggerManual, nil)
	require.NoError(t, err)
	require.Equal(t, TypeDelta, s2.Type)

	err = m.DeleteSnapshot(ctx, s1.ID)
	require.Error(t, err, "a FULL with live deltas must not be deletable")

	require.NoError(t, m.DeleteSnapshot(ctx, s2.ID))
	require.NoError(t, m.DeleteSnapshot(ctx, s1.ID))

	snaps, err := m.ListSnapshots(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestDeleteDocumentSnapshots(t *testing.T) {
	m, store := newTestManager(t, func(c *Config) { c.DeltaEnabled = false })
	ctx := t.Context()

	for v := int64(1); v <= 3; v++ {
		_, err := m.CreateSnapshot(ctx, "doc-1", []byte("v"), v, TriggerManual, nil)
		require.NoError(t, err)
	}
	n, err := m.DeleteDocumentSnapshots(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := store.List(ctx, keyPrefix, 0)
	require.NoError(t, err)
	assert.Empty(t, keys, "storage must not hold orphaned snapshots")
}

func TestIndexPersistsAcrossRestart(t *testing.T) {
	store := memory.NewWithDefaults()
	cfg := DefaultConfig()
	cfg.AutoSnapshotEnabled = false
	cfg.DeltaEnabled = false
	ctx := t.Context()

	m1, err := NewManager(ctx, cfg, store)
	require.NoError(t, err)
	s1, err := m1.CreateSnapshot(ctx, "doc-1", []byte("persisted"), 1, TriggerManual, nil)
	require.NoError(t, err)
	m1.Close()

	m2, err := NewManager(ctx, cfg, store)
	require.NoError(t, err)
	defer m2.Close()

	snaps, err := m2.ListSnapshots(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, s1.ID, snaps[0].ID)

	restored, err := m2.RestoreSnapshot(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), restored)
}

func TestRetentionTrimsOldSnapshots(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = false
		c.MaxSnapshotsPerDocument = 3
		c.KeepHourly = 1
		c.KeepDaily = 1
		c.MaxSnapshotAge = time.Nanosecond
	})
	ctx := t.Context()

	var last *Snapshot
	for v := int64(1); v <= 6; v++ {
		snap, err := m.CreateSnapshot(ctx, "doc-1", []byte(strings.Repeat("x", int(v))), v, TriggerManual, nil)
		require.NoError(t, err)
		last = snap
	}

	snaps, err := m.ListSnapshots(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snaps), 3)
	require.NotEmpty(t, snaps)
	assert.Equal(t, last.ID, snaps[0].ID, "most recent always survives")
	assert.Positive(t, m.GetStats().RetentionDeletes)
}

func TestRetentionKeepsBaseOfKeptDelta(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.5
		c.MaxSnapshotsPerDocument = 1
		c.KeepHourly = 0
		c.KeepDaily = 0
		c.MaxSnapshotAge = time.Nanosecond
	})
	ctx := t.Context()

	s1, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, TriggerManual, nil)
	require.NoError(t, err)
	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, TriggerManual, nil)
	require.NoError(t, err)
	require.Equal(t, TypeDelta, s2.Type)

	snaps, err := m.ListSnapshots(ctx, "doc-1", 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, s2.ID)
	assert.Contains(t, ids, s1.ID, "the kept delta pins its FULL base")
}

func TestRecordOperationTrigger(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.OperationsPerSnapshot = 3 })

	assert.False(t, m.RecordOperation("doc-1"))
	assert.False(t, m.RecordOperation("doc-1"))
	assert.True(t, m.RecordOperation("doc-1"))

	// Counter resets after a snapshot.
	_, err := m.CreateSnapshot(t.Context(), "doc-1", []byte("x"), 1, TriggerOperationCount, nil)
	require.NoError(t, err)
	assert.False(t, m.RecordOperation("doc-1"))
}

func TestAutoSnapshotLoopFiresOnOperationCount(t *testing.T) {
	store := memory.NewWithDefaults()
	cfg := DefaultConfig()
	cfg.AutoSnapshotEnabled = true
	cfg.AutoSnapshotInterval = 20 * time.Millisecond
	cfg.OperationsPerSnapshot = 2

	m, err := NewManager(t.Context(), cfg, store)
	require.NoError(t, err)
	defer m.Close()

	var (
		mu    sync.Mutex
		calls []Trigger
	)
	m.SetTakeFunc(func(_ context.Context, documentID string, trigger Trigger) {
		mu.Lock()
		defer mu.Unlock()
		if documentID == "doc-1" {
			calls = append(calls, trigger)
		}
	})

	m.RecordOperation("doc-1")
	m.RecordOperation("doc-1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 0 && calls[0] == TriggerOperationCount
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnCreatedHook(t *testing.T) {
	m, _ := newTestManager(t)

	got := make(chan *Snapshot, 1)
	m.SetOnCreated(func(s *Snapshot) { got <- s })

	snap, err := m.CreateSnapshot(t.Context(), "doc-1", []byte("x"), 1, TriggerManual, nil)
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, snap.ID, s.ID)
	case <-time.After(time.Second):
		t.Fatal("on-created hook did not fire")
	}
}

func TestCreateSnapshotValidation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateSnapshot(t.Context(), "", []byte("x"), 1, TriggerManual, nil)
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestGetStats(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.DeltaEnabled = true
		c.DeltaThreshold = 0.5
	})
	ctx := t.Context()

	_, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, TriggerManual, nil)
	require.NoError(t, err)
	s2, err := m.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, TriggerManual, nil)
	require.NoError(t, err)
	_, err = m.RestoreSnapshot(ctx, s2.ID)
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, uint64(2), stats.Created)
	assert.Equal(t, uint64(1), stats.DeltasCreated)
	assert.Equal(t, uint64(1), stats.Restored)
	assert.Equal(t, 2, stats.TotalSnapshots)
}
