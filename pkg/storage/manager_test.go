package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
	"github.com/tandem-dev/tandem/pkg/storage/memory"
)

func newManager(t *testing.T, withSecondary bool) (*storage.Manager, *memory.Store, *memory.Store) {
	t.Helper()

	primary := memory.NewWithDefaults()
	var secondary *memory.Store
	var secondaryStore storage.Store
	if withSecondary {
		secondary = memory.NewWithDefaults()
		secondaryStore = secondary
	}

	m := storage.NewManager(primary, secondaryStore, storage.ManagerConfig{}, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, primary, secondary
}

func TestManager_WritesReachBothBackends(t *testing.T) {
	m, primary, secondary := newManager(t, true)
	ctx := context.Background()

	_, err := m.Save(ctx, "doc-1", []byte("content"), 1, nil)
	require.NoError(t, err)

	for _, s := range []*memory.Store{primary, secondary} {
		got, _, err := s.Load(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), got)
	}

	counters := m.GetCounters()
	assert.Equal(t, int64(1), counters.Writes)
}

func TestManager_FallbackReadRepairsPrimary(t *testing.T) {
	m, primary, secondary := newManager(t, true)
	ctx := context.Background()

	// Seed only the secondary: simulates a primary that lost the record.
	_, err := secondary.Save(ctx, "doc-1", []byte("recovered"), 4, nil)
	require.NoError(t, err)

	content, meta, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), content)
	assert.Equal(t, int64(4), meta.Version)

	counters := m.GetCounters()
	assert.Equal(t, int64(1), counters.FallbackReads)

	// The primary must now hold the repaired copy.
	repaired, repairedMeta, err := primary.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), repaired)
	assert.Equal(t, int64(4), repairedMeta.Version)
}

func TestManager_FallbackOnCorruptPrimary(t *testing.T) {
	m, primary, secondary := newManager(t, true)
	ctx := context.Background()

	_, err := m.Save(ctx, "doc-1", []byte("good"), 1, nil)
	require.NoError(t, err)

	// Corrupt the primary's stored bytes; the secondary copy stays intact.
	require.True(t, primary.Corrupt("doc-1", []byte("garbage")))
	exists, err := secondary.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, exists)

	content, _, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), content)
	assert.Equal(t, int64(1), m.GetCounters().FallbackReads)
}

func TestManager_MissEverywhere(t *testing.T) {
	m, _, _ := newManager(t, true)

	_, _, err := m.Load(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err), "error = %v", err)
	assert.Equal(t, int64(1), m.GetCounters().Errors)
}

func TestManager_NoSecondary(t *testing.T) {
	m, _, _ := newManager(t, false)
	ctx := context.Background()

	_, err := m.Save(ctx, "doc-1", []byte("solo"), 1, nil)
	require.NoError(t, err)

	content, _, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("solo"), content)

	_, _, err = m.Load(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestManager_DeleteRemovesFromBoth(t *testing.T) {
	m, primary, secondary := newManager(t, true)
	ctx := context.Background()

	_, err := m.Save(ctx, "doc-1", []byte("x"), 1, nil)
	require.NoError(t, err)

	found, err := m.Delete(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, found)

	for _, s := range []*memory.Store{primary, secondary} {
		exists, err := s.Exists(ctx, "doc-1")
		require.NoError(t, err)
		assert.False(t, exists)
	}
	assert.Equal(t, int64(1), m.GetCounters().Deletes)
}

func TestManager_RetentionSweepDeletesOldDocuments(t *testing.T) {
	primary := memory.NewWithDefaults()
	m := storage.NewManager(primary, nil, storage.ManagerConfig{
		AutoCleanup:     true,
		CleanupInterval: 20 * time.Millisecond,
		MaxAge:          50 * time.Millisecond,
	}, nil)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	_, err := m.Save(ctx, "old-doc", []byte("stale"), 1, nil)
	require.NoError(t, err)

	// The document ages past MaxAge and the sweeper removes it.
	require.Eventually(t, func() bool {
		exists, err := m.Exists(ctx, "old-doc")
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond, "sweeper never removed the expired document")

	// A freshly written document survives the next sweeps.
	_, err = m.Save(ctx, "fresh-doc", []byte("new"), 1, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	exists, err := m.Exists(ctx, "fresh-doc")
	require.NoError(t, err)
	assert.True(t, exists, "sweeper removed a document inside MaxAge")
}
