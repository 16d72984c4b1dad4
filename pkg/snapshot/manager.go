package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

const (
	keyPrefix = "snapshot:"
	indexKey  = "__snapshot_index__"

	// maxChainDepth bounds base-chain walks during reconstruction.
	maxChainDepth = 100
)

func snapshotKey(id string) string { return keyPrefix + id }

// summary is the in-memory digest of a stored snapshot, enough for
// delta decisions and retention without loading content.
type summary struct {
	ID             string
	DocumentID     string
	Version        int64
	Type           Type
	BaseSnapshotID string
	CreatedAt      time.Time
}

// TakeFunc captures a document for the auto-snapshot loop. The
// coordinator registers one that reads current content and calls
// CreateSnapshot.
type TakeFunc func(ctx context.Context, documentID string, trigger Trigger)

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	TrackedDocuments int    `json:"tracked_documents"`
	TotalSnapshots   int    `json:"total_snapshots"`
	Created          uint64 `json:"created"`
	DeltasCreated    uint64 `json:"deltas_created"`
	Restored         uint64 `json:"restored"`
	Deleted          uint64 `json:"deleted"`
	RetentionDeletes uint64 `json:"retention_deletes"`
}

// Manager creates, restores, and retains document snapshots.
type Manager struct {
	cfg   Config
	store storage.Store

	mu           sync.Mutex
	index        map[string][]string // document id -> snapshot ids, oldest first
	summaries    map[string]*summary
	opCounts     map[string]int
	lastSnapshot map[string]time.Time
	now          func() time.Time

	takeFunc  TakeFunc
	onCreated func(*Snapshot)

	created          atomic.Uint64
	deltasCreated    atomic.Uint64
	restored         atomic.Uint64
	deleted          atomic.Uint64
	retentionDeletes atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a snapshot manager, loading the persisted index.
// The auto-snapshot loop starts when enabled by cfg.
func NewManager(ctx context.Context, cfg Config, store storage.Store) (*Manager, error) {
	if cfg.AutoSnapshotInterval <= 0 {
		cfg.AutoSnapshotInterval = DefaultConfig().AutoSnapshotInterval
	}
	if cfg.OperationsPerSnapshot <= 0 {
		cfg.OperationsPerSnapshot = DefaultConfig().OperationsPerSnapshot
	}
	if cfg.MaxSnapshotsPerDocument <= 0 {
		cfg.MaxSnapshotsPerDocument = DefaultConfig().MaxSnapshotsPerDocument
	}
	if cfg.DeltaThreshold <= 0 {
		cfg.DeltaThreshold = DefaultConfig().DeltaThreshold
	}

	m := &Manager{
		cfg:          cfg,
		store:        store,
		index:        make(map[string][]string),
		summaries:    make(map[string]*summary),
		opCounts:     make(map[string]int),
		lastSnapshot: make(map[string]time.Time),
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if err := m.loadIndex(ctx); err != nil {
		return nil, err
	}

	if cfg.AutoSnapshotEnabled {
		go m.autoLoop()
	} else {
		close(m.doneCh)
	}
	return m, nil
}

// SetTakeFunc registers the capture hook used by the auto-snapshot
// loop. Call before concurrent use.
func (m *Manager) SetTakeFunc(fn TakeFunc) {
	m.takeFunc = fn
}

// SetOnCreated registers a notification hook invoked after each
// successful snapshot. Call before concurrent use.
func (m *Manager) SetOnCreated(fn func(*Snapshot)) {
	m.onCreated = fn
}

// CreateSnapshot captures content at version for the document.
//
// With delta encoding enabled, the change ratio against the latest full
// snapshot decides between a DELTA (small change) and a new FULL. The
// operation counter for the document resets on success.
func (m *Manager) CreateSnapshot(ctx context.Context, documentID string, content []byte, version int64, trigger Trigger, metadata map[string]string) (*Snapshot, error) {
	if documentID == "" {
		return nil, errors.NewInvalidArgumentError("document_id must not be empty")
	}
	ctx, span := telemetry.StartSnapshotSpan(ctx, "create", documentID,
		telemetry.Trigger(trigger.String()),
		telemetry.DocumentVersion(version))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		ID:         newSnapshotID(),
		DocumentID: documentID,
		Version:    version,
		Type:       TypeFull,
		Trigger:    trigger,
		Content:    append([]byte(nil), content...),
		CreatedAt:  m.now(),
	}
	if len(metadata) > 0 {
		snap.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			snap.Metadata[k] = v
		}
	}

	if m.cfg.DeltaEnabled {
		base, baseContent, err := m.latestFullLocked(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if base != nil {
			if ratio := changeRatio(baseContent, content); ratio < m.cfg.DeltaThreshold {
				payload, err := encodeDelta(baseContent, content)
				if err != nil {
					return nil, err
				}
				snap.Type = TypeDelta
				snap.Content = nil
				snap.Delta = payload
				snap.BaseSnapshotID = base.ID
			}
		}
	}

	snap.Size = int64(len(snap.payload()))
	snap.Checksum = checksum(snap.payload())

	if err := m.persistLocked(ctx, snap); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	span.SetAttributes(telemetry.SnapshotID(snap.ID))
	m.index[documentID] = append(m.index[documentID], snap.ID)
	m.summaries[snap.ID] = &summary{
		ID:             snap.ID,
		DocumentID:     snap.DocumentID,
		Version:        snap.Version,
		Type:           snap.Type,
		BaseSnapshotID: snap.BaseSnapshotID,
		CreatedAt:      snap.CreatedAt,
	}
	if err := m.saveIndexLocked(ctx); err != nil {
		return nil, err
	}
	m.opCounts[documentID] = 0
	m.lastSnapshot[documentID] = snap.CreatedAt

	if err := m.applyRetentionLocked(ctx, documentID); err != nil {
		logger.Warn("snapshot retention failed",
			logger.KeyDocument, documentID, logger.KeyError, err)
	}

	m.created.Add(1)
	if snap.Type == TypeDelta {
		m.deltasCreated.Add(1)
	}
	logger.Debug("snapshot created",
		logger.KeySnapshot, snap.ID,
		logger.KeyDocument, documentID,
		logger.KeyVersion, version,
		logger.KeyTrigger, trigger.String())

	out := snap.clone()
	if m.onCreated != nil {
		go m.onCreated(out.clone())
	}
	return out, nil
}

// GetSnapshot returns the snapshot with the given id.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return m.loadSnapshot(ctx, id)
}

// RestoreSnapshot returns the document content captured by the
// snapshot. For a DELTA the base chain is walked to verify it
// terminates in a FULL; the delta's embedded content is authoritative.
func (m *Manager) RestoreSnapshot(ctx context.Context, id string) ([]byte, error) {
	snap, err := m.loadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSnapshotSpan(ctx, "restore", snap.DocumentID,
		telemetry.SnapshotID(id))
	defer span.End()

	if snap.Checksum != "" && snap.Checksum != checksum(snap.payload()) {
		err := errors.Newf(errors.ErrCorruption, "snapshot %s checksum mismatch", id)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if snap.Type == TypeFull {
		m.restored.Add(1)
		return append([]byte(nil), snap.Content...), nil
	}

	// Walk the base chain to guarantee a FULL root exists.
	visited := map[string]struct{}{snap.ID: {}}
	cur := snap
	for depth := 0; cur.Type == TypeDelta; depth++ {
		if depth >= maxChainDepth {
			return nil, errors.Newf(errors.ErrCorruption, "snapshot %s chain exceeds depth %d", id, maxChainDepth)
		}
		if cur.BaseSnapshotID == "" {
			return nil, errors.Newf(errors.ErrCorruption, "delta snapshot %s has no base", cur.ID)
		}
		if _, seen := visited[cur.BaseSnapshotID]; seen {
			return nil, errors.Newf(errors.ErrCorruption, "snapshot %s chain contains a cycle", id)
		}
		visited[cur.BaseSnapshotID] = struct{}{}
		base, err := m.loadSnapshot(ctx, cur.BaseSnapshotID)
		if err != nil {
			return nil, err
		}
		cur = base
	}

	content, err := decodeDelta(snap.Delta)
	if err != nil {
		return nil, err
	}
	m.restored.Add(1)
	return content, nil
}

// ListSnapshots returns the document's snapshots, newest first, up to
// limit. limit <= 0 means no limit.
func (m *Manager) ListSnapshots(ctx context.Context, documentID string, limit int) ([]*Snapshot, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.index[documentID]...)
	m.mu.Unlock()

	out := make([]*Snapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		snap, err := m.loadSnapshot(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot. Deleting a FULL that is still the
// base of a live DELTA is refused.
func (m *Manager) DeleteSnapshot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum, err := m.summaryLocked(ctx, id)
	if err != nil {
		return err
	}
	if sum.Type == TypeFull {
		for _, otherID := range m.index[sum.DocumentID] {
			other, err := m.summaryLocked(ctx, otherID)
			if err != nil {
				return err
			}
			if other.Type == TypeDelta && other.BaseSnapshotID == id {
				return errors.Newf(errors.ErrConflict,
					"snapshot %s is the base of delta snapshot %s", id, otherID)
			}
		}
	}
	if err := m.removeLocked(ctx, sum); err != nil {
		return err
	}
	m.deleted.Add(1)
	return m.saveIndexLocked(ctx)
}

// DeleteDocumentSnapshots removes every snapshot of a document. Used by
// the document deletion cascade.
func (m *Manager) DeleteDocumentSnapshots(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := append([]string(nil), m.index[documentID]...)
	for _, id := range ids {
		if _, err := m.store.Delete(ctx, snapshotKey(id)); err != nil {
			return 0, err
		}
		delete(m.summaries, id)
	}
	delete(m.index, documentID)
	delete(m.opCounts, documentID)
	delete(m.lastSnapshot, documentID)
	m.deleted.Add(uint64(len(ids)))
	if err := m.saveIndexLocked(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RollbackToVersion returns the content of the most recent snapshot at
// exactly the given version.
func (m *Manager) RollbackToVersion(ctx context.Context, documentID string, version int64) ([]byte, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.index[documentID]...)
	m.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		snap, err := m.loadSnapshot(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if snap.Version == version {
			return m.RestoreSnapshot(ctx, snap.ID)
		}
	}
	return nil, errors.NewNotFoundError("snapshot version", documentID)
}

// RecordOperation bumps the document's operation counter and reports
// whether the operation-count trigger fired.
func (m *Manager) RecordOperation(documentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opCounts[documentID]++
	return m.opCounts[documentID] >= m.cfg.OperationsPerSnapshot
}

// GetStats returns a snapshot of manager activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	tracked := len(m.opCounts)
	total := 0
	for _, ids := range m.index {
		total += len(ids)
	}
	m.mu.Unlock()
	return Stats{
		TrackedDocuments: tracked,
		TotalSnapshots:   total,
		Created:          m.created.Load(),
		DeltasCreated:    m.deltasCreated.Load(),
		Restored:         m.restored.Load(),
		Deleted:          m.deleted.Load(),
		RetentionDeletes: m.retentionDeletes.Load(),
	}
}

// Close stops the auto-snapshot loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.cfg.AutoSnapshotEnabled {
			<-m.doneCh
		}
	})
}

// ---- persistence ----

func (m *Manager) persistLocked(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encoding snapshot", err)
	}
	_, err = m.store.Save(ctx, snapshotKey(snap.ID), data, snap.Version, nil)
	return err
}

func (m *Manager) loadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	data, _, err := m.store.Load(ctx, snapshotKey(id))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("snapshot", id)
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(errors.ErrCorruption, "decoding snapshot "+id, err)
	}
	return &snap, nil
}

func (m *Manager) loadIndex(ctx context.Context) error {
	data, _, err := m.store.Load(ctx, indexKey)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &m.index); err != nil {
		return errors.Wrap(errors.ErrCorruption, "decoding snapshot index", err)
	}
	return nil
}

func (m *Manager) saveIndexLocked(ctx context.Context) error {
	data, err := json.Marshal(m.index)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encoding snapshot index", err)
	}
	_, err = m.store.Save(ctx, indexKey, data, 0, nil)
	return err
}

// summaryLocked returns the digest for a snapshot, hydrating the cache
// from storage when needed.
func (m *Manager) summaryLocked(ctx context.Context, id string) (*summary, error) {
	if sum, ok := m.summaries[id]; ok {
		return sum, nil
	}
	snap, err := m.loadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := &summary{
		ID:             snap.ID,
		DocumentID:     snap.DocumentID,
		Version:        snap.Version,
		Type:           snap.Type,
		BaseSnapshotID: snap.BaseSnapshotID,
		CreatedAt:      snap.CreatedAt,
	}
	m.summaries[id] = sum
	return sum, nil
}

// latestFullLocked finds the newest FULL snapshot of the document and
// loads its content for delta comparison.
func (m *Manager) latestFullLocked(ctx context.Context, documentID string) (*summary, []byte, error) {
	ids := m.index[documentID]
	for i := len(ids) - 1; i >= 0; i-- {
		sum, err := m.summaryLocked(ctx, ids[i])
		if err != nil {
			return nil, nil, err
		}
		if sum.Type != TypeFull {
			continue
		}
		snap, err := m.loadSnapshot(ctx, sum.ID)
		if err != nil {
			return nil, nil, err
		}
		return sum, snap.Content, nil
	}
	return nil, nil, nil
}

// removeLocked deletes a snapshot from storage and the in-memory index.
func (m *Manager) removeLocked(ctx context.Context, sum *summary) error {
	if _, err := m.store.Delete(ctx, snapshotKey(sum.ID)); err != nil {
		return err
	}
	ids := m.index[sum.DocumentID]
	for i, id := range ids {
		if id == sum.ID {
			m.index[sum.DocumentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.index[sum.DocumentID]) == 0 {
		delete(m.index, sum.DocumentID)
	}
	delete(m.summaries, sum.ID)
	return nil
}

// ---- auto-snapshot loop ----

func (m *Manager) autoLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.AutoSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.autoSweep()
		}
	}
}

// autoSweep fires the capture hook for every tracked document whose
// operation counter or elapsed time crossed its threshold.
func (m *Manager) autoSweep() {
	if m.takeFunc == nil {
		return
	}
	now := m.now()

	type due struct {
		documentID string
		trigger    Trigger
	}
	var pending []due

	m.mu.Lock()
	for docID, count := range m.opCounts {
		if count >= m.cfg.OperationsPerSnapshot {
			pending = append(pending, due{docID, TriggerOperationCount})
			continue
		}
		if count > 0 && now.Sub(m.lastSnapshot[docID]) >= m.cfg.AutoSnapshotInterval {
			pending = append(pending, due{docID, TriggerTimeElapsed})
		}
	}
	m.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].documentID < pending[j].documentID })
	for _, d := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.takeFunc(ctx, d.documentID, d.trigger)
		cancel()
	}
}
