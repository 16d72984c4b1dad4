package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/access"
	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// Deps are the components the coordinator orchestrates. All fields are
// required.
type Deps struct {
	Sessions  *session.Manager
	Access    *access.Controller
	Locks     *lock.Manager
	Conflicts *conflict.Manager
	Snapshots *snapshot.Manager
	Store     storage.Store
}

func (d Deps) validate() error {
	switch {
	case d.Sessions == nil:
		return errors.NewInvalidArgumentError("session manager is required")
	case d.Access == nil:
		return errors.NewInvalidArgumentError("access controller is required")
	case d.Locks == nil:
		return errors.NewInvalidArgumentError("lock manager is required")
	case d.Conflicts == nil:
		return errors.NewInvalidArgumentError("conflict manager is required")
	case d.Snapshots == nil:
		return errors.NewInvalidArgumentError("snapshot manager is required")
	case d.Store == nil:
		return errors.NewInvalidArgumentError("storage backend is required")
	}
	return nil
}

// Stats is a point-in-time snapshot of coordinator activity.
type Stats struct {
	OpenDocuments    int    `json:"open_documents"`
	Applied          uint64 `json:"applied"`
	Rejected         uint64 `json:"rejected"`
	VersionConflicts uint64 `json:"version_conflicts"`
	SnapshotsTaken   uint64 `json:"snapshots_taken"`
	EventsDropped    uint64 `json:"events_dropped"`
}

type snapshotTask struct {
	documentID string
	trigger    snapshot.Trigger
}

// Coordinator serialises document mutations and drives the apply
// pipeline across the session, access, lock, conflict and snapshot
// components.
type Coordinator struct {
	cfg       Config
	deps      Deps
	metrics   *Metrics
	now       func() time.Time
	mergeFunc func([]conflict.Operation) (*conflict.Operation, error)

	mu   sync.Mutex
	docs map[string]*docState

	obsMu     sync.RWMutex
	observers []Observer

	taskCh  chan snapshotTask
	eventCh chan AppliedEvent

	applied          atomic.Uint64
	rejected         atomic.Uint64
	versionConflicts atomic.Uint64
	snapshotsTaken   atomic.Uint64
	eventsDropped    atomic.Uint64

	stopCh   chan struct{}
	workerWg sync.WaitGroup
	stopOnce sync.Once
}

// New creates a coordinator and starts its snapshot worker and event
// dispatcher.
func New(cfg Config, deps Deps, metrics *Metrics) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.SnapshotQueueSize <= 0 {
		cfg.SnapshotQueueSize = def.SnapshotQueueSize
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}

	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		metrics: metrics,
		now:     time.Now,
		docs:    make(map[string]*docState),
		taskCh:  make(chan snapshotTask, cfg.SnapshotQueueSize),
		eventCh: make(chan AppliedEvent, cfg.EventQueueSize),
		stopCh:  make(chan struct{}),
	}
	c.workerWg.Add(2)
	go c.snapshotWorker()
	go c.eventDispatcher()
	return c, nil
}

// SetMergeFunc installs a custom merge used when version collisions
// resolve with the MERGE strategy. Call before concurrent use.
func (c *Coordinator) SetMergeFunc(fn func([]conflict.Operation) (*conflict.Operation, error)) {
	c.mergeFunc = fn
}

// Subscribe registers an observer for applied-operation events.
// Observers run on the dispatcher goroutine in commit order.
func (c *Coordinator) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// CreateDocument registers a document with an owner and persists its
// initial content at version 1.
func (c *Coordinator) CreateDocument(ctx context.Context, documentID, ownerID string, content []byte) (*Document, error) {
	if documentID == "" {
		return nil, errors.NewInvalidArgumentError("document id must not be empty")
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCreateDocument,
		trace.WithAttributes(
			telemetry.DocumentID(documentID),
			telemetry.UserID(ownerID),
			telemetry.DocumentSize(len(content))))
	defer span.End()

	if _, err := c.deps.Access.CreateDocument(documentID, ownerID, access.PermissionNone); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	now := c.now()
	custom := map[string]string{"created_by": ownerID}
	if _, err := c.deps.Store.Save(ctx, documentID, content, 1, custom); err != nil {
		// Keep access and storage consistent when the write fails.
		if derr := c.deps.Access.DeleteDocument(documentID, ownerID); derr != nil {
			logger.Warn("orphaned access policy after failed create",
				logger.KeyDocument, documentID, logger.KeyError, derr)
		}
		werr := errors.Wrap(errors.ErrInternal, "persist new document", err)
		telemetry.RecordError(ctx, werr)
		return nil, werr
	}

	state := &docState{
		loaded:    true,
		content:   append([]byte(nil), content...),
		version:   1,
		createdBy: ownerID,
		createdAt: now,
		updatedAt: now,
	}
	c.mu.Lock()
	c.docs[documentID] = state
	c.mu.Unlock()
	c.metrics.observeOpenDocuments(1)

	logger.Info("document created",
		logger.KeyDocument, documentID,
		logger.KeyUser, ownerID,
		logger.KeySize, len(content))
	return state.snapshotLocked(documentID), nil
}

// GetDocument returns the document if the user holds READ access.
func (c *Coordinator) GetDocument(ctx context.Context, documentID, userID string) (*Document, error) {
	if !c.deps.Access.CanAccess(userID, documentID, access.PermissionRead) {
		return nil, errors.NewPermissionDeniedError("read access required")
	}
	state, err := c.state(ctx, documentID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshotLocked(documentID), nil
}

// DeleteDocument removes the document and cascades through access,
// locks, snapshots and storage. Only the owner may delete.
func (c *Coordinator) DeleteDocument(ctx context.Context, documentID, userID string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDeleteDocument,
		trace.WithAttributes(
			telemetry.DocumentID(documentID),
			telemetry.UserID(userID)))
	defer span.End()

	if err := c.deps.Access.DeleteDocument(documentID, userID); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	released := c.deps.Locks.ReleaseDocumentLocks(documentID)
	removed, err := c.deps.Snapshots.DeleteDocumentSnapshots(ctx, documentID)
	if err != nil {
		logger.Warn("snapshot cleanup failed during delete",
			logger.KeyDocument, documentID, logger.KeyError, err)
	}
	if _, err := c.deps.Store.Delete(ctx, documentID); err != nil {
		werr := errors.Wrap(errors.ErrInternal, "delete document content", err)
		telemetry.RecordError(ctx, werr)
		return werr
	}

	c.mu.Lock()
	_, open := c.docs[documentID]
	delete(c.docs, documentID)
	c.mu.Unlock()
	if open {
		c.metrics.observeOpenDocuments(-1)
	}

	logger.Info("document deleted",
		logger.KeyDocument, documentID,
		logger.KeyUser, userID,
		"locks_released", released,
		"snapshots_removed", removed)
	return nil
}

// ApplyOperation runs the apply pipeline: session resolution, access
// check, lock check, then version check and commit under the
// document's serialisation point.
//
// Lock violations return a typed error with the blocking locks listed
// in the result. A version collision the resolution strategy does not
// settle in the caller's favour returns Success=false without an
// error.
func (c *Coordinator) ApplyOperation(ctx context.Context, documentID, sessionID string, op conflict.Operation, baseVersion int64) (*ApplyResult, error) {
	start := c.now()
	ctx, span := telemetry.StartApplySpan(ctx, documentID, sessionID,
		telemetry.OperationID(op.ID),
		telemetry.OperationType(op.Type))
	defer span.End()

	sess, err := c.deps.Sessions.GetSession(sessionID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := c.deps.Sessions.UpdateActivity(sessionID); err != nil {
		logger.Debug("activity update failed", logger.KeySession, sessionID, logger.KeyError, err)
	}
	if op.UserID == "" {
		op.UserID = sess.UserID
	}
	span.SetAttributes(
		telemetry.UserID(sess.UserID),
		telemetry.ClientID(sess.ClientID))

	if !c.deps.Access.CanAccess(sess.UserID, documentID, access.PermissionWrite) {
		c.rejected.Add(1)
		c.metrics.observeRejected("permission")
		err := errors.NewPermissionDeniedError("write access required")
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	pos := op.Position
	if ok, holders := c.deps.Locks.CanEdit(documentID, sess.UserID, &pos, op.Field); !ok {
		c.rejected.Add(1)
		c.metrics.observeRejected("lock")
		res := &ApplyResult{Success: false, Reason: "blocked by lock", ConflictLocks: holders}
		err := errors.Newf(errors.ErrLockViolation,
			"document %s is locked against edits by %s", documentID, sess.UserID)
		telemetry.RecordError(ctx, err)
		return res, err
	}

	state, err := c.state(ctx, documentID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	result := &ApplyResult{}
	applied := op
	if baseVersion != state.version {
		proceed, winner := c.resolveVersionCollision(ctx, documentID, op, baseVersion, state.version, result)
		if !proceed {
			c.rejected.Add(1)
			c.metrics.observeRejected("version")
			return result, nil
		}
		applied = *winner
	}

	newContent, err := applyEdit(state.content, applied)
	if err != nil {
		c.rejected.Add(1)
		c.metrics.observeRejected("invalid")
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	newVersion := state.version + 1
	custom := map[string]string{"created_by": state.createdBy}
	if _, err := c.deps.Store.Save(ctx, documentID, newContent, newVersion, custom); err != nil {
		werr := errors.Wrap(errors.ErrInternal, "persist document", err)
		telemetry.RecordError(ctx, werr)
		return nil, werr
	}

	state.content = newContent
	state.version = newVersion
	state.updatedAt = c.now()
	span.SetAttributes(telemetry.DocumentVersion(newVersion))

	result.Success = true
	result.NewVersion = newVersion
	result.Applied = &applied

	// Enqueued under the document mutex so observers see commits in
	// order.
	c.publish(AppliedEvent{
		DocumentID: documentID,
		UserID:     sess.UserID,
		SessionID:  sessionID,
		Operation:  applied,
		NewVersion: newVersion,
		AppliedAt:  state.updatedAt,
	})
	if c.deps.Snapshots.RecordOperation(documentID) {
		c.enqueueSnapshot(documentID, snapshot.TriggerOperationCount)
	}

	c.applied.Add(1)
	c.metrics.observeApplied(c.now().Sub(start).Seconds())
	logger.Debug("operation applied",
		logger.KeyDocument, documentID,
		logger.KeyUser, sess.UserID,
		logger.KeyOperation, applied.ID,
		logger.KeyVersion, newVersion)
	return result, nil
}

// resolveVersionCollision records a version-mismatch conflict and runs
// the configured strategy. It reports whether the apply may proceed
// and with which operation. Caller holds the document mutex.
func (c *Coordinator) resolveVersionCollision(ctx context.Context, documentID string, op conflict.Operation, baseVersion, currentVersion int64, result *ApplyResult) (bool, *conflict.Operation) {
	c.versionConflicts.Add(1)
	// The submitted base version is authoritative for the mismatch,
	// whatever the client stamped on the operation itself. Detection
	// keys off the document's current version, which the caller has
	// already established differs from the base.
	probe := op
	probe.Version = baseVersion
	detected := conflict.DetectVersionMismatch(documentID, probe, currentVersion, currentVersion)
	stored, _ := c.deps.Conflicts.Record(detected)
	result.Conflict = stored
	telemetry.AddEvent(ctx, "version_collision",
		telemetry.ConflictID(stored.ID),
		telemetry.Strategy(c.cfg.ResolutionStrategy.String()))

	res, err := c.deps.Conflicts.Resolve(ctx, stored.ID, c.cfg.ResolutionStrategy, "coordinator", conflict.ResolveContext{MergeFunc: c.mergeFunc})
	if err != nil {
		logger.Warn("version collision resolution failed",
			logger.KeyDocument, documentID,
			logger.KeyConflict, stored.ID,
			logger.KeyError, err)
		result.Reason = "version conflict unresolved"
		return false, nil
	}
	result.Resolution = res
	if refreshed, gerr := c.deps.Conflicts.GetConflict(stored.ID); gerr == nil {
		result.Conflict = refreshed
	}
	if !res.Success {
		result.Reason = "version conflict unresolved"
		return false, nil
	}

	switch {
	case res.MergedOperation != nil:
		return true, res.MergedOperation
	case res.WinningOperation != nil && res.WinningOperation.ID == op.ID:
		winner := *res.WinningOperation
		return true, &winner
	default:
		result.Reason = "operation superseded"
		return false, nil
	}
}

// TakeSnapshot captures the document's current state. It matches
// snapshot.TakeFunc so the auto-snapshot loop can drive it.
func (c *Coordinator) TakeSnapshot(ctx context.Context, documentID string, trigger snapshot.Trigger) {
	state, err := c.state(ctx, documentID)
	if err != nil {
		logger.Warn("snapshot capture skipped", logger.KeyDocument, documentID, logger.KeyError, err)
		return
	}
	state.mu.Lock()
	content := append([]byte(nil), state.content...)
	version := state.version
	state.mu.Unlock()

	if _, err := c.deps.Snapshots.CreateSnapshot(ctx, documentID, content, version, trigger, nil); err != nil {
		logger.Warn("snapshot capture failed",
			logger.KeyDocument, documentID,
			logger.KeyTrigger, trigger.String(),
			logger.KeyError, err)
		return
	}
	c.snapshotsTaken.Add(1)
}

// RestoreSnapshot replaces the document content with a snapshot's
// content. Requires WRITE access; the restore commits as a regular
// version bump.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, documentID, snapshotID, userID string) (*Document, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRestoreDocument,
		trace.WithAttributes(
			telemetry.DocumentID(documentID),
			telemetry.SnapshotID(snapshotID),
			telemetry.UserID(userID)))
	defer span.End()

	if !c.deps.Access.CanAccess(userID, documentID, access.PermissionWrite) {
		err := errors.NewPermissionDeniedError("write access required")
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	content, err := c.deps.Snapshots.RestoreSnapshot(ctx, snapshotID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	state, err := c.state(ctx, documentID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	newVersion := state.version + 1
	custom := map[string]string{"created_by": state.createdBy}
	if _, err := c.deps.Store.Save(ctx, documentID, content, newVersion, custom); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "persist restored content", err)
	}
	state.content = content
	state.version = newVersion
	state.updatedAt = c.now()

	logger.Info("document restored from snapshot",
		logger.KeyDocument, documentID,
		logger.KeySnapshot, snapshotID,
		logger.KeyVersion, newVersion)
	return state.snapshotLocked(documentID), nil
}

// GetStats returns a snapshot of coordinator activity.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	open := len(c.docs)
	c.mu.Unlock()
	return Stats{
		OpenDocuments:    open,
		Applied:          c.applied.Load(),
		Rejected:         c.rejected.Load(),
		VersionConflicts: c.versionConflicts.Load(),
		SnapshotsTaken:   c.snapshotsTaken.Load(),
		EventsDropped:    c.eventsDropped.Load(),
	}
}

// Close stops the snapshot worker and event dispatcher. Pending
// snapshot tasks and events are drained first.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.workerWg.Wait()
	})
}

// state returns the in-memory entry for a document, loading it from
// storage on first touch.
func (c *Coordinator) state(ctx context.Context, documentID string) (*docState, error) {
	c.mu.Lock()
	st, ok := c.docs[documentID]
	if !ok {
		st = &docState{}
		c.docs[documentID] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loaded {
		return st, nil
	}

	content, meta, err := c.deps.Store.Load(ctx, documentID)
	if err != nil {
		c.mu.Lock()
		if cur, ok := c.docs[documentID]; ok && cur == st && !st.loaded {
			delete(c.docs, documentID)
		}
		c.mu.Unlock()
		return nil, err
	}
	st.loaded = true
	st.content = content
	st.version = meta.Version
	st.createdAt = meta.CreatedAt
	st.updatedAt = meta.UpdatedAt
	if meta.Custom != nil {
		st.createdBy = meta.Custom["created_by"]
	}
	c.metrics.observeOpenDocuments(1)
	return st, nil
}

func (c *Coordinator) enqueueSnapshot(documentID string, trigger snapshot.Trigger) {
	select {
	case c.taskCh <- snapshotTask{documentID: documentID, trigger: trigger}:
	default:
		logger.Warn("snapshot task dropped, queue full", logger.KeyDocument, documentID)
	}
}

func (c *Coordinator) publish(ev AppliedEvent) {
	select {
	case c.eventCh <- ev:
	default:
		c.eventsDropped.Add(1)
		c.metrics.observeDroppedEvent()
		logger.Warn("observer event dropped, queue full", logger.KeyDocument, ev.DocumentID)
	}
}

func (c *Coordinator) snapshotWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case task := <-c.taskCh:
			c.runSnapshotTask(task)
		case <-c.stopCh:
			for {
				select {
				case task := <-c.taskCh:
					c.runSnapshotTask(task)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) runSnapshotTask(task snapshotTask) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SnapshotTimeout)
	defer cancel()
	c.TakeSnapshot(ctx, task.documentID, task.trigger)
}

func (c *Coordinator) eventDispatcher() {
	defer c.workerWg.Done()
	for {
		select {
		case ev := <-c.eventCh:
			c.dispatch(ev)
		case <-c.stopCh:
			for {
				select {
				case ev := <-c.eventCh:
					c.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) dispatch(ev AppliedEvent) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("observer panicked",
						logger.KeyDocument, ev.DocumentID,
						logger.KeyError, r)
				}
			}()
			fn(ev)
		}()
	}
}
