package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// Callbacks are notification hooks invoked after lock state changes.
// They run outside the manager mutex; panics are recovered and logged,
// never propagated to the caller.
type Callbacks struct {
	OnAcquired func(*Lock)
	OnReleased func(*Lock)
	OnExpired  func(*Lock)
}

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	ActiveLocks   int    `json:"active_locks"`
	QueuedWaiters int    `json:"queued_waiters"`
	Acquired      uint64 `json:"acquired"`
	Denied        uint64 `json:"denied"`
	Released      uint64 `json:"released"`
	Expired       uint64 `json:"expired"`
	QueueTimeouts uint64 `json:"queue_timeouts"`
}

// waiter is a queued acquisition attempt. Release and expiry signal the
// head waiter of a document's queue through the one-shot channel; the
// waiter re-scans for conflicts when woken.
type waiter struct {
	id       string
	docID    string
	deadline time.Time
	signal   chan struct{}
}

// Manager grants, tracks, and reclaims document locks.
//
// All state is in memory. A background sweeper reclaims expired locks
// and wakes queued waiters whose deadlines have passed.
type Manager struct {
	cfg       Config
	metrics   *Metrics
	callbacks Callbacks
	now       func() time.Time

	mu        sync.Mutex
	closed    bool
	locks     map[string]*Lock
	byDoc     map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
	queues    map[string][]*waiter

	acquired      atomic.Uint64
	denied        atomic.Uint64
	released      atomic.Uint64
	expired       atomic.Uint64
	queueTimeouts atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a lock manager and starts its sweeper.
func NewManager(cfg Config, metrics *Metrics) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxLockDuration <= 0 {
		cfg.MaxLockDuration = DefaultConfig().MaxLockDuration
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultConfig().QueueTimeout
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	m := &Manager{
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
		locks:     make(map[string]*Lock),
		byDoc:     make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		queues:    make(map[string][]*waiter),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetCallbacks installs notification hooks. Call before concurrent use.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// Acquire attempts to take a lock described by req.
//
// Conflicts produce an unsuccessful Result listing the blockers; with
// req.Wait set and queuing enabled, the request queues behind them for
// up to the queue timeout. Capacity limits (per-user, per-document,
// queue depth) fail immediately with an error and never queue.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLockAcquire,
		trace.WithAttributes(
			telemetry.DocumentID(req.DocumentID),
			telemetry.UserID(req.UserID),
			telemetry.LockType(req.Type.String()),
			telemetry.LockScope(req.Scope.String())))
	defer span.End()

	holdFor := m.clampTimeout(req.Timeout)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		err := errors.New(errors.ErrInternal, "lock manager is closed")
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := m.checkCapsLocked(req); err != nil {
		m.mu.Unlock()
		m.denied.Add(1)
		m.metrics.observeDenied("capacity")
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	conflicts := m.scanConflictsLocked(req)
	if len(conflicts) == 0 {
		granted := m.commitLocked(req, holdFor)
		m.mu.Unlock()
		span.SetAttributes(telemetry.LockID(granted.ID))
		m.emit(m.callbacks.OnAcquired, granted)
		return &Result{Success: true, Lock: granted}, nil
	}

	if !req.Wait || !m.cfg.EnableQueuing {
		m.mu.Unlock()
		m.denied.Add(1)
		m.metrics.observeDenied("conflict")
		return &Result{
			Success:       false,
			ConflictLocks: cloneLocks(conflicts),
			Reason:        "conflicting locks held",
		}, nil
	}

	if len(m.queues[req.DocumentID]) >= m.cfg.MaxQueueDepth {
		m.mu.Unlock()
		m.denied.Add(1)
		m.metrics.observeDenied("queue_full")
		err := errors.NewCapacityExceededError("lock queue", m.cfg.MaxQueueDepth)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	start := m.now()
	w := &waiter{
		id:       newLockID(),
		docID:    req.DocumentID,
		deadline: start.Add(m.cfg.QueueTimeout),
		signal:   make(chan struct{}, 1),
	}
	m.queues[req.DocumentID] = append(m.queues[req.DocumentID], w)
	m.mu.Unlock()
	m.metrics.observeQueued(1)

	return m.wait(ctx, req, w, holdFor, start)
}

// wait blocks on the waiter's signal channel and resolves the queued
// request: a wake before the deadline triggers a single re-scan.
func (m *Manager) wait(ctx context.Context, req Request, w *waiter, holdFor time.Duration, start time.Time) (*Result, error) {
	timer := time.NewTimer(m.cfg.QueueTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.removeWaiter(w)
			m.denied.Add(1)
			m.metrics.observeDenied("canceled")
			return nil, errors.Wrap(errors.ErrTimeout, "lock wait canceled", ctx.Err())

		case <-timer.C:
			return m.waitTimedOut(req, w, start)

		case <-w.signal:
			waited := m.now().Sub(start)
			if m.now().After(w.deadline) {
				return m.waitTimedOut(req, w, start)
			}

			m.mu.Lock()
			conflicts := m.scanConflictsLocked(req)
			if len(conflicts) > 0 {
				m.removeWaiterLocked(w)
				m.mu.Unlock()
				m.metrics.observeQueued(-1)
				m.metrics.observeWait(waited.Seconds())
				m.denied.Add(1)
				m.metrics.observeDenied("conflict")
				return &Result{
					Success:       false,
					ConflictLocks: cloneLocks(conflicts),
					WaitTime:      waited,
					Reason:        "still blocked after wait",
				}, nil
			}
			granted := m.commitLocked(req, holdFor)
			m.removeWaiterLocked(w)
			m.mu.Unlock()
			m.metrics.observeQueued(-1)
			m.metrics.observeWait(waited.Seconds())
			telemetry.SetAttributes(ctx, telemetry.LockID(granted.ID))
			m.emit(m.callbacks.OnAcquired, granted)
			return &Result{Success: true, Lock: granted, WaitTime: waited}, nil
		}
	}
}

func (m *Manager) waitTimedOut(req Request, w *waiter, start time.Time) (*Result, error) {
	m.removeWaiter(w)
	waited := m.now().Sub(start)
	m.metrics.observeWait(waited.Seconds())
	m.queueTimeouts.Add(1)
	m.denied.Add(1)
	m.metrics.observeDenied("queue_timeout")

	m.mu.Lock()
	conflicts := cloneLocks(m.scanConflictsLocked(req))
	m.mu.Unlock()
	return &Result{
		Success:       false,
		ConflictLocks: conflicts,
		WaitTime:      waited,
		Reason:        "queue timeout",
	}, nil
}

// Check is a dry-run acquisition: it reports whether req would be
// granted right now and which locks would block it. Nothing is mutated.
func (m *Manager) Check(req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conflicts := m.scanConflictsLocked(req)
	if len(conflicts) > 0 {
		return &Result{
			Success:       false,
			ConflictLocks: cloneLocks(conflicts),
			Reason:        "conflicting locks held",
		}, nil
	}
	return &Result{Success: true}, nil
}

// Release releases a lock. Only the holding user may release it.
func (m *Manager) Release(lockID, userID string) bool {
	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok || l.UserID != userID {
		m.mu.Unlock()
		return false
	}
	m.dropLocked(l, StateReleased)
	m.signalNextLocked(l.DocumentID)
	released := l.clone()
	m.mu.Unlock()

	m.released.Add(1)
	m.metrics.observeReleased("explicit")
	m.emit(m.callbacks.OnReleased, released)
	logger.Debug("lock released",
		logger.KeyLock, released.ID,
		logger.KeyDocument, released.DocumentID,
		logger.KeyUser, released.UserID)
	return true
}

// Extend pushes a lock's expiry forward by extension. The total hold
// is clamped to MaxLockDuration from acquisition. Only the holder may
// extend.
func (m *Manager) Extend(lockID, userID string, extension time.Duration) bool {
	if extension <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok || l.UserID != userID || l.State != StateAcquired {
		return false
	}
	if l.IsExpired(m.now()) {
		return false
	}
	newExpiry := l.ExpiresAt.Add(extension)
	if ceiling := l.AcquiredAt.Add(m.cfg.MaxLockDuration); newExpiry.After(ceiling) {
		newExpiry = ceiling
	}
	if !newExpiry.After(l.ExpiresAt) {
		return false
	}
	l.ExpiresAt = newExpiry
	return true
}

// ReleaseSessionLocks releases every lock held by a session and returns
// the count. Used by the session manager's termination cascade.
func (m *Manager) ReleaseSessionLocks(sessionID string) int {
	return m.releaseSet(func() map[string]struct{} { return m.bySession[sessionID] }, "session")
}

// ReleaseUserLocks releases every lock held by a user across documents.
func (m *Manager) ReleaseUserLocks(userID string) int {
	return m.releaseSet(func() map[string]struct{} { return m.byUser[userID] }, "user")
}

// ReleaseDocumentLocks releases every lock on a document. Used when a
// document is deleted.
func (m *Manager) ReleaseDocumentLocks(documentID string) int {
	return m.releaseSet(func() map[string]struct{} { return m.byDoc[documentID] }, "document")
}

func (m *Manager) releaseSet(ids func() map[string]struct{}, cause string) int {
	m.mu.Lock()
	var dropped []*Lock
	seen := make(map[string]struct{})
	for id := range ids() {
		l, ok := m.locks[id]
		if !ok {
			continue
		}
		m.dropLocked(l, StateReleased)
		if _, dup := seen[l.DocumentID]; !dup {
			seen[l.DocumentID] = struct{}{}
		}
		dropped = append(dropped, l.clone())
	}
	for docID := range seen {
		m.signalNextLocked(docID)
	}
	m.mu.Unlock()

	for _, l := range dropped {
		m.released.Add(1)
		m.metrics.observeReleased(cause)
		m.emit(m.callbacks.OnReleased, l)
	}
	return len(dropped)
}

// GetLock returns a copy of the lock with the given id.
func (m *Manager) GetLock(lockID string) (*Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok {
		return nil, false
	}
	return l.clone(), true
}

// GetDocumentLocks returns the active locks on a document.
func (m *Manager) GetDocumentLocks(documentID string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byDoc[documentID])
}

// GetUserLocks returns the active locks held by a user.
func (m *Manager) GetUserLocks(userID string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byUser[userID])
}

// GetSessionLocks returns the active locks held by a session.
func (m *Manager) GetSessionLocks(sessionID string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.bySession[sessionID])
}

// IsLocked reports whether any active lock covers the given position
// and field on the document. A nil position and empty field asks about
// any lock at all.
func (m *Manager) IsLocked(documentID string, position *int64, field string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id := range m.byDoc[documentID] {
		l := m.locks[id]
		if l == nil || l.State != StateAcquired || l.IsExpired(now) {
			continue
		}
		if l.coversPosition(position, field) {
			return true
		}
	}
	return false
}

// CanEdit reports whether the user may edit the given position/field,
// returning the blocking locks when they may not. Shared and intent
// locks held by others do not block editing by themselves; exclusive
// locks do.
func (m *Manager) CanEdit(documentID, userID string, position *int64, field string) (bool, []*Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var blocking []*Lock
	for id := range m.byDoc[documentID] {
		l := m.locks[id]
		if l == nil || l.State != StateAcquired || l.IsExpired(now) {
			continue
		}
		if l.UserID == userID {
			continue
		}
		if l.Type == TypeExclusive && l.coversPosition(position, field) {
			blocking = append(blocking, l.clone())
		}
	}
	return len(blocking) == 0, blocking
}

// QueueLength returns the number of waiters queued on a document.
func (m *Manager) QueueLength(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[documentID])
}

// GetStats returns a snapshot of manager activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	active := len(m.locks)
	waiters := 0
	for _, q := range m.queues {
		waiters += len(q)
	}
	m.mu.Unlock()
	return Stats{
		ActiveLocks:   active,
		QueuedWaiters: waiters,
		Acquired:      m.acquired.Load(),
		Denied:        m.denied.Load(),
		Released:      m.released.Load(),
		Expired:       m.expired.Load(),
		QueueTimeouts: m.queueTimeouts.Load(),
	}
}

// Close stops the sweeper and wakes all queued waiters.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, q := range m.queues {
			for _, w := range q {
				select {
				case w.signal <- struct{}{}:
				default:
				}
			}
		}
		m.mu.Unlock()
		close(m.stopCh)
		<-m.doneCh
	})
}

// ---- internals ----

func validateRequest(req Request) error {
	if req.DocumentID == "" {
		return errors.NewInvalidArgumentError("document_id must not be empty")
	}
	if req.UserID == "" {
		return errors.NewInvalidArgumentError("user_id must not be empty")
	}
	if req.Scope == ScopeField && req.FieldName == "" {
		return errors.NewInvalidArgumentError("field_name is required for field scope")
	}
	if req.Range != nil && req.Range.End <= req.Range.Start {
		return errors.NewInvalidArgumentError("range end must be greater than start")
	}
	return nil
}

func (m *Manager) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = m.cfg.DefaultTimeout
	}
	if requested > m.cfg.MaxLockDuration {
		requested = m.cfg.MaxLockDuration
	}
	return requested
}

func (m *Manager) checkCapsLocked(req Request) error {
	if len(m.byUser[req.UserID]) >= m.cfg.MaxLocksPerUser {
		return errors.NewCapacityExceededError("locks per user", m.cfg.MaxLocksPerUser)
	}
	if len(m.byDoc[req.DocumentID]) >= m.cfg.MaxLocksPerDocument {
		return errors.NewCapacityExceededError("locks per document", m.cfg.MaxLocksPerDocument)
	}
	return nil
}

// scanConflictsLocked returns the active locks that block req. Locks
// held by the requesting user never conflict with their own requests.
func (m *Manager) scanConflictsLocked(req Request) []*Lock {
	candidate := &Lock{
		DocumentID: req.DocumentID,
		Type:       req.Type,
		Scope:      req.Scope,
		Range:      req.Range,
		FieldName:  req.FieldName,
	}
	now := m.now()
	var conflicts []*Lock
	for id := range m.byDoc[req.DocumentID] {
		l := m.locks[id]
		if l == nil || l.State != StateAcquired || l.IsExpired(now) {
			continue
		}
		if l.UserID == req.UserID {
			continue
		}
		if candidate.conflictsWith(l) {
			conflicts = append(conflicts, l)
		}
	}
	return conflicts
}

func (m *Manager) commitLocked(req Request, holdFor time.Duration) *Lock {
	now := m.now()
	l := &Lock{
		ID:         newLockID(),
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Type:       req.Type,
		Scope:      req.Scope,
		FieldName:  req.FieldName,
		State:      StateAcquired,
		AcquiredAt: now,
		ExpiresAt:  now.Add(holdFor),
	}
	if req.Range != nil {
		r := *req.Range
		l.Range = &r
	}
	if len(req.Metadata) > 0 {
		l.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			l.Metadata[k] = v
		}
	}

	m.locks[l.ID] = l
	index(m.byDoc, l.DocumentID, l.ID)
	index(m.byUser, l.UserID, l.ID)
	if l.SessionID != "" {
		index(m.bySession, l.SessionID, l.ID)
	}

	m.acquired.Add(1)
	m.metrics.observeAcquired(l)
	return l.clone()
}

// dropLocked removes the lock from all indexes and stamps its terminal
// state. Caller signals waiters and emits callbacks after unlocking.
func (m *Manager) dropLocked(l *Lock, state State) {
	delete(m.locks, l.ID)
	unindex(m.byDoc, l.DocumentID, l.ID)
	unindex(m.byUser, l.UserID, l.ID)
	if l.SessionID != "" {
		unindex(m.bySession, l.SessionID, l.ID)
	}
	l.State = state
	l.ReleasedAt = m.now()
}

// signalNextLocked wakes the head waiter of the document's queue, if any.
func (m *Manager) signalNextLocked(documentID string) {
	q := m.queues[documentID]
	if len(q) == 0 {
		return
	}
	select {
	case q[0].signal <- struct{}{}:
	default:
	}
}

func (m *Manager) removeWaiter(w *waiter) {
	m.mu.Lock()
	removed := m.removeWaiterLocked(w)
	m.mu.Unlock()
	if removed {
		m.metrics.observeQueued(-1)
	}
}

func (m *Manager) removeWaiterLocked(w *waiter) bool {
	q := m.queues[w.docID]
	for i, cand := range q {
		if cand.id == w.id {
			m.queues[w.docID] = append(q[:i], q[i+1:]...)
			if len(m.queues[w.docID]) == 0 {
				delete(m.queues, w.docID)
			}
			// Head removal may unblock the next waiter.
			if i == 0 {
				m.signalNextLocked(w.docID)
			}
			return true
		}
	}
	return false
}

func (m *Manager) collectLocked(ids map[string]struct{}) []*Lock {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Lock, 0, len(ids))
	for id := range ids {
		if l, ok := m.locks[id]; ok {
			out = append(out, l.clone())
		}
	}
	return out
}

// sweepLoop reclaims expired locks and wakes overdue waiters.
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	var reclaimed []*Lock
	for _, l := range m.locks {
		if l.State == StateAcquired && l.IsExpired(now) {
			reclaimed = append(reclaimed, l)
		}
	}
	docs := make(map[string]struct{})
	for _, l := range reclaimed {
		m.dropLocked(l, StateExpired)
		docs[l.DocumentID] = struct{}{}
	}
	for docID := range docs {
		m.signalNextLocked(docID)
	}
	// Overdue waiters wake and observe their own timeout.
	for _, q := range m.queues {
		for _, w := range q {
			if now.After(w.deadline) {
				select {
				case w.signal <- struct{}{}:
				default:
				}
			}
		}
	}
	m.mu.Unlock()

	for _, l := range reclaimed {
		m.expired.Add(1)
		m.metrics.observeExpired()
		m.emit(m.callbacks.OnExpired, l.clone())
		logger.Debug("lock expired",
			logger.KeyLock, l.ID,
			logger.KeyDocument, l.DocumentID,
			logger.KeyUser, l.UserID)
	}
}

// emit invokes a callback, recovering panics so hook failures never
// disturb lock bookkeeping.
func (m *Manager) emit(fn func(*Lock), l *Lock) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("lock callback panicked", logger.KeyError, r, logger.KeyLock, l.ID)
		}
	}()
	fn(l)
}

func index(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func unindex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
