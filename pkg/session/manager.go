package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// Callbacks are notification hooks invoked after session state
// changes. They run outside the manager mutex; panics are recovered
// and logged.
type Callbacks struct {
	OnCreated    func(*Session)
	OnTerminated func(*Session, string)
}

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	ActiveSessions       int    `json:"active_sessions"`
	IdleSessions         int    `json:"idle_sessions"`
	DisconnectedSessions int    `json:"disconnected_sessions"`
	Created              uint64 `json:"created"`
	Terminated           uint64 `json:"terminated"`
	Expired              uint64 `json:"expired"`
	Evicted              uint64 `json:"evicted"`
}

// Manager tracks sessions, their joined documents, and their data bags.
type Manager struct {
	cfg       Config
	callbacks Callbacks
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	byClient map[string]string
	byUser   map[string]map[string]struct{}
	byDoc    map[string]map[string]struct{}

	created    atomic.Uint64
	terminated atomic.Uint64
	expired    atomic.Uint64
	evicted    atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts its sweeper.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = def.MaxSessionsPerUser
	}
	if cfg.MaxDocumentsPerSession <= 0 {
		cfg.MaxDocumentsPerSession = def.MaxDocumentsPerSession
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*record),
		byClient: make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
		byDoc:    make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetCallbacks installs notification hooks. Call before concurrent use.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// CreateSession starts a session for the user. When the user is at
// their session cap the oldest live session is terminated first.
func (m *Manager) CreateSession(userID, clientID string, deviceInfo map[string]string) (*Session, error) {
	if userID == "" || clientID == "" {
		return nil, errors.NewInvalidArgumentError("user_id and client_id must not be empty")
	}

	m.mu.Lock()
	if existing, ok := m.byClient[clientID]; ok {
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrAlreadyExists, "client %s already has session %s", clientID, existing)
	}

	var evictees []*record
	for len(m.byUser[userID]) >= m.cfg.MaxSessionsPerUser {
		oldest := m.oldestLocked(userID)
		if oldest == nil {
			break
		}
		m.dropLocked(oldest, StateTerminated)
		evictees = append(evictees, oldest)
	}

	now := m.now()
	rec := &record{
		session: Session{
			ID:           newSessionID(),
			UserID:       userID,
			ClientID:     clientID,
			State:        StateActive,
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(m.cfg.SessionTimeout),
		},
		documents: make(map[string]struct{}),
		data:      make(map[string]map[string]any),
	}
	if len(deviceInfo) > 0 {
		rec.session.DeviceInfo = make(map[string]string, len(deviceInfo))
		for k, v := range deviceInfo {
			rec.session.DeviceInfo[k] = v
		}
	}
	m.sessions[rec.session.ID] = rec
	m.byClient[clientID] = rec.session.ID
	users, ok := m.byUser[userID]
	if !ok {
		users = make(map[string]struct{})
		m.byUser[userID] = users
	}
	users[rec.session.ID] = struct{}{}
	snap := rec.snapshot()
	m.mu.Unlock()

	for _, old := range evictees {
		m.evicted.Add(1)
		m.terminated.Add(1)
		m.emitTerminated(old.snapshot(), "session limit reached")
	}
	m.created.Add(1)
	m.emitCreated(snap)
	logger.Debug("session created",
		logger.KeySession, snap.ID, logger.KeyUser, userID, logger.KeyClient, clientID)
	return snap, nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session", sessionID)
	}
	return rec.snapshot(), nil
}

// GetSessionByClient returns the session bound to a client id.
func (m *Manager) GetSessionByClient(clientID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientID]
	if !ok {
		return nil, errors.NewNotFoundError("session for client", clientID)
	}
	return m.sessions[id].snapshot(), nil
}

// GetUserSessions returns the user's live sessions.
func (m *Manager) GetUserSessions(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, m.sessions[id].snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetDocumentSessions returns the sessions that joined a document.
func (m *Manager) GetDocumentSessions(documentID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byDoc[documentID]))
	for id := range m.byDoc[documentID] {
		out = append(out, m.sessions[id].snapshot())
	}
	return out
}

// UpdateActivity records activity: the idle clock restarts, an IDLE
// session becomes ACTIVE again, and expiry slides forward.
func (m *Manager) UpdateActivity(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session", sessionID)
	}
	now := m.now()
	rec.session.LastActivity = now
	rec.session.ExpiresAt = now.Add(m.cfg.SessionTimeout)
	if rec.session.State == StateIdle {
		rec.session.State = StateActive
	}
	return nil
}

// JoinDocument adds the document to the session's working set.
func (m *Manager) JoinDocument(sessionID, documentID string) error {
	if documentID == "" {
		return errors.NewInvalidArgumentError("document_id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session", sessionID)
	}
	if _, joined := rec.documents[documentID]; joined {
		return nil
	}
	if len(rec.documents) >= m.cfg.MaxDocumentsPerSession {
		return errors.NewCapacityExceededError("documents per session", m.cfg.MaxDocumentsPerSession)
	}
	rec.documents[documentID] = struct{}{}
	docs, ok := m.byDoc[documentID]
	if !ok {
		docs = make(map[string]struct{})
		m.byDoc[documentID] = docs
	}
	docs[sessionID] = struct{}{}
	return nil
}

// LeaveDocument removes the document from the session's working set
// and drops the (session, document) data bag.
func (m *Manager) LeaveDocument(sessionID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session", sessionID)
	}
	delete(rec.documents, documentID)
	delete(rec.data, documentID)
	if docs, ok := m.byDoc[documentID]; ok {
		delete(docs, sessionID)
		if len(docs) == 0 {
			delete(m.byDoc, documentID)
		}
	}
	return nil
}

// DisconnectSession marks the session DISCONNECTED and unbinds its
// client id, preserving state for a later reconnect.
func (m *Manager) DisconnectSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session", sessionID)
	}
	delete(m.byClient, rec.session.ClientID)
	rec.session.State = StateDisconnected
	rec.session.LastActivity = m.now()
	return nil
}

// ReconnectSession rebinds a DISCONNECTED session to a new client id
// and promotes it to ACTIVE. Session data survives the reconnect.
func (m *Manager) ReconnectSession(sessionID, newClientID string) (*Session, error) {
	if newClientID == "" {
		return nil, errors.NewInvalidArgumentError("client_id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session", sessionID)
	}
	if rec.session.State != StateDisconnected {
		return nil, errors.Newf(errors.ErrConflict, "session %s is %s, not disconnected", sessionID, rec.session.State)
	}
	now := m.now()
	if now.After(rec.session.ExpiresAt) {
		return nil, errors.NewTimeoutError("session " + sessionID)
	}
	if other, bound := m.byClient[newClientID]; bound && other != sessionID {
		return nil, errors.Newf(errors.ErrAlreadyExists, "client %s already has session %s", newClientID, other)
	}
	rec.session.ClientID = newClientID
	m.byClient[newClientID] = sessionID
	rec.session.State = StateActive
	rec.session.LastActivity = now
	rec.session.ExpiresAt = now.Add(m.cfg.SessionTimeout)
	return rec.snapshot(), nil
}

// TerminateSession removes the session unconditionally and fires the
// termination callback.
func (m *Manager) TerminateSession(sessionID, reason string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("session", sessionID)
	}
	m.dropLocked(rec, StateTerminated)
	snap := rec.snapshot()
	m.mu.Unlock()

	m.terminated.Add(1)
	m.emitTerminated(snap, reason)
	logger.Debug("session terminated",
		logger.KeySession, sessionID, logger.KeyReason, reason)
	return nil
}

// TerminateUserSessions removes every session of a user and returns
// the count.
func (m *Manager) TerminateUserSessions(userID, reason string) int {
	m.mu.Lock()
	var dropped []*Session
	for id := range m.byUser[userID] {
		rec := m.sessions[id]
		m.dropLocked(rec, StateTerminated)
		dropped = append(dropped, rec.snapshot())
	}
	m.mu.Unlock()

	for _, snap := range dropped {
		m.terminated.Add(1)
		m.emitTerminated(snap, reason)
	}
	return len(dropped)
}

// SaveSessionData stores a value in the (session, document) data bag.
// The session must have joined the document.
func (m *Manager) SaveSessionData(sessionID, documentID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session", sessionID)
	}
	if _, joined := rec.documents[documentID]; !joined {
		return errors.Newf(errors.ErrInvalidArgument, "session %s has not joined document %s", sessionID, documentID)
	}
	bag, ok := rec.data[documentID]
	if !ok {
		bag = make(map[string]any)
		rec.data[documentID] = bag
	}
	bag[key] = value
	return nil
}

// GetSessionData reads a value from the (session, document) data bag.
func (m *Manager) GetSessionData(sessionID, documentID, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	bag, ok := rec.data[documentID]
	if !ok {
		return nil, false
	}
	value, ok := bag[key]
	return value, ok
}

// GetStats returns a snapshot of manager activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	stats := Stats{}
	for _, rec := range m.sessions {
		switch rec.session.State {
		case StateActive:
			stats.ActiveSessions++
		case StateIdle:
			stats.IdleSessions++
		case StateDisconnected:
			stats.DisconnectedSessions++
		}
	}
	m.mu.Unlock()
	stats.Created = m.created.Load()
	stats.Terminated = m.terminated.Load()
	stats.Expired = m.expired.Load()
	stats.Evicted = m.evicted.Load()
	return stats
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

// ---- internals ----

// oldestLocked finds the user's oldest live session.
func (m *Manager) oldestLocked(userID string) *record {
	var oldest *record
	for id := range m.byUser[userID] {
		rec := m.sessions[id]
		if rec == nil || !rec.session.State.live() {
			continue
		}
		if oldest == nil || rec.session.CreatedAt.Before(oldest.session.CreatedAt) {
			oldest = rec
		}
	}
	return oldest
}

// dropLocked removes a session from all indexes and stamps its state.
func (m *Manager) dropLocked(rec *record, state State) {
	id := rec.session.ID
	delete(m.sessions, id)
	if bound, ok := m.byClient[rec.session.ClientID]; ok && bound == id {
		delete(m.byClient, rec.session.ClientID)
	}
	if users, ok := m.byUser[rec.session.UserID]; ok {
		delete(users, id)
		if len(users) == 0 {
			delete(m.byUser, rec.session.UserID)
		}
	}
	for doc := range rec.documents {
		if docs, ok := m.byDoc[doc]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(m.byDoc, doc)
			}
		}
	}
	rec.session.State = state
}

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

// sweep demotes inactive sessions to IDLE and removes expired ones.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for _, rec := range m.sessions {
		if now.After(rec.session.ExpiresAt) {
			m.dropLocked(rec, StateExpired)
			expired = append(expired, rec.snapshot())
			continue
		}
		if rec.session.State == StateActive && now.Sub(rec.session.LastActivity) > m.cfg.IdleTimeout {
			rec.session.State = StateIdle
		}
	}
	m.mu.Unlock()

	for _, snap := range expired {
		m.expired.Add(1)
		m.emitTerminated(snap, "expired")
		logger.Debug("session expired", logger.KeySession, snap.ID, logger.KeyUser, snap.UserID)
	}
}

func (m *Manager) emitCreated(s *Session) {
	if m.callbacks.OnCreated == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("session callback panicked", logger.KeyError, r, logger.KeySession, s.ID)
		}
	}()
	m.callbacks.OnCreated(s)
}

func (m *Manager) emitTerminated(s *Session, reason string) {
	if m.callbacks.OnTerminated == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("session callback panicked", logger.KeyError, r, logger.KeySession, s.ID)
		}
	}()
	m.callbacks.OnTerminated(s, reason)
}
