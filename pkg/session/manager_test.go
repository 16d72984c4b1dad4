package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/errors"
)

func newTestManager(t *testing.T, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestCreateAndGetSession(t *testing.T) {
	m := newTestManager(t)

	s, err := m.CreateSession("alice", "client-1", map[string]string{"agent": "cli/1.0"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, "cli/1.0", s.DeviceInfo["agent"])
	assert.True(t, s.ExpiresAt.After(s.CreatedAt))

	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	byClient, err := m.GetSessionByClient("client-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, byClient.ID)

	_, err = m.GetSession("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateSessionRejectsBoundClient(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSession("alice", "client-1", nil)
	require.NoError(t, err)
	_, err = m.CreateSession("bob", "client-1", nil)
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestSessionCapEvictsOldest(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxSessionsPerUser = 2 })

	var mu sync.Mutex
	var evicted []string
	m.SetCallbacks(Callbacks{OnTerminated: func(s *Session, reason string) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, s.ID+":"+reason)
	}})

	s1, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.CreateSession("alice", "c2", nil)
	require.NoError(t, err)
	_, err = m.CreateSession("alice", "c3", nil)
	require.NoError(t, err)

	sessions := m.GetUserSessions("alice")
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotEqual(t, s1.ID, s.ID, "oldest session must be evicted")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evicted, 1)
	assert.Equal(t, s1.ID+":session limit reached", evicted[0])
}

func TestJoinLeaveDocument(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, m.JoinDocument(s.ID, "doc-1"))
	require.NoError(t, m.JoinDocument(s.ID, "doc-1"), "joining twice is a no-op")

	docSessions := m.GetDocumentSessions("doc-1")
	require.Len(t, docSessions, 1)
	assert.Equal(t, s.ID, docSessions[0].ID)

	require.NoError(t, m.LeaveDocument(s.ID, "doc-1"))
	assert.Empty(t, m.GetDocumentSessions("doc-1"))
}

func TestJoinDocumentCap(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxDocumentsPerSession = 2 })
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, m.JoinDocument(s.ID, "doc-1"))
	require.NoError(t, m.JoinDocument(s.ID, "doc-2"))
	err = m.JoinDocument(s.ID, "doc-3")
	assert.True(t, errors.IsCapacityExceeded(err))
}

func TestSessionDataBags(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	// Data requires a joined document.
	err = m.SaveSessionData(s.ID, "doc-1", "cursor", 42)
	assert.True(t, errors.IsInvalidArgument(err))

	require.NoError(t, m.JoinDocument(s.ID, "doc-1"))
	require.NoError(t, m.SaveSessionData(s.ID, "doc-1", "cursor", 42))

	v, ok := m.GetSessionData(s.ID, "doc-1", "cursor")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = m.GetSessionData(s.ID, "doc-1", "missing")
	assert.False(t, ok)

	// Leaving drops the bag.
	require.NoError(t, m.LeaveDocument(s.ID, "doc-1"))
	_, ok = m.GetSessionData(s.ID, "doc-1", "cursor")
	assert.False(t, ok)
}

func TestIdleAndReactivation(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.IdleTimeout = 30 * time.Millisecond })
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetSession(s.ID)
		return err == nil && got.State == StateIdle
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.UpdateActivity(s.ID))
	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestExpirySweeper(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.SessionTimeout = 40 * time.Millisecond })

	terminated := make(chan string, 1)
	m.SetCallbacks(Callbacks{OnTerminated: func(s *Session, reason string) {
		terminated <- reason
	}})

	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.GetSession(s.ID)
		return errors.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)

	select {
	case reason := <-terminated:
		assert.Equal(t, "expired", reason)
	case <-time.After(time.Second):
		t.Fatal("termination callback did not fire")
	}
	assert.Equal(t, uint64(1), m.GetStats().Expired)
}

func TestActivitySlidesExpiry(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.SessionTimeout = 80 * time.Millisecond })
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)

	// Keep touching the session past its original expiry.
	for i := 0; i < 6; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, m.UpdateActivity(s.ID))
	}
	_, err = m.GetSession(s.ID)
	assert.NoError(t, err, "an active session must not expire")
}

func TestDisconnectAndReconnect(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, m.JoinDocument(s.ID, "doc-1"))
	require.NoError(t, m.SaveSessionData(s.ID, "doc-1", "cursor", 7))

	require.NoError(t, m.DisconnectSession(s.ID))
	_, err = m.GetSessionByClient("c1")
	assert.True(t, errors.IsNotFound(err), "disconnect unbinds the client id")

	// Reconnect is only valid from DISCONNECTED.
	_, err = m.ReconnectSession(s.ID, "c2")
	require.NoError(t, err)
	_, err = m.ReconnectSession(s.ID, "c3")
	require.Error(t, err)

	got, err := m.GetSessionByClient("c2")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, StateActive, got.State)

	// Session data survives the reconnect.
	v, ok := m.GetSessionData(s.ID, "doc-1", "cursor")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestReconnectExpiredFails(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.SessionTimeout = 30 * time.Millisecond
		c.SweepInterval = time.Hour // keep the sweeper out of the way
	})
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, m.DisconnectSession(s.ID))

	time.Sleep(50 * time.Millisecond)
	_, err = m.ReconnectSession(s.ID, "c2")
	assert.True(t, errors.IsTimeout(err))
}

func TestTerminateSession(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, m.JoinDocument(s.ID, "doc-1"))

	reasons := make(chan string, 1)
	m.SetCallbacks(Callbacks{OnTerminated: func(_ *Session, reason string) { reasons <- reason }})

	require.NoError(t, m.TerminateSession(s.ID, "logout"))
	assert.Equal(t, "logout", <-reasons)

	_, err = m.GetSession(s.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, m.GetDocumentSessions("doc-1"))
	assert.True(t, errors.IsNotFound(m.TerminateSession(s.ID, "again")))
}

func TestTerminateUserSessions(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.CreateSession("alice", fmt.Sprintf("c%d", i), nil)
		require.NoError(t, err)
	}
	_, err := m.CreateSession("bob", "c-bob", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, m.TerminateUserSessions("alice", "admin action"))
	assert.Empty(t, m.GetUserSessions("alice"))
	assert.Len(t, m.GetUserSessions("bob"), 1)
}

func TestGetStats(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.CreateSession("alice", "c1", nil)
	require.NoError(t, err)
	_, err = m.CreateSession("bob", "c2", nil)
	require.NoError(t, err)
	require.NoError(t, m.DisconnectSession(s1.ID))

	stats := m.GetStats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.DisconnectedSessions)
	assert.Equal(t, uint64(2), stats.Created)
}
