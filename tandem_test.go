package tandem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/coordinator"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
	"github.com/tandem-dev/tandem/pkg/storage/memory"
)

// recordingHook collects every event it receives.
type recordingHook struct {
	NoopHook

	mu         sync.Mutex
	created    []string
	terminated []string
	acquired   []string
	released   []string
	applied    []coordinator.AppliedEvent
	snapshots  []string
}

func (h *recordingHook) OnSessionCreated(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, s.ID)
}

func (h *recordingHook) OnSessionTerminated(s *session.Session, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, s.ID)
}

func (h *recordingHook) OnLockAcquired(l *lock.Lock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired = append(h.acquired, l.ID)
}

func (h *recordingHook) OnLockReleased(l *lock.Lock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, l.ID)
}

func (h *recordingHook) OnOperationApplied(ev coordinator.AppliedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, ev)
}

func (h *recordingHook) OnSnapshotCreated(s *snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, s.ID)
}

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestNewWithDefaults(t *testing.T) {
	rt := newRuntime(t)

	require.NotNil(t, rt.Sessions())
	require.NotNil(t, rt.Locks())
	require.NotNil(t, rt.Conflicts())
	require.NotNil(t, rt.Snapshots())
	require.NotNil(t, rt.Access())
	require.NotNil(t, rt.Coordinator())
	require.NotNil(t, rt.Storage())
	assert.Equal(t, "memory", rt.Config().Storage.Backend)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Storage.Backend = "postgres" // no URL

	_, err := New(WithConfig(cfg))
	require.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	hook := &recordingHook{}
	rt := newRuntime(t, WithEventHook(hook))
	ctx := t.Context()

	sess, err := rt.Sessions().CreateSession("alice", "client-1", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Sessions().JoinDocument(sess.ID, "doc-1"))

	_, err = rt.Coordinator().CreateDocument(ctx, "doc-1", "alice", []byte("hello"))
	require.NoError(t, err)

	res, err := rt.Coordinator().ApplyOperation(ctx, "doc-1", sess.ID, conflict.Operation{
		ID:       "o1",
		ClientID: "client-1",
		Type:     "insert",
		Position: 5,
		Text:     " world",
	}, 1)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, int64(2), res.NewVersion)

	doc, err := rt.Coordinator().GetDocument(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(doc.Content))

	hook.mu.Lock()
	created := len(hook.created)
	hook.mu.Unlock()
	assert.Equal(t, 1, created)

	assert.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(hook.applied) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hook.mu.Lock()
	ev := hook.applied[0]
	hook.mu.Unlock()
	assert.Equal(t, "doc-1", ev.DocumentID)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, int64(2), ev.NewVersion)
}

func TestSessionTerminationReleasesLocks(t *testing.T) {
	hook := &recordingHook{}
	rt := newRuntime(t, WithEventHook(hook))

	sess, err := rt.Sessions().CreateSession("alice", "client-1", nil)
	require.NoError(t, err)

	res, err := rt.Locks().Acquire(t.Context(), lock.Request{
		DocumentID: "doc-1",
		UserID:     "alice",
		SessionID:  sess.ID,
		Type:       lock.TypeExclusive,
		Scope:      lock.ScopeDocument,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, rt.Sessions().TerminateSession(sess.ID, "logout"))

	assert.Empty(t, rt.Locks().GetSessionLocks(sess.ID))

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, []string{sess.ID}, hook.terminated)
	assert.Equal(t, []string{res.Lock.ID}, hook.acquired)
	assert.Equal(t, []string{res.Lock.ID}, hook.released)
}

func TestWithStoreOption(t *testing.T) {
	store := memory.NewWithDefaults()
	rt := newRuntime(t, WithStore(store))
	ctx := t.Context()

	_, err := rt.Coordinator().CreateDocument(ctx, "doc-1", "alice", []byte("data"))
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithMergeFunc(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Coordinator.ResolutionStrategy = conflict.Merge

	var calls int
	rt := newRuntime(t,
		WithConfig(cfg),
		WithMergeFunc(func(ops []conflict.Operation) (*conflict.Operation, error) {
			calls++
			return &conflict.Operation{
				ID:   "merged",
				Type: "insert",
				Text: "!",
			}, nil
		}),
	)
	ctx := t.Context()

	sess, err := rt.Sessions().CreateSession("alice", "client-1", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Sessions().JoinDocument(sess.ID, "doc-1"))

	_, err = rt.Coordinator().CreateDocument(ctx, "doc-1", "alice", []byte("hi"))
	require.NoError(t, err)

	// Stale base version forces a collision; the custom merge decides
	// the outcome.
	res, err := rt.Coordinator().ApplyOperation(ctx, "doc-1", sess.ID, conflict.Operation{
		ID:   "o1",
		Type: "insert",
		Text: "x",
	}, 7)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, calls)

	doc, err := rt.Coordinator().GetDocument(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "!hi", string(doc.Content))
}

func TestEventHookPanicRecovered(t *testing.T) {
	panicking := &panickyHook{}
	recording := &recordingHook{}
	rt := newRuntime(t, WithEventHook(panicking), WithEventHook(recording))

	sess, err := rt.Sessions().CreateSession("alice", "client-1", nil)
	require.NoError(t, err)

	recording.mu.Lock()
	defer recording.mu.Unlock()
	assert.Equal(t, []string{sess.ID}, recording.created)
}

type panickyHook struct{ NoopHook }

func (panickyHook) OnSessionCreated(*session.Session) { panic("boom") }

func TestStatsAggregates(t *testing.T) {
	rt := newRuntime(t)
	ctx := t.Context()

	sess, err := rt.Sessions().CreateSession("alice", "client-1", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Sessions().JoinDocument(sess.ID, "doc-1"))

	_, err = rt.Coordinator().CreateDocument(ctx, "doc-1", "alice", []byte("hello"))
	require.NoError(t, err)

	_, err = rt.Coordinator().ApplyOperation(ctx, "doc-1", sess.ID, conflict.Operation{
		ID:   "o1",
		Type: "insert",
		Text: "!",
	}, 1)
	require.NoError(t, err)

	stats := rt.Stats(ctx)
	assert.Equal(t, 1, stats.Sessions.ActiveSessions)
	assert.Equal(t, uint64(1), stats.Coordinator.Applied)
	require.NotNil(t, stats.Storage)
	assert.GreaterOrEqual(t, stats.Access.Documents, 1)
}

func TestCloseIsIdempotentPerContext(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	require.NoError(t, rt.Close(t.Context()))
}
