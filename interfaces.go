package tandem

import (
	"github.com/tandem-dev/tandem/pkg/access"
	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/coordinator"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
)

// EventHook receives notifications after runtime state changes commit.
// Hooks run on the emitting component's callback path: for a given
// event stream the invocation order matches commit order. Panics are
// recovered and logged; a hook can never affect committed state.
//
// Embed NoopHook to implement only the methods you care about.
type EventHook interface {
	OnSessionCreated(s *session.Session)
	OnSessionTerminated(s *session.Session, reason string)
	OnLockAcquired(l *lock.Lock)
	OnLockReleased(l *lock.Lock)
	OnLockExpired(l *lock.Lock)
	OnConflictDetected(c *conflict.Conflict)
	OnConflictResolved(c *conflict.Conflict)
	OnSnapshotCreated(s *snapshot.Snapshot)
	OnAccessGranted(g *access.Grant)
	OnInvitationSent(i *access.Invitation)
	OnOperationApplied(ev coordinator.AppliedEvent)
}

// MergeFunc combines the operations of a conflict into a single merged
// operation. Installed with WithMergeFunc, it replaces the default
// batch merge whenever a version collision resolves with the MERGE
// strategy.
type MergeFunc func(ops []conflict.Operation) (*conflict.Operation, error)

// NoopHook is an EventHook with empty methods, for embedding.
type NoopHook struct{}

var _ EventHook = NoopHook{}

func (NoopHook) OnSessionCreated(*session.Session)            {}
func (NoopHook) OnSessionTerminated(*session.Session, string) {}
func (NoopHook) OnLockAcquired(*lock.Lock)                    {}
func (NoopHook) OnLockReleased(*lock.Lock)                    {}
func (NoopHook) OnLockExpired(*lock.Lock)                     {}
func (NoopHook) OnConflictDetected(*conflict.Conflict)        {}
func (NoopHook) OnConflictResolved(*conflict.Conflict)        {}
func (NoopHook) OnSnapshotCreated(*snapshot.Snapshot)         {}
func (NoopHook) OnAccessGranted(*access.Grant)                {}
func (NoopHook) OnInvitationSent(*access.Invitation)          {}
func (NoopHook) OnOperationApplied(coordinator.AppliedEvent)  {}
