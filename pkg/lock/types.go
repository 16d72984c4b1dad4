// Package lock provides multi-scope, multi-type document locking with
// queued fair acquisition, expiry sweeping, and per-session release.
//
// Locks are advisory and ephemeral (in-memory only). They persist until
// explicitly released, their session terminates, or they expire. The
// manager is the single authority for edit exclusion in the runtime; no
// other component holds its own lock across user operations.
package lock

import (
	"time"

	"github.com/google/uuid"
)

// Type represents the type of lock.
type Type int

const (
	// TypeExclusive blocks all other locks on an overlapping extent.
	TypeExclusive Type = iota

	// TypeShared allows other shared locks; blocks exclusive locks.
	TypeShared

	// TypeIntentExclusive declares intent to take exclusive sub-locks.
	// Intent locks never conflict with each other.
	TypeIntentExclusive

	// TypeIntentShared declares intent to take shared sub-locks.
	TypeIntentShared
)

// String returns a human-readable name for the lock type.
func (t Type) String() string {
	switch t {
	case TypeExclusive:
		return "exclusive"
	case TypeShared:
		return "shared"
	case TypeIntentExclusive:
		return "intent-exclusive"
	case TypeIntentShared:
		return "intent-shared"
	default:
		return "unknown"
	}
}

// isIntent reports whether the type is one of the intent declarations.
func (t Type) isIntent() bool {
	return t == TypeIntentExclusive || t == TypeIntentShared
}

// Scope represents the extent of a lock.
type Scope int

const (
	// ScopeDocument locks the whole document.
	ScopeDocument Scope = iota

	// ScopeSection locks a [Start, End) byte or character range.
	ScopeSection

	// ScopeField locks a named field.
	ScopeField
)

// String returns a human-readable name for the scope.
func (s Scope) String() string {
	switch s {
	case ScopeDocument:
		return "document"
	case ScopeSection:
		return "section"
	case ScopeField:
		return "field"
	default:
		return "unknown"
	}
}

// State represents the lifecycle state of a lock.
type State int

const (
	// StateAcquired means the lock is held and enforced.
	StateAcquired State = iota

	// StateReleased means the lock was explicitly released.
	StateReleased

	// StateExpired means the expiry sweeper reclaimed the lock.
	StateExpired
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAcquired:
		return "acquired"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Range is a half-open [Start, End) extent within a document.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Overlaps reports whether two ranges intersect.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Contains reports whether position falls inside the range.
func (r Range) Contains(position int64) bool {
	return position >= r.Start && position < r.End
}

// Lock is a held lock on a document.
//
// Cross-references (session, user) are stored as string ids only; the
// session manager owns session records and resolves them at use time.
type Lock struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	Type       Type              `json:"lock_type"`
	Scope      Scope             `json:"scope"`
	Range      *Range            `json:"range,omitempty"`
	FieldName  string            `json:"field_name,omitempty"`
	State      State             `json:"state"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ReleasedAt time.Time         `json:"released_at,omitzero"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the lock is past its expiry at the given time.
func (l *Lock) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// clone returns a copy safe to hand to callers and callbacks.
func (l *Lock) clone() *Lock {
	out := *l
	if l.Range != nil {
		r := *l.Range
		out.Range = &r
	}
	if l.Metadata != nil {
		out.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// coversPosition reports whether the lock's extent covers the given
// position/field query. A nil position and empty field matches any lock.
func (l *Lock) coversPosition(position *int64, field string) bool {
	switch l.Scope {
	case ScopeDocument:
		return true
	case ScopeSection:
		if position == nil {
			return true
		}
		if l.Range == nil {
			return true
		}
		return l.Range.Contains(*position)
	case ScopeField:
		if field == "" {
			return true
		}
		return l.FieldName == field
	default:
		return false
	}
}

// conflictsWith reports whether two locks on the same document conflict.
//
// Extent test first: non-overlapping sections and distinct fields never
// conflict. A document-scope lock overlaps everything. Then the type
// test: shared pairs and intent pairs coexist; every other pair conflicts.
// Same-user exclusion is the caller's responsibility.
func (l *Lock) conflictsWith(other *Lock) bool {
	if l.Scope != ScopeDocument && other.Scope != ScopeDocument {
		if l.Scope == ScopeSection && other.Scope == ScopeSection &&
			l.Range != nil && other.Range != nil && !l.Range.Overlaps(*other.Range) {
			return false
		}
		if l.Scope == ScopeField && other.Scope == ScopeField && l.FieldName != other.FieldName {
			return false
		}
	}

	if l.Type == TypeShared && other.Type == TypeShared {
		return false
	}
	if l.Type.isIntent() && other.Type.isIntent() {
		return false
	}
	return true
}

// Request describes a lock acquisition.
type Request struct {
	DocumentID string
	UserID     string
	SessionID  string
	Type       Type
	Scope      Scope
	Range      *Range
	FieldName  string

	// Timeout is the requested hold duration. Zero means the manager's
	// default; the grant is always clamped to MaxLockDuration.
	Timeout time.Duration

	// Wait queues the request behind conflicting locks instead of
	// failing immediately.
	Wait bool

	Metadata map[string]string
}

// Result is the outcome of an acquisition attempt.
type Result struct {
	Success bool

	// Lock is the granted lock when Success is true.
	Lock *Lock

	// ConflictLocks holds the locks that blocked the request.
	ConflictLocks []*Lock

	// WaitTime is how long the request spent queued.
	WaitTime time.Duration

	// Reason is a human-readable denial cause.
	Reason string
}

// cloneLocks deep-copies a slice of locks.
func cloneLocks(in []*Lock) []*Lock {
	if len(in) == 0 {
		return nil
	}
	out := make([]*Lock, len(in))
	for i, l := range in {
		out[i] = l.clone()
	}
	return out
}

// newLockID mints a lock identifier.
func newLockID() string {
	return "lock_" + uuid.NewString()
}
