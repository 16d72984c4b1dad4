// Package coordinator is the single mutation path for document state.
// Every edit flows through ApplyOperation, which serialises writes per
// document and wires the session, access, lock, conflict and snapshot
// components together.
package coordinator

import (
	"sync"
	"time"

	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/lock"
)

// Document is a point-in-time view of a coordinated document.
type Document struct {
	ID        string    `json:"id"`
	Content   []byte    `json:"content"`
	Version   int64     `json:"version"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyResult reports the outcome of ApplyOperation. A version
// collision that resolution could not settle in the caller's favour is
// reported here with Success=false, not as an error.
type ApplyResult struct {
	Success    bool   `json:"success"`
	NewVersion int64  `json:"new_version,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Applied is the operation that actually mutated the document.
	// It differs from the submitted one when a version collision was
	// resolved by merge.
	Applied *conflict.Operation `json:"applied,omitempty"`

	Conflict   *conflict.Conflict   `json:"conflict,omitempty"`
	Resolution *conflict.Resolution `json:"resolution,omitempty"`

	// ConflictLocks lists the locks that blocked the edit when the
	// returned error is a lock violation.
	ConflictLocks []*lock.Lock `json:"conflict_locks,omitempty"`
}

// AppliedEvent is delivered to observers after an operation commits.
type AppliedEvent struct {
	DocumentID string             `json:"document_id"`
	UserID     string             `json:"user_id"`
	SessionID  string             `json:"session_id"`
	Operation  conflict.Operation `json:"operation"`
	NewVersion int64              `json:"new_version"`
	AppliedAt  time.Time          `json:"applied_at"`
}

// Observer receives applied-operation events in commit order.
type Observer func(AppliedEvent)

// docState is the in-memory arena entry for one document. Its mutex is
// the document's serialisation point: version check, apply and commit
// happen under it.
type docState struct {
	mu        sync.Mutex
	loaded    bool
	content   []byte
	version   int64
	createdBy string
	createdAt time.Time
	updatedAt time.Time
}

func (s *docState) snapshotLocked(id string) *Document {
	return &Document{
		ID:        id,
		Content:   append([]byte(nil), s.content...),
		Version:   s.version,
		CreatedBy: s.createdBy,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}
