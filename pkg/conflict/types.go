// Package conflict detects and resolves conflicting edit operations:
// concurrent edits, version mismatches, and delete/update collisions.
//
// Detection functions are pure; the Manager records detected conflicts
// per document (LRU-trimmed), runs pluggable resolution strategies
// under a timeout, and expires resolved history.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Operation is a single edit submitted by a client. Position and
// Length (or Text) derive the affected range; Type is the edit kind
// ("insert", "delete", "replace", "retain", "batch").
type Operation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	ClientID  string            `json:"client_id,omitempty"`
	Type      string            `json:"type"`
	Position  int64             `json:"position"`
	Length    int64             `json:"length,omitempty"`
	Text      string            `json:"text,omitempty"`
	Field     string            `json:"field,omitempty"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Batch     []Operation       `json:"operations,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// span returns the [start, end) extent the operation touches. Length
// wins when set; otherwise the text length; a zero-extent operation
// still occupies one position.
func (o Operation) span() (int64, int64) {
	length := o.Length
	if length == 0 {
		length = int64(len([]rune(o.Text)))
	}
	if length == 0 {
		length = 1
	}
	return o.Position, o.Position + length
}

// overlaps reports whether two operations touch intersecting ranges.
func (o Operation) overlaps(other Operation) bool {
	aStart, aEnd := o.span()
	bStart, bEnd := other.span()
	return aStart < bEnd && bStart < aEnd
}

// Type classifies a conflict.
type Type int

const (
	ConcurrentEdit Type = iota
	VersionMismatch
	DeleteUpdate
	StructureChange
	PermissionChange
	LockViolation
)

// String returns a human-readable name for the conflict type.
func (t Type) String() string {
	switch t {
	case ConcurrentEdit:
		return "concurrent_edit"
	case VersionMismatch:
		return "version_mismatch"
	case DeleteUpdate:
		return "delete_update"
	case StructureChange:
		return "structure_change"
	case PermissionChange:
		return "permission_change"
	case LockViolation:
		return "lock_violation"
	default:
		return "unknown"
	}
}

// Severity grades a conflict's impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns a human-readable name for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a conflict.
type State int

const (
	StateDetected State = iota
	StateResolving
	StateResolved
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Strategy names a resolution approach.
type Strategy int

const (
	LastWriterWins Strategy = iota
	FirstWriterWins
	Merge
	Reject
	Manual
	Custom
)

// String returns a human-readable name for the strategy.
func (s Strategy) String() string {
	switch s {
	case LastWriterWins:
		return "last_writer_wins"
	case FirstWriterWins:
		return "first_writer_wins"
	case Merge:
		return "merge"
	case Reject:
		return "reject"
	case Manual:
		return "manual"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Conflict is a detected collision between operations on a document.
// A RESOLVED conflict is immutable.
type Conflict struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Type       Type              `json:"conflict_type"`
	Severity   Severity          `json:"severity"`
	State      State             `json:"state"`
	Operations []Operation       `json:"operations"`
	DetectedAt time.Time         `json:"detected_at"`
	ResolvedAt time.Time         `json:"resolved_at,omitzero"`
	ResolverID string            `json:"resolver_id,omitempty"`
	Strategy   Strategy          `json:"resolution_strategy,omitempty"`
	Resolution *Resolution       `json:"resolution_result,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.Operations = append([]Operation(nil), c.Operations...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Resolution != nil {
		res := *c.Resolution
		out.Resolution = &res
	}
	return &out
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Success          bool              `json:"success"`
	Strategy         Strategy          `json:"strategy"`
	WinningOperation *Operation        `json:"winning_operation,omitempty"`
	MergedOperation  *Operation        `json:"merged_operation,omitempty"`
	RejectedCount    int               `json:"rejected_count,omitempty"`
	ResolvedAt       time.Time         `json:"resolved_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// conflictID derives the content-addressed id: the first 12 hex chars
// of SHA-256 over the document id and the sorted operation ids, so the
// same collision always maps to the same conflict.
func conflictID(documentID string, ops []Operation) string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(documentID + "\x00" + strings.Join(ids, "\x00")))
	return "conflict_" + hex.EncodeToString(sum[:])[:12]
}
