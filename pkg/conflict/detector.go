package conflict

import (
	"strconv"
	"time"
)

// DefaultConcurrentEditThreshold is the timestamp proximity within
// which two same-version edits count as concurrent.
const DefaultConcurrentEditThreshold = time.Second

// DetectConcurrentEdit reports a CONCURRENT_EDIT conflict when two
// operations share a base version, landed within threshold of each
// other, and touch overlapping ranges. A zero threshold means the
// default. Returns nil when the operations do not conflict.
func DetectConcurrentEdit(documentID string, op1, op2 Operation, threshold time.Duration) *Conflict {
	if threshold <= 0 {
		threshold = DefaultConcurrentEditThreshold
	}
	gap := op1.Timestamp.Sub(op2.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > threshold {
		return nil
	}
	if op1.Version != op2.Version {
		return nil
	}
	if !op1.overlaps(op2) {
		return nil
	}
	ops := []Operation{op1, op2}
	return &Conflict{
		ID:         conflictID(documentID, ops),
		DocumentID: documentID,
		Type:       ConcurrentEdit,
		Severity:   SeverityMedium,
		State:      StateDetected,
		Operations: ops,
		DetectedAt: time.Now(),
	}
}

// DetectVersionMismatch reports a VERSION_MISMATCH conflict when the
// operation's base version differs from the expected version. The
// expected, actual, and current versions are recorded in metadata.
func DetectVersionMismatch(documentID string, op Operation, expectedVersion, currentVersion int64) *Conflict {
	if op.Version == expectedVersion {
		return nil
	}
	ops := []Operation{op}
	return &Conflict{
		ID:         conflictID(documentID, ops),
		DocumentID: documentID,
		Type:       VersionMismatch,
		Severity:   SeverityHigh,
		State:      StateDetected,
		Operations: ops,
		DetectedAt: time.Now(),
		Metadata: map[string]string{
			"expected_version": strconv.FormatInt(expectedVersion, 10),
			"actual_version":   strconv.FormatInt(op.Version, 10),
			"current_version":  strconv.FormatInt(currentVersion, 10),
		},
	}
}

// DetectDeleteUpdate reports a DELETE_UPDATE conflict when a delete
// and a mutating operation touch overlapping ranges.
func DetectDeleteUpdate(documentID string, deleteOp, updateOp Operation) *Conflict {
	if deleteOp.Type != "delete" {
		return nil
	}
	switch updateOp.Type {
	case "insert", "replace", "retain":
	default:
		return nil
	}
	if !deleteOp.overlaps(updateOp) {
		return nil
	}
	ops := []Operation{deleteOp, updateOp}
	return &Conflict{
		ID:         conflictID(documentID, ops),
		DocumentID: documentID,
		Type:       DeleteUpdate,
		Severity:   SeverityHigh,
		State:      StateDetected,
		Operations: ops,
		DetectedAt: time.Now(),
	}
}
