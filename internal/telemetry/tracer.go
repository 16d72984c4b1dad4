package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for runtime operations. Component-specific
// keys use their own prefix.
const (
	// Document attributes
	AttrDocument = "document.id"
	AttrVersion  = "document.version"
	AttrSize     = "document.size"

	// Session attributes
	AttrSession = "session.id"
	AttrClient  = "client.id"
	AttrUser    = "user.id"

	// Lock attributes
	AttrLock      = "lock.id"
	AttrLockType  = "lock.type"
	AttrLockScope = "lock.scope"

	// Conflict attributes
	AttrConflict = "conflict.id"
	AttrStrategy = "conflict.strategy"

	// Snapshot attributes
	AttrSnapshot = "snapshot.id"
	AttrTrigger  = "snapshot.trigger"

	// Operation attributes
	AttrOperation     = "operation.id"
	AttrOperationType = "operation.type"

	// Storage backend attributes
	AttrBackend = "storage.backend"
	AttrKey     = "storage.key"
	AttrBucket  = "storage.bucket"
)

// Span names. Format: <component>.<operation>. Storage and snapshot
// spans compose their names in StartStorageSpan and StartSnapshotSpan.
const (
	SpanApply           = "coordinator.apply"
	SpanCreateDocument  = "coordinator.create_document"
	SpanDeleteDocument  = "coordinator.delete_document"
	SpanRestoreDocument = "coordinator.restore_document"

	SpanLockAcquire = "lock.acquire"

	SpanConflictResolve = "conflict.resolve"
)

// DocumentID returns an attribute for the document id
func DocumentID(id string) attribute.KeyValue {
	return attribute.String(AttrDocument, id)
}

// DocumentVersion returns an attribute for the document version
func DocumentVersion(v int64) attribute.KeyValue {
	return attribute.Int64(AttrVersion, v)
}

// DocumentSize returns an attribute for the content size in bytes
func DocumentSize(n int) attribute.KeyValue {
	return attribute.Int(AttrSize, n)
}

// SessionID returns an attribute for the session id
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSession, id)
}

// ClientID returns an attribute for the client id
func ClientID(id string) attribute.KeyValue {
	return attribute.String(AttrClient, id)
}

// UserID returns an attribute for the user id
func UserID(id string) attribute.KeyValue {
	return attribute.String(AttrUser, id)
}

// LockID returns an attribute for the lock id
func LockID(id string) attribute.KeyValue {
	return attribute.String(AttrLock, id)
}

// LockType returns an attribute for the lock type
func LockType(t string) attribute.KeyValue {
	return attribute.String(AttrLockType, t)
}

// LockScope returns an attribute for the lock scope
func LockScope(s string) attribute.KeyValue {
	return attribute.String(AttrLockScope, s)
}

// ConflictID returns an attribute for the conflict id
func ConflictID(id string) attribute.KeyValue {
	return attribute.String(AttrConflict, id)
}

// Strategy returns an attribute for the resolution strategy
func Strategy(s string) attribute.KeyValue {
	return attribute.String(AttrStrategy, s)
}

// SnapshotID returns an attribute for the snapshot id
func SnapshotID(id string) attribute.KeyValue {
	return attribute.String(AttrSnapshot, id)
}

// Trigger returns an attribute for the snapshot trigger
func Trigger(t string) attribute.KeyValue {
	return attribute.String(AttrTrigger, t)
}

// OperationID returns an attribute for the operation id
func OperationID(id string) attribute.KeyValue {
	return attribute.String(AttrOperation, id)
}

// OperationType returns an attribute for the operation kind
func OperationType(t string) attribute.KeyValue {
	return attribute.String(AttrOperationType, t)
}

// Backend returns an attribute for the storage backend name
func Backend(name string) attribute.KeyValue {
	return attribute.String(AttrBackend, name)
}

// StorageKey returns an attribute for the storage key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Bucket returns an attribute for the S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StartApplySpan starts a span for an apply-pipeline run.
func StartApplySpan(ctx context.Context, documentID, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		DocumentID(documentID),
		SessionID(sessionID),
	}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanApply, trace.WithAttributes(allAttrs...))
}

// StartStorageSpan starts a span for a storage backend operation.
func StartStorageSpan(ctx context.Context, operation, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		StorageKey(key),
	}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "storage."+operation, trace.WithAttributes(allAttrs...))
}

// StartSnapshotSpan starts a span for a snapshot operation.
func StartSnapshotSpan(ctx context.Context, operation, documentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		DocumentID(documentID),
	}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "snapshot."+operation, trace.WithAttributes(allAttrs...))
}
