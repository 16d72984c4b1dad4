package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from
// every component can be aggregated and queried by the same vocabulary.
const (
	// Entity identifiers
	KeyDocument   = "document_id"   // Document the operation targets
	KeySession    = "session_id"    // Session performing the operation
	KeyUser       = "user_id"       // User behind the session
	KeyClient     = "client_id"     // Client connection identifier
	KeyLock       = "lock_id"       // Lock involved in the operation
	KeySnapshot   = "snapshot_id"   // Snapshot involved in the operation
	KeyConflict   = "conflict_id"   // Conflict involved in the operation
	KeyInvitation = "invitation_id" // Invitation involved in the operation

	// Operation details
	KeyVersion   = "version"    // Document version
	KeyOperation = "operation"  // Operation type (insert, delete, replace, ...)
	KeyScope     = "scope"      // Lock scope (document, section, field)
	KeyLockType  = "lock_type"  // Lock type (exclusive, shared, ...)
	KeyStrategy  = "strategy"   // Conflict resolution strategy
	KeyTrigger   = "trigger"    // Snapshot trigger
	KeySize      = "size"       // Payload size in bytes
	KeyReason    = "reason"     // Human-readable cause (termination, denial)
	KeyBackend   = "backend"    // Storage backend name
	KeyKey       = "key"        // Storage key
	KeyDuration  = "duration"   // Elapsed time
	KeyCount     = "count"      // Generic count
	KeyEvent     = "event"      // Event name for callback dispatch
	KeyError     = "error"      // Error value
)
