// Package snapshot provides versioned content snapshots with delta
// chains, retention, and rollback.
//
// Snapshots persist through the storage layer under reserved keys: each
// snapshot is JSON under "snapshot:<id>", and the per-document index
// lives under "__snapshot_index__". A DELTA snapshot references a base
// snapshot reachable by a finite chain that terminates in a FULL.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes full and delta snapshots.
type Type int

const (
	// TypeFull stores the complete document content.
	TypeFull Type = iota

	// TypeDelta stores a diff against a base snapshot plus the full
	// reconstructed content.
	TypeDelta
)

// String returns a human-readable name for the snapshot type.
func (t Type) String() string {
	switch t {
	case TypeFull:
		return "full"
	case TypeDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Trigger records why a snapshot was taken.
type Trigger int

const (
	// TriggerManual marks an explicit user request.
	TriggerManual Trigger = iota

	// TriggerAuto marks the periodic auto-snapshot loop.
	TriggerAuto

	// TriggerOperationCount marks the operation counter threshold.
	TriggerOperationCount

	// TriggerTimeElapsed marks the elapsed-time threshold.
	TriggerTimeElapsed

	// TriggerCheckpoint marks an application checkpoint (for example
	// before a rollback or a risky bulk edit).
	TriggerCheckpoint
)

// String returns a human-readable name for the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerAuto:
		return "auto"
	case TriggerOperationCount:
		return "operation_count"
	case TriggerTimeElapsed:
		return "time_elapsed"
	case TriggerCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time capture of a document.
//
// Exactly one of Content and Delta is set, matching Type.
type Snapshot struct {
	ID             string            `json:"id"`
	DocumentID     string            `json:"document_id"`
	Version        int64             `json:"version"`
	Type           Type              `json:"snapshot_type"`
	Trigger        Trigger           `json:"trigger"`
	Content        []byte            `json:"content,omitempty"`
	Delta          []byte            `json:"delta,omitempty"`
	BaseSnapshotID string            `json:"base_snapshot_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Size           int64             `json:"size"`
	Checksum       string            `json:"checksum"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// payload returns the stored bytes the checksum covers.
func (s *Snapshot) payload() []byte {
	if s.Type == TypeDelta {
		return s.Delta
	}
	return s.Content
}

// clone returns a copy safe to hand to callers.
func (s *Snapshot) clone() *Snapshot {
	out := *s
	if s.Content != nil {
		out.Content = append([]byte(nil), s.Content...)
	}
	if s.Delta != nil {
		out.Delta = append([]byte(nil), s.Delta...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func newSnapshotID() string {
	return "snap_" + uuid.NewString()
}

// Config controls snapshot behaviour.
type Config struct {
	// AutoSnapshotEnabled starts the periodic auto-snapshot loop.
	AutoSnapshotEnabled bool `mapstructure:"auto_snapshot_enabled"`

	// AutoSnapshotInterval is the loop cadence and the elapsed-time
	// trigger threshold.
	AutoSnapshotInterval time.Duration `mapstructure:"auto_snapshot_interval" validate:"gt=0"`

	// OperationsPerSnapshot is the operation counter trigger threshold.
	OperationsPerSnapshot int `mapstructure:"operations_per_snapshot" validate:"gt=0"`

	// DeltaEnabled turns on delta encoding against the latest full
	// snapshot.
	DeltaEnabled bool `mapstructure:"delta_enabled"`

	// DeltaThreshold is the change-ratio ceiling below which a delta is
	// stored instead of a full snapshot.
	DeltaThreshold float64 `mapstructure:"delta_threshold" validate:"gte=0,lte=1"`

	// MaxSnapshotsPerDocument triggers retention when exceeded.
	MaxSnapshotsPerDocument int `mapstructure:"max_snapshots_per_document" validate:"gt=0"`

	// MaxSnapshotAge protects recent snapshots from retention.
	MaxSnapshotAge time.Duration `mapstructure:"max_snapshot_age"`

	// KeepHourly keeps one snapshot per distinct hour, for this many hours.
	KeepHourly int `mapstructure:"keep_hourly"`

	// KeepDaily keeps one snapshot per distinct day, for this many days.
	KeepDaily int `mapstructure:"keep_daily"`
}

// DefaultConfig returns the default snapshot configuration.
func DefaultConfig() Config {
	return Config{
		AutoSnapshotEnabled:     true,
		AutoSnapshotInterval:    5 * time.Minute,
		OperationsPerSnapshot:   100,
		DeltaEnabled:            true,
		DeltaThreshold:          0.3,
		MaxSnapshotsPerDocument: 50,
		MaxSnapshotAge:          30 * 24 * time.Hour,
		KeepHourly:              24,
		KeepDaily:               7,
	}
}
