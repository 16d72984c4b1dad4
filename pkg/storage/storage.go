// Package storage defines the byte-level persistence contract of the
// collaboration runtime and the shared behaviour every backend carries:
// size caps, threshold-gated compression, and checksum verification.
//
// Backends live in subpackages (memory, badger, s3, postgres); Manager
// composes a primary backend with an optional best-effort secondary.
package storage

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the rest of the runtime.
//
// Keys are opaque document identifiers. The runtime reserves keys with a
// "snapshot:" prefix and the "__snapshot_index__" key for snapshot state;
// backends treat all keys uniformly.
type Store interface {
	// Save persists content under id. created_at is preserved across
	// overwrites; updated_at is refreshed. Returns ErrStorageFull when a
	// size cap would be exceeded.
	Save(ctx context.Context, id string, content []byte, version int64, custom map[string]string) (*Metadata, error)

	// Load returns the content and metadata for id. Returns ErrCorruption
	// when checksum verification fails, ErrNotFound when absent.
	Load(ctx context.Context, id string) ([]byte, *Metadata, error)

	// Delete removes id. Returns false when id was absent.
	Delete(ctx context.Context, id string) (bool, error)

	// Exists reports whether id is present.
	Exists(ctx context.Context, id string) (bool, error)

	// List returns up to limit ids with the given prefix, sorted.
	// limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)

	// GetMetadata returns the metadata for id without loading content.
	GetMetadata(ctx context.Context, id string) (*Metadata, error)

	// GetStats returns backend occupancy statistics.
	GetStats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close() error
}

// Metadata describes a stored document.
type Metadata struct {
	DocumentID  string            `json:"document_id"`
	Version     int64             `json:"version"`
	ContentHash string            `json:"content_hash,omitempty"`
	Size        int64             `json:"size"`
	Compressed  bool              `json:"compressed"`
	Encrypted   bool              `json:"encrypted"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ContentType string            `json:"content_type"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Custom != nil {
		out.Custom = make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = v
		}
	}
	return &out
}

// Stats reports backend occupancy.
type Stats struct {
	DocumentCount int64 `json:"document_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Config holds the behaviour knobs shared by all backends.
type Config struct {
	// MaxDocumentSize caps the stored (post-compression) size of a single
	// document. 0 disables the cap.
	MaxDocumentSize int64

	// MaxTotalSize caps the aggregate stored size of the backend.
	// 0 disables the cap.
	MaxTotalSize int64

	// CompressionEnabled turns on zstd compression for content larger
	// than CompressionThreshold.
	CompressionEnabled bool

	// CompressionThreshold is the minimum raw size, in bytes, for
	// compression to apply.
	CompressionThreshold int64

	// ChecksumEnabled turns on SHA-256 checksumming of stored bytes.
	// On load the checksum is recomputed and mismatches surface as
	// ErrCorruption.
	ChecksumEnabled bool
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		MaxDocumentSize:      50 * 1024 * 1024,
		MaxTotalSize:         5 * 1024 * 1024 * 1024,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		ChecksumEnabled:      true,
	}
}
